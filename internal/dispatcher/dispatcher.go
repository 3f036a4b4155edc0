// ============================================================================
// fedqueue Dispatcher - 任務調度核心
// ============================================================================
//
// Package: internal/dispatcher
// 文件: dispatcher.go
//
// 核心職責:
//   1. consumeLoop: 有空閒 Worker 時才從 broker 取出任務，交給 worker.Pool
//   2. resultLoop:  收集執行結果，交給 retry.Scheduler 決定下一步
//   3. Enqueue:     驗證 payload 後發佈新任務
//
// 結果處理:
//   Ack        → broker.Ack
//   Requeue    → 發佈 attempt+1 的新任務，成功後才 Ack 原任務
//   DeadLetter → 寫入死信存放，成功後才 Ack 原任務
//
//   任何一步失敗都不 Ack：broker 在 visibility timeout 後重新投遞，
//   handler 的冪等性保證重跑安全。
//
// 優雅關閉:
//   Stop() → 停止取出新任務 → 等待進行中的任務（最多 ShutdownGrace）
//          → 逾時則取消 handler 的 context → 處理完所有結果
//
// ============================================================================

package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/ChuLiYu/fedqueue/internal/deadletter"
	"github.com/ChuLiYu/fedqueue/internal/logger"
	"github.com/ChuLiYu/fedqueue/internal/metrics"
	"github.com/ChuLiYu/fedqueue/internal/notify"
	"github.com/ChuLiYu/fedqueue/internal/queue"
	"github.com/ChuLiYu/fedqueue/internal/retry"
	"github.com/ChuLiYu/fedqueue/internal/worker"
	"github.com/ChuLiYu/fedqueue/pkg/types"
)

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("dispatcher: already started")

// brokerOpTimeout bounds each ack / publish / dead-letter write.
const brokerOpTimeout = 10 * time.Second

// Config 調度設定
type Config struct {
	Workers       int
	JobTimeout    time.Duration
	ConsumeWait   time.Duration
	ErrorBackoff  time.Duration // broker 取出失敗後的等待
	ShutdownGrace time.Duration
}

func (c *Config) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 2 * time.Minute
	}
	if c.ConsumeWait <= 0 {
		c.ConsumeWait = 2 * time.Second
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
}

// Deps 外部依賴
type Deps struct {
	Broker      queue.Broker
	Handler     worker.Handler
	Retry       *retry.Scheduler
	DeadLetters deadletter.Store
	Sink        notify.Sink
	Logger      *zap.Logger
	Metrics     *metrics.Collector
}

// Status 運行狀態快照
type Status struct {
	Workers     int          `json:"workers"`
	Busy        int64        `json:"busy"`
	Processed   int64        `json:"processed"`
	Delivered   int64        `json:"delivered"`
	Permanent   int64        `json:"permanent"`
	Requeued    int64        `json:"requeued"`
	Dead        int64        `json:"dead"`
	Queue       *queue.Stats `json:"queue,omitempty"`
	DeadLetters int          `json:"dead_letters"`
}

// Dispatcher 任務調度器
type Dispatcher struct {
	cfg  Config
	deps Deps
	log  *zap.Logger
	pool *worker.Pool

	slots chan struct{} // 每個 Worker 一格，確保只取出能立刻執行的任務

	stopConsume context.CancelFunc
	stopWork    context.CancelFunc
	consumeWG   sync.WaitGroup
	resultWG    sync.WaitGroup

	started atomic.Bool
	closing atomic.Bool

	processed atomic.Int64
	delivered atomic.Int64
	permanent atomic.Int64
	requeued  atomic.Int64
	dead      atomic.Int64

	now func() time.Time
}

// New 建立 Dispatcher
func New(deps Deps, cfg Config) *Dispatcher {
	cfg.setDefaults()
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Retry == nil {
		deps.Retry = retry.New(retry.DefaultConfig(), nil)
	}
	if deps.Sink == nil {
		deps.Sink = notify.NewLogSink(deps.Logger)
	}
	return &Dispatcher{
		cfg:   cfg,
		deps:  deps,
		log:   deps.Logger.Named("dispatcher"),
		slots: make(chan struct{}, cfg.Workers),
		now:   time.Now,
	}
}

// Start 啟動 Worker Pool 與兩個迴圈
func (d *Dispatcher) Start(ctx context.Context) error {
	if !d.started.CAS(false, true) {
		return ErrAlreadyStarted
	}

	workCtx, stopWork := context.WithCancel(context.WithoutCancel(ctx))
	consumeCtx, stopConsume := context.WithCancel(ctx)
	d.stopWork, d.stopConsume = stopWork, stopConsume

	d.pool = worker.NewPool(0, d.deps.Handler, d.deps.Logger)
	if err := d.pool.Start(workCtx, d.cfg.Workers); err != nil {
		stopConsume()
		stopWork()
		return err
	}

	d.resultWG.Add(1)
	go d.resultLoop()
	d.consumeWG.Add(1)
	go d.consumeLoop(consumeCtx)

	d.log.Info("dispatcher started",
		zap.Int("workers", d.cfg.Workers),
		zap.Duration("job_timeout", d.cfg.JobTimeout))
	return nil
}

// Stop 優雅關閉；可重複呼叫
func (d *Dispatcher) Stop() {
	if !d.started.Load() || !d.closing.CAS(false, true) {
		return
	}
	d.stopConsume()
	d.consumeWG.Wait()

	stopped := make(chan struct{})
	go func() {
		d.pool.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(d.cfg.ShutdownGrace):
		d.log.Warn("shutdown grace elapsed, cancelling running jobs")
		d.stopWork()
		<-stopped
	}
	d.stopWork()
	d.resultWG.Wait()
	d.log.Info("dispatcher stopped")
}

// consumeLoop 取得 slot → Consume → Submit
func (d *Dispatcher) consumeLoop(ctx context.Context) {
	defer d.consumeWG.Done()

	for {
		select {
		case d.slots <- struct{}{}:
		case <-ctx.Done():
			return
		}

		del, err := d.deps.Broker.Consume(ctx, d.cfg.ConsumeWait)
		if err != nil {
			<-d.slots
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			d.log.Warn("consume failed", zap.Error(err))
			select {
			case <-time.After(d.cfg.ErrorBackoff):
			case <-ctx.Done():
				return
			}
			continue
		}
		if del == nil {
			<-d.slots
			continue
		}

		// Submit 失敗時不 Ack，任務在 visibility timeout 後重新投遞
		if err := d.pool.Submit(ctx, worker.Task{Delivery: del, Timeout: d.cfg.JobTimeout}); err != nil {
			<-d.slots
			d.log.Warn("submit failed, leaving job for redelivery",
				append(logger.JobFields(del.Job), zap.Error(err))...)
			return
		}
		d.deps.Metrics.RecordDispatch()
	}
}

// resultLoop 處理結果直到 Pool 關閉 resultCh
func (d *Dispatcher) resultLoop() {
	defer d.resultWG.Done()
	for r := range d.pool.Results() {
		d.handleResult(r)
		<-d.slots
	}
}

func (d *Dispatcher) handleResult(r worker.Result) {
	job := r.Delivery.Job
	kind := string(job.Kind)
	outcome := r.Outcome
	log := d.log.With(logger.JobFields(job)...)

	d.processed.Inc()
	d.deps.Metrics.RecordResult(kind, outcome.Kind.String(), r.Duration.Seconds())

	decision := d.deps.Retry.Decide(job, outcome)
	d.deps.Metrics.RecordDecision(kind, decision.Action.String())

	ctx, cancel := context.WithTimeout(context.Background(), brokerOpTimeout)
	defer cancel()

	switch decision.Action {
	case types.ActionAck:
		if outcome.Kind == types.OutcomeDelivered {
			d.delivered.Inc()
			log.Debug("job completed", zap.Duration("latency", r.Duration))
		} else {
			d.permanent.Inc()
			log.Warn("job failed permanently",
				zap.Stringer("outcome", outcome.Kind),
				zap.Int("status", outcome.Status),
				zap.String("error", outcome.Error()))
		}
		d.ack(ctx, log, r.Delivery)

	case types.ActionRequeue:
		next := job.Next(decision.Delay, d.now())
		if err := d.deps.Broker.Publish(ctx, next); err != nil {
			log.Error("requeue failed, leaving job for redelivery", zap.Error(err))
			return
		}
		d.requeued.Inc()
		log.Info("job requeued",
			zap.String("next_id", string(next.ID)),
			zap.Duration("delay", decision.Delay),
			zap.Int("status", outcome.Status),
			zap.String("error", outcome.Error()))
		d.ack(ctx, log, r.Delivery)

	case types.ActionDeadLetter:
		letter := types.DeadLetter{
			Job:        job,
			Reason:     d.deps.Retry.Reason(job, outcome),
			LastError:  outcome.Error(),
			LastStatus: outcome.Status,
			At:         d.now().UTC(),
		}
		if err := d.deps.DeadLetters.Put(ctx, letter); err != nil {
			log.Error("dead-letter write failed, leaving job for redelivery", zap.Error(err))
			return
		}
		d.dead.Inc()
		d.deps.Metrics.RecordDead(kind)
		log.Error("job dead-lettered",
			zap.String("reason", letter.Reason),
			zap.Int("status", letter.LastStatus),
			zap.String("error", letter.LastError))

		if ev, err := notify.NewEvent(notify.EventDeadLetter, job, letter); err == nil {
			if err := d.deps.Sink.Publish(ctx, ev); err != nil {
				log.Warn("failed to publish dead-letter event", zap.Error(err))
			}
		}
		d.ack(ctx, log, r.Delivery)
	}
}

func (d *Dispatcher) ack(ctx context.Context, log *zap.Logger, del *queue.Delivery) {
	err := d.deps.Broker.Ack(ctx, del)
	switch {
	case err == nil:
	case errors.Is(err, queue.ErrUnknownReceipt):
		log.Warn("lease expired before ack, job will run again")
	default:
		log.Error("ack failed, job will run again", zap.Error(err))
	}
}

// Enqueue 驗證並發佈新任務
func (d *Dispatcher) Enqueue(ctx context.Context, p types.Payload) (types.Job, error) {
	job, err := queue.Enqueue(ctx, d.deps.Broker, p)
	if err != nil {
		return types.Job{}, err
	}
	d.deps.Metrics.RecordEnqueue(string(job.Kind))
	d.log.Debug("job enqueued", logger.JobFields(job)...)
	return job, nil
}

// EnqueueRaw 由外部 API 使用：kind 與 JSON payload 在入隊前就驗證
func (d *Dispatcher) EnqueueRaw(ctx context.Context, kind types.Kind, raw json.RawMessage) (types.Job, error) {
	p, err := types.DecodePayload(kind, raw)
	if err != nil {
		return types.Job{}, err
	}
	return d.Enqueue(ctx, p)
}

// Status 回傳計數器與佇列深度
func (d *Dispatcher) Status(ctx context.Context) Status {
	s := Status{
		Workers:   d.cfg.Workers,
		Processed: d.processed.Load(),
		Delivered: d.delivered.Load(),
		Permanent: d.permanent.Load(),
		Requeued:  d.requeued.Load(),
		Dead:      d.dead.Load(),
	}
	if d.pool != nil {
		s.Busy = d.pool.Busy()
	}
	if sr, ok := d.deps.Broker.(queue.StatsReporter); ok {
		if qs, err := sr.Stats(ctx); err == nil {
			s.Queue = &qs
		} else {
			d.log.Warn("queue stats unavailable", zap.Error(err))
		}
	}
	if d.deps.DeadLetters != nil {
		if n, err := d.deps.DeadLetters.Count(ctx); err == nil {
			s.DeadLetters = n
		}
	}
	return s
}

// DeadLetters 由新到舊列出死信
func (d *Dispatcher) DeadLetters(ctx context.Context, limit int) ([]types.DeadLetter, error) {
	if d.deps.DeadLetters == nil {
		return nil, nil
	}
	return d.deps.DeadLetters.List(ctx, limit)
}
