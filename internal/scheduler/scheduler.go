// ============================================================================
// fedqueue Scheduler - 週期性維護任務
// ============================================================================
//
// Package: internal/scheduler
// 文件: scheduler.go
//
// 每個 Task 一個 goroutine，依 Interval 觸發 Build，將回傳的 payload
// 逐一入隊。Build 只負責決定要做什麼，實際執行仍交給 Dispatcher 與
// Worker，所以重試與死信行為和其他任務一致。
//
// ============================================================================

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/ChuLiYu/fedqueue/internal/metrics"
	"github.com/ChuLiYu/fedqueue/pkg/types"
)

var (
	ErrAlreadyStarted = errors.New("scheduler: already started")
	ErrInvalidTask    = errors.New("scheduler: invalid task")
)

// Enqueuer 由 Dispatcher 實作
type Enqueuer interface {
	Enqueue(ctx context.Context, p types.Payload) (types.Job, error)
}

// Task 一個週期性任務
type Task struct {
	Name     string
	Interval time.Duration
	Build    func(ctx context.Context) ([]types.Payload, error)
}

// Runner 週期性任務執行器
type Runner struct {
	enq     Enqueuer
	log     *zap.Logger
	metrics *metrics.Collector

	mu    sync.Mutex
	tasks []Task

	started atomic.Bool
	stopped atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(enq Enqueuer, logger *zap.Logger, m *metrics.Collector) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{enq: enq, log: logger.Named("scheduler"), metrics: m}
}

// Add 註冊任務；必須在 Start 之前呼叫
func (r *Runner) Add(t Task) error {
	if t.Name == "" || t.Interval <= 0 || t.Build == nil {
		return fmt.Errorf("%w: %q", ErrInvalidTask, t.Name)
	}
	if r.started.Load() {
		return ErrAlreadyStarted
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, t)
	return nil
}

// Tasks 回傳已註冊的任務名稱
func (r *Runner) Tasks() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.tasks))
	for _, t := range r.tasks {
		names = append(names, t.Name)
	}
	return names
}

func (r *Runner) Start(ctx context.Context) error {
	if !r.started.CAS(false, true) {
		return ErrAlreadyStarted
	}
	ctx, r.cancel = context.WithCancel(ctx)

	r.mu.Lock()
	tasks := append([]Task(nil), r.tasks...)
	r.mu.Unlock()

	for _, t := range tasks {
		r.wg.Add(1)
		go r.loop(ctx, t)
	}
	r.log.Info("scheduler started", zap.Int("tasks", len(tasks)))
	return nil
}

// Stop 停止所有任務並等待進行中的一輪結束
func (r *Runner) Stop() {
	if !r.started.Load() || !r.stopped.CAS(false, true) {
		return
	}
	r.cancel()
	r.wg.Wait()
	r.log.Info("scheduler stopped")
}

func (r *Runner) loop(ctx context.Context, t Task) {
	defer r.wg.Done()
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx, t)
		}
	}
}

// RunOnce 執行一輪 Build 並入隊；回傳成功入隊的數量
func (r *Runner) RunOnce(ctx context.Context, t Task) int {
	log := r.log.With(zap.String("task", t.Name))

	payloads, err := t.Build(ctx)
	if err != nil {
		log.Warn("task build failed", zap.Error(err))
		return 0
	}

	n := 0
	for _, p := range payloads {
		if ctx.Err() != nil {
			break
		}
		job, err := r.enq.Enqueue(ctx, p)
		if err != nil {
			log.Warn("failed to enqueue scheduled job", zap.String("kind", string(p.Kind())), zap.Error(err))
			continue
		}
		log.Debug("scheduled job enqueued", zap.String("job_id", string(job.ID)))
		n++
	}
	r.metrics.RecordScheduled(t.Name, n)
	if n > 0 {
		log.Info("scheduled jobs enqueued", zap.Int("count", n))
	}
	return n
}
