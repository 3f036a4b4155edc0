// ============================================================================
// fedqueue Worker - 任務執行單元
// ============================================================================
//
// Package: internal/worker
// File: worker.go
//
// 每個 Worker 是獨立的 goroutine：
//   1. 從 taskCh 接收任務（阻塞等待）
//   2. 以 context.WithTimeout 執行 Handler
//   3. 將結果送到 resultCh
//   4. taskCh 關閉後退出
//
// 期限控制：
//   Handler 在自己的 goroutine 中執行，Worker 同時等待 ctx.Done()。
//   期限到了仍未返回的 Handler 會被放棄，結果記為 Retryable；
//   它之後的回傳值被丟棄（Handler 必須可重入，重試不會造成重複副作用）。
//
// Panic：
//   Handler panic 被 recover，結果記為 Retryable，Worker 繼續服務。
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/fedqueue/internal/logger"
	"github.com/ChuLiYu/fedqueue/pkg/types"
)

var (
	ErrJobTimeout   = errors.New("job deadline exceeded")
	ErrHandlerPanic = errors.New("job handler panicked")
)

// Worker represents a work execution unit
type Worker struct {
	id       int
	handler  Handler
	taskCh   <-chan Task
	resultCh chan<- Result
	logger   *zap.Logger
}

func newWorker(id int, handler Handler, taskCh <-chan Task, resultCh chan<- Result, log *zap.Logger) *Worker {
	return &Worker{
		id:       id,
		handler:  handler,
		taskCh:   taskCh,
		resultCh: resultCh,
		logger:   log.With(zap.Int("worker", id)),
	}
}

// Run 主迴圈；ctx 取消時進行中的任務也會被取消
func (w *Worker) Run(ctx context.Context) {
	for task := range w.taskCh {
		start := time.Now()
		outcome := w.execute(ctx, task)

		// resultCh 由 Pool 在所有 Worker 退出後才關閉，這裡阻塞送出不會遺失結果
		w.resultCh <- Result{
			Delivery: task.Delivery,
			Outcome:  outcome,
			Duration: time.Since(start),
		}
	}
}

func (w *Worker) execute(parent context.Context, task Task) types.Outcome {
	job := task.Delivery.Job
	ctx, cancel := context.WithTimeout(parent, task.Timeout)
	defer cancel()
	ctx = logger.WithJob(ctx, w.logger, job)

	done := make(chan types.Outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.FromContext(ctx, w.logger).Error("handler panic", zap.Any("panic", r))
				done <- types.Retryable(fmt.Errorf("%w: %v", ErrHandlerPanic, r))
			}
		}()
		done <- w.handler(ctx, job)
	}()

	select {
	case outcome := <-done:
		if outcome.Kind == types.OutcomeRetryable && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			outcome.Err = fmt.Errorf("%w: %v", ErrJobTimeout, outcome.Err)
		}
		return outcome
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			logger.FromContext(ctx, w.logger).Warn("job overran its deadline", zap.Duration("timeout", task.Timeout))
			return types.Retryable(fmt.Errorf("%w after %s", ErrJobTimeout, task.Timeout))
		}
		return types.Retryable(ctx.Err())
	}
}
