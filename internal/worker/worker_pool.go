// ============================================================================
// fedqueue Worker Pool - 並發任務執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
//
// 架構組件:
//   ┌─────────────┐
//   │ Dispatcher  │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//     Results()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  │Worker 3│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// 生命週期:
//   1. NewPool() - 創建 Pool，初始化 channels
//   2. Start(ctx, n) - 啟動 n 個 Worker goroutines
//   3. Submit(ctx, task) - 提交任務到 taskCh
//   4. Results() - 讀取結果，直到 Stop 後關閉
//   5. Stop() - 不再接受任務，等待進行中的任務完成
//
// 並發控制:
//   - sendMu: Submit 持讀鎖送出，Stop 持寫鎖關閉 taskCh，
//     因此不會對已關閉的 channel 送值
//   - stopCh: 先關閉以釋放阻塞中的 Submit，Stop 才拿得到寫鎖
//   - resultCh: 所有 Worker 退出後才關閉；呼叫端必須讀到關閉為止
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/ChuLiYu/fedqueue/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStarted 表示重複啟動
	ErrPoolStarted = errors.New("worker pool already started")
)

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	handler  Handler
	logger   *zap.Logger
	workers  []*Worker
	taskCh   chan Task
	resultCh chan Result
	stopCh   chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex   // 保護 workers 與啟停流程
	sendMu  sync.RWMutex // 保護 taskCh 的關閉
	started atomic.Bool
	stopped atomic.Bool
	busy    atomic.Int64
}

// NewPool 建立新的 Worker Pool
// 參數：
//   - bufferSize: 任務和結果通道的緩衝大小
//   - handler: 每個任務呼叫的處理函式
func NewPool(bufferSize int, handler Handler, log *zap.Logger) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		handler:  handler,
		logger:   log.Named("worker"),
		workers:  make([]*Worker, 0),
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
	}
}

// Start 啟動指定數量的 Worker；ctx 取消時進行中的任務一併取消
func (p *Pool) Start(ctx context.Context, workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started.Load() {
		return ErrPoolStarted
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.track(), p.taskCh, p.resultCh, p.logger)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(ctx)
		}(w)
	}

	p.started.Store(true)
	return nil
}

// track 包裝 handler 以統計執行中的任務數
func (p *Pool) track() Handler {
	return func(ctx context.Context, job types.Job) types.Outcome {
		p.busy.Inc()
		defer p.busy.Dec()
		return p.handler(ctx, job)
	}
}

// Submit 提交任務；沒有空閒 Worker 且緩衝已滿時阻塞，直到 ctx 取消或 Pool 停止
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.sendMu.RLock()
	defer p.sendMu.RUnlock()

	if !p.started.Load() {
		return ErrPoolNotStarted
	}
	if p.stopped.Load() {
		return ErrPoolClosed
	}

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Results 結果通道；Stop 完成後關閉
func (p *Pool) Results() <-chan Result {
	return p.resultCh
}

// Stop 優雅地關閉 Worker Pool
// 關閉流程：
//  1. 設定 stopped 標誌，關閉 stopCh 釋放阻塞中的 Submit
//  2. 取得 sendMu 寫鎖後關閉 taskCh，結束 Worker 的 range 循環
//  3. 等待所有 Worker 完成當前任務
//  4. 關閉 resultCh
func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started.Load() || p.stopped.Load() {
		return
	}
	p.stopped.Store(true)
	close(p.stopCh)

	p.sendMu.Lock()
	close(p.taskCh)
	p.sendMu.Unlock()

	p.wg.Wait()
	close(p.resultCh)
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Busy 返回正在執行的任務數
func (p *Pool) Busy() int64 {
	return p.busy.Load()
}

func (p *Pool) IsStarted() bool {
	return p.started.Load()
}
