// ============================================================================
// MemoryBroker - 行程內佇列
// ============================================================================
//
// 數據結構:
//   jobs     map[JobID]*types.Job  所有尚未 Ack 的任務（去重）
//   queue    []JobID               待處理，FIFO；取出時跳過未到 not_before 的任務
//   inFlight map[receipt]*lease    已取出，deadline 到期後放回 queue
//
// 狀態轉換:
//   Publish → queue
//   Consume → inFlight（設定 deadline）
//   Ack     → 移除
//   逾時    → queue（重新投遞）
//
// 並發安全：sync.Mutex 保護全部狀態；notify channel 喚醒等待中的 Consume
//
// ============================================================================

package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/fedqueue/pkg/types"
)

type lease struct {
	job      *types.Job
	deadline time.Time
}

// MemoryBroker 行程內 Broker
type MemoryBroker struct {
	mu         sync.Mutex
	jobs       map[types.JobID]*types.Job
	queue      []types.JobID
	inFlight   map[string]*lease
	visibility time.Duration
	closed     bool

	notify  chan struct{}
	closing chan struct{}
	now     func() time.Time
}

// NewMemoryBroker 建立 MemoryBroker；visibility 為 Ack 期限
func NewMemoryBroker(visibility time.Duration) *MemoryBroker {
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}
	return &MemoryBroker{
		jobs:       make(map[types.JobID]*types.Job),
		queue:      make([]types.JobID, 0),
		inFlight:   make(map[string]*lease),
		visibility: visibility,
		notify:     make(chan struct{}, 1),
		closing:    make(chan struct{}),
		now:        time.Now,
	}
}

// Publish 將任務加入佇列
func (b *MemoryBroker) Publish(ctx context.Context, job types.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if _, exists := b.jobs[job.ID]; exists {
		return ErrDuplicateJob
	}

	j := job
	b.jobs[job.ID] = &j
	b.queue = append(b.queue, job.ID)
	b.wake()
	return nil
}

// Consume 取出一個已到期的任務
func (b *MemoryBroker) Consume(ctx context.Context, wait time.Duration) (*Delivery, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		d, next, err := b.tryConsume()
		if err != nil || d != nil {
			return d, err
		}

		// 最近一個延遲任務或 lease 的到期時間比 wait 早時，提前醒來
		var early <-chan time.Time
		var earlyTimer *time.Timer
		if next > 0 {
			earlyTimer = time.NewTimer(next)
			early = earlyTimer.C
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.closing:
			return nil, ErrClosed
		case <-timer.C:
			d, _, err := b.tryConsume()
			return d, err
		case <-b.notify:
		case <-early:
		}
		if earlyTimer != nil {
			earlyTimer.Stop()
		}
	}
}

// tryConsume 回傳可取出的任務，或下一個延遲任務還要等多久
func (b *MemoryBroker) tryConsume() (*Delivery, time.Duration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, 0, ErrClosed
	}
	now := b.now()
	b.reapLocked(now)

	var next time.Duration
	for i, id := range b.queue {
		job := b.jobs[id]
		if job.Ready(now) {
			b.queue = append(b.queue[:i:i], b.queue[i+1:]...)
			receipt := uuid.NewString()
			b.inFlight[receipt] = &lease{job: job, deadline: now.Add(b.visibility)}
			return &Delivery{Job: *job, Receipt: receipt}, 0, nil
		}
		next = earliest(next, job.NotBefore.Sub(now))
	}
	for _, l := range b.inFlight {
		next = earliest(next, l.deadline.Sub(now)+time.Millisecond)
	}
	return nil, next, nil
}

// reapLocked 將逾時未 Ack 的任務放回佇列
func (b *MemoryBroker) reapLocked(now time.Time) {
	for receipt, l := range b.inFlight {
		if now.After(l.deadline) {
			delete(b.inFlight, receipt)
			b.queue = append(b.queue, l.job.ID)
		}
	}
}

// Ack 移除任務；lease 已過期並被重新投遞時回傳 ErrUnknownReceipt
func (b *MemoryBroker) Ack(ctx context.Context, d *Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.inFlight[d.Receipt]
	if !ok {
		return ErrUnknownReceipt
	}
	delete(b.inFlight, d.Receipt)
	delete(b.jobs, l.job.ID)
	return nil
}

// Stats 取得各狀態任務數量
func (b *MemoryBroker) Stats(ctx context.Context) (Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	var s Stats
	for _, id := range b.queue {
		if b.jobs[id].Ready(now) {
			s.Ready++
		} else {
			s.Delayed++
		}
	}
	s.InFlight = int64(len(b.inFlight))
	return s, nil
}

// Close 喚醒所有等待中的 Consume 並拒絕後續操作
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.closing)
	}
	return nil
}

func earliest(cur, d time.Duration) time.Duration {
	if d <= 0 {
		d = time.Millisecond
	}
	if cur == 0 || d < cur {
		return d
	}
	return cur
}

func (b *MemoryBroker) wake() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}
