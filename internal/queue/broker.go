// ============================================================================
// fedqueue Queue - 持久化 at-least-once 任務通道
// ============================================================================
//
// Package: internal/queue
// 文件: broker.go
//
// Broker 只保證：
//   1. at-least-once：Consume 之後未 Ack 的任務會在 visibility timeout 後重新投遞
//   2. not_before：未到時間的任務不會被 Consume
//   3. 單一 Delivery 只會交給一個 consumer
//
// 實作：
//   MemoryBroker  單機 / 測試
//   RedisBroker   ready list + delayed zset + processing list + leases zset
//   LmstfyBroker  bitleak/lmstfy（原生 delay / TTR）
//
// ============================================================================

package queue

import (
	"context"
	"errors"
	"time"

	"github.com/ChuLiYu/fedqueue/pkg/types"
)

var (
	ErrClosed         = errors.New("queue: broker closed")
	ErrDuplicateJob   = errors.New("queue: job already queued")
	ErrUnknownReceipt = errors.New("queue: unknown or expired receipt")
)

// Delivery 一次取出；Receipt 用於 Ack
type Delivery struct {
	Job     types.Job
	Receipt string
}

// Broker 任務佇列介面
type Broker interface {
	// Publish 發佈任務；NotBefore 在未來的任務會延遲到期後才可取出
	Publish(ctx context.Context, job types.Job) error

	// Consume 最多等待 wait；期間沒有任務時回傳 (nil, nil)
	Consume(ctx context.Context, wait time.Duration) (*Delivery, error)

	// Ack 移除已處理的任務
	Ack(ctx context.Context, d *Delivery) error

	Close() error
}

// Stats 佇列深度
type Stats struct {
	Ready    int64 `json:"ready"`
	Delayed  int64 `json:"delayed"`
	InFlight int64 `json:"in_flight"`
}

// StatsReporter 由能回報佇列深度的 Broker 實作
type StatsReporter interface {
	Stats(ctx context.Context) (Stats, error)
}

// Enqueue 以 payload 建立新任務並發佈
func Enqueue(ctx context.Context, b Broker, p types.Payload) (types.Job, error) {
	job, err := types.NewJob(p, time.Now())
	if err != nil {
		return types.Job{}, err
	}
	if err := b.Publish(ctx, job); err != nil {
		return types.Job{}, err
	}
	return job, nil
}
