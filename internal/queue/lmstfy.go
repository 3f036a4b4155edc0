package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/bitleak/lmstfy/client"

	"github.com/ChuLiYu/fedqueue/pkg/types"
)

// LmstfyConfig LmstfyBroker 設定
type LmstfyConfig struct {
	Host       string
	Port       int
	Namespace  string
	Token      string
	Queue      string
	Tries      uint16 // lmstfy 層級的重投次數，只用於 consumer 崩潰
	TTL        uint32 // 秒，0 表示不過期
	Visibility time.Duration
}

// LmstfyBroker 以 lmstfy 原生 delay / TTR 實作的 Broker
type LmstfyBroker struct {
	cli   *client.LmstfyClient
	cfg   LmstfyConfig
	clock func() time.Time
}

func NewLmstfyBroker(cfg LmstfyConfig) *LmstfyBroker {
	if cfg.Queue == "" {
		cfg.Queue = "fedqueue"
	}
	if cfg.Tries == 0 {
		cfg.Tries = 3
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = 5 * time.Minute
	}
	return &LmstfyBroker{
		cli:   client.NewLmstfyClient(cfg.Host, cfg.Port, cfg.Namespace, cfg.Token),
		cfg:   cfg,
		clock: time.Now,
	}
}

func (b *LmstfyBroker) Publish(ctx context.Context, job types.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	delay := delaySeconds(job.NotBefore, b.clock())
	if _, err := b.cli.Publish(b.cfg.Queue, data, b.cfg.TTL, b.cfg.Tries, delay); err != nil {
		return fmt.Errorf("lmstfy publish failed: %w", err)
	}
	return nil
}

func (b *LmstfyBroker) Consume(ctx context.Context, wait time.Duration) (*Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ttr := uint32(math.Ceil(b.cfg.Visibility.Seconds()))
	timeout := uint32(math.Ceil(wait.Seconds()))

	job, err := b.cli.Consume(b.cfg.Queue, ttr, timeout)
	if err != nil {
		return nil, fmt.Errorf("lmstfy consume failed: %w", err)
	}
	// 超時未拉到消息
	if job == nil {
		return nil, nil
	}

	var j types.Job
	if err := json.Unmarshal(job.Data, &j); err != nil {
		j = types.Job{ID: types.JobID(job.ID), Payload: json.RawMessage(strconv.Quote(string(job.Data)))}
	}
	return &Delivery{Job: j, Receipt: job.ID}, nil
}

func (b *LmstfyBroker) Ack(ctx context.Context, d *Delivery) error {
	if err := b.cli.Ack(b.cfg.Queue, d.Receipt); err != nil {
		return fmt.Errorf("lmstfy ack failed: %w", err)
	}
	return nil
}

func (b *LmstfyBroker) Close() error { return nil }

// delaySeconds 將 not_before 轉成 lmstfy 的秒數延遲（無條件進位）
func delaySeconds(notBefore, now time.Time) uint32 {
	if notBefore.IsZero() || !notBefore.After(now) {
		return 0
	}
	return uint32(math.Ceil(notBefore.Sub(now).Seconds()))
}
