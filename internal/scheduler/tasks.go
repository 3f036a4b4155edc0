package scheduler

import (
	"context"
	"time"

	"github.com/ChuLiYu/fedqueue/pkg/types"
)

const (
	TaskDigestOutbox  = "digest_outbox"
	TaskRefreshActors = "refresh_actors"
)

// DigestOutboxes 定期攝取固定的一組遠端 outbox
func DigestOutboxes(interval time.Duration, outboxes []string, limit int) Task {
	return Task{
		Name:     TaskDigestOutbox,
		Interval: interval,
		Build: func(ctx context.Context) ([]types.Payload, error) {
			out := make([]types.Payload, 0, len(outboxes))
			for _, o := range outboxes {
				out = append(out, types.DigestOutbox{Outbox: o, Limit: limit})
			}
			return out, nil
		},
	}
}

// StaleSource 由 resolver 實作
type StaleSource interface {
	Stale(minAge time.Duration, limit int) []string
}

// RefreshActors 定期刷新快取中超過 minAge 的文件，每輪最多 batch 個
func RefreshActors(interval time.Duration, src StaleSource, minAge time.Duration, batch int) Task {
	return Task{
		Name:     TaskRefreshActors,
		Interval: interval,
		Build: func(ctx context.Context) ([]types.Payload, error) {
			ids := src.Stale(minAge, batch)
			out := make([]types.Payload, 0, len(ids))
			for _, id := range ids {
				out = append(out, types.RefreshActor{ActorID: id})
			}
			return out, nil
		},
	}
}
