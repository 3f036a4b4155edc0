package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ChuLiYu/fedqueue/internal/delivery"
	"github.com/ChuLiYu/fedqueue/internal/logger"
	"github.com/ChuLiYu/fedqueue/internal/media"
	"github.com/ChuLiYu/fedqueue/internal/notify"
	"github.com/ChuLiYu/fedqueue/internal/queue"
	"github.com/ChuLiYu/fedqueue/internal/resolver"
	"github.com/ChuLiYu/fedqueue/pkg/types"
)

// Deliverer runs the outbound delivery state machine.
type Deliverer interface {
	Deliver(ctx context.Context, p types.DeliverActivity) delivery.Attempt
}

// MediaProcessor runs the media pipeline.
type MediaProcessor interface {
	Process(ctx context.Context, asset media.Asset) (*media.Result, error)
}

// Documents fetches remote ActivityStreams documents.
type Documents interface {
	Fetch(ctx context.Context, id string) (*resolver.Document, error)
	Refresh(ctx context.Context, id string) (*resolver.Document, error)
}

// Handlers routes each job to the component that executes it.
type Handlers struct {
	Delivery  Deliverer
	Media     MediaProcessor
	Documents Documents
	Broker    queue.Broker // 後續任務（例如 outbox 附件）入隊用
	Sink      notify.Sink
	Logger    *zap.Logger

	// DigestLimit 是 DigestOutbox 未指定 limit 時的上限
	DigestLimit int
}

// Handle 解析 payload 並交給對應的 handler；可作為 worker.Handler
func (h *Handlers) Handle(ctx context.Context, job types.Job) types.Outcome {
	p, err := types.Decode(job)
	if err != nil {
		return types.Malformed(err)
	}

	switch p := p.(type) {
	case types.DeliverActivity:
		return h.deliver(ctx, job, p)
	case types.ProcessMedia:
		return h.processMedia(ctx, job, p)
	case types.DigestOutbox:
		return h.digestOutbox(ctx, job, p)
	case types.RefreshActor:
		return h.refreshActor(ctx, p)
	default:
		return types.Malformed(fmt.Errorf("%w: no handler for %T", types.ErrMalformedPayload, p))
	}
}

func (h *Handlers) log(ctx context.Context) *zap.Logger {
	return logger.FromContext(ctx, h.Logger)
}

// DeliveredEvent 是 activity.delivered 的內容
type DeliveredEvent struct {
	ActivityID  string `json:"activity_id"`
	Target      string `json:"target"`
	Status      int    `json:"status"`
	Reattempted bool   `json:"reattempted,omitempty"`
}

func (h *Handlers) deliver(ctx context.Context, job types.Job, p types.DeliverActivity) types.Outcome {
	a := h.Delivery.Deliver(ctx, p)
	if a.State == delivery.StateDelivered {
		// 投遞已完成，通知失敗不能讓它重送
		h.publish(ctx, notify.EventDelivered, job, DeliveredEvent{
			ActivityID:  a.ActivityID,
			Target:      a.Target,
			Status:      a.Status,
			Reattempted: a.Reattempted,
		})
	}
	return a.Outcome()
}

func (h *Handlers) processMedia(ctx context.Context, job types.Job, p types.ProcessMedia) types.Outcome {
	res, err := h.Media.Process(ctx, media.Asset{
		ID:          p.AssetID,
		SourceURI:   p.SourceURI,
		UploadKey:   p.UploadKey,
		ContentType: p.ContentType,
	})
	if err != nil {
		return mediaOutcome(err)
	}

	// variants 已全部寫入；通知失敗時重跑是安全的（上傳會跳過已存在的 key）
	ev, err := notify.NewEvent(notify.EventMediaProcessed, job, res)
	if err != nil {
		return types.Permanent(err)
	}
	if err := h.Sink.Publish(ctx, ev); err != nil {
		return types.Retryable(fmt.Errorf("report media result: %w", err))
	}
	return types.Delivered()
}

func (h *Handlers) refreshActor(ctx context.Context, p types.RefreshActor) types.Outcome {
	doc, err := h.Documents.Refresh(ctx, p.ActorID)
	if err != nil {
		return resolutionOutcome(err)
	}
	h.log(ctx).Debug("actor refreshed", zap.String("actor", doc.ID), zap.String("key_id", doc.KeyID()))
	return types.Delivered()
}

// publish 盡力送出通知，失敗只記錄
func (h *Handlers) publish(ctx context.Context, typ notify.EventType, job types.Job, data any) {
	ev, err := notify.NewEvent(typ, job, data)
	if err == nil {
		err = h.Sink.Publish(ctx, ev)
	}
	if err != nil {
		h.log(ctx).Warn("failed to publish event", zap.String("type", string(typ)), zap.Error(err))
	}
}

func mediaOutcome(err error) types.Outcome {
	var out types.Outcome
	if media.Retryable(err) {
		out = types.Retryable(err)
	} else {
		out = types.Permanent(err)
	}
	var fe *media.FetchError
	if errors.As(err, &fe) {
		out = out.WithStatus(fe.Status)
	}
	return out
}

// resolutionOutcome 將 resolver 錯誤轉成 Outcome
//
// 識別碼或文件本身有問題、遠端回 4xx（429 除外）時重試沒有意義
func resolutionOutcome(err error) types.Outcome {
	if errors.Is(err, resolver.ErrInvalidIdentifier) || errors.Is(err, resolver.ErrInvalidDocument) {
		return types.Permanent(err)
	}
	var re *resolver.ResolutionError
	if errors.As(err, &re) && re.Status != 0 {
		if delivery.Classify(re.Status) == delivery.StatePermanent {
			return types.Permanent(err).WithStatus(re.Status)
		}
		return types.Retryable(err).WithStatus(re.Status)
	}
	return types.Retryable(err)
}
