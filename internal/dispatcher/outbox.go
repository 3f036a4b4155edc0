package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ChuLiYu/fedqueue/internal/notify"
	"github.com/ChuLiYu/fedqueue/internal/queue"
	"github.com/ChuLiYu/fedqueue/pkg/types"
)

const defaultDigestLimit = 20

// OutboxItem 是 outbox.item 通知的內容
type OutboxItem struct {
	Outbox     string          `json:"outbox"`
	ActivityID string          `json:"activity_id"`
	Object     json.RawMessage `json:"object"`
	MediaJobs  []types.JobID   `json:"media_jobs,omitempty"`
}

type activity struct {
	ID     string          `json:"id"`
	Type   json.RawMessage `json:"type"`
	Object json.RawMessage `json:"object"`
}

type note struct {
	ID         string          `json:"id"`
	Attachment json.RawMessage `json:"attachment"`
}

type attachment struct {
	Type      string          `json:"type"`
	MediaType string          `json:"mediaType"`
	URL       json.RawMessage `json:"url"`
}

type collectionPage struct {
	OrderedItems []json.RawMessage `json:"orderedItems"`
	Items        []json.RawMessage `json:"items"`
}

// digestOutbox 抓取遠端 outbox 第一頁，攝取最多 limit 個 Create
//
// 每個攝取的 object 以 outbox.item 通知送出；圖片附件各自入隊一個
// ProcessMedia。重跑會重送同樣的通知，下游以 object id 去重。
func (h *Handlers) digestOutbox(ctx context.Context, job types.Job, p types.DigestOutbox) types.Outcome {
	limit := p.Limit
	if limit <= 0 {
		limit = h.DigestLimit
	}
	if limit <= 0 {
		limit = defaultDigestLimit
	}
	log := h.log(ctx).With(zap.String("outbox", p.Outbox))

	outbox, err := h.Documents.Fetch(ctx, p.Outbox)
	if err != nil {
		return resolutionOutcome(err)
	}
	items := outbox.OrderedItems
	if len(items) == 0 && len(outbox.First) > 0 {
		items, err = h.firstPage(ctx, outbox.First)
		if err != nil {
			return resolutionOutcome(err)
		}
	}

	ingested := 0
	for _, raw := range items {
		if ingested >= limit {
			break
		}
		var act activity
		if err := json.Unmarshal(raw, &act); err != nil || typeName(act.Type) != "Create" {
			continue
		}

		object, err := h.object(ctx, act.Object)
		if err != nil {
			// 單一項目壞掉不影響其他項目
			log.Warn("skipping outbox item", zap.String("activity_id", act.ID), zap.Error(err))
			continue
		}

		mediaJobs, err := h.enqueueAttachments(ctx, object)
		if err != nil {
			return types.Retryable(fmt.Errorf("enqueue attachments: %w", err))
		}

		ev, err := notify.NewEvent(notify.EventOutboxItem, job, OutboxItem{
			Outbox:     p.Outbox,
			ActivityID: act.ID,
			Object:     object,
			MediaJobs:  mediaJobs,
		})
		if err != nil {
			return types.Permanent(err)
		}
		if err := h.Sink.Publish(ctx, ev); err != nil {
			return types.Retryable(fmt.Errorf("publish outbox item: %w", err))
		}
		ingested++
	}

	log.Info("outbox digested", zap.Int("items", len(items)), zap.Int("ingested", ingested))
	return types.Delivered()
}

// firstPage 處理 first 為 URI 或內嵌分頁兩種形式
func (h *Handlers) firstPage(ctx context.Context, first json.RawMessage) ([]json.RawMessage, error) {
	var uri string
	if json.Unmarshal(first, &uri) == nil {
		page, err := h.Documents.Fetch(ctx, uri)
		if err != nil {
			return nil, err
		}
		return page.OrderedItems, nil
	}
	var page collectionPage
	if err := json.Unmarshal(first, &page); err != nil {
		return nil, fmt.Errorf("decode first page: %w", err)
	}
	if len(page.OrderedItems) > 0 {
		return page.OrderedItems, nil
	}
	return page.Items, nil
}

// object 回傳內嵌的 object，或抓取 URI 指向的 object
func (h *Handlers) object(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var uri string
	if json.Unmarshal(raw, &uri) == nil {
		doc, err := h.Documents.Fetch(ctx, uri)
		if err != nil {
			return nil, err
		}
		return doc.Raw, nil
	}
	var n note
	if err := json.Unmarshal(raw, &n); err != nil || n.ID == "" {
		return nil, errors.New("object has no id")
	}
	return raw, nil
}

// enqueueAttachments 為每個圖片附件入隊 ProcessMedia
//
// asset id 由附件 URL 導出（UUIDv5），重跑得到同一個 asset
func (h *Handlers) enqueueAttachments(ctx context.Context, object json.RawMessage) ([]types.JobID, error) {
	var n note
	if err := json.Unmarshal(object, &n); err != nil {
		return nil, nil
	}

	var ids []types.JobID
	for _, a := range attachments(n.Attachment) {
		url := firstURL(a.URL)
		if url == "" || !isImage(a) {
			continue
		}
		job, err := queue.Enqueue(ctx, h.Broker, types.ProcessMedia{
			AssetID:     uuid.NewSHA1(uuid.NameSpaceURL, []byte(url)).String(),
			SourceURI:   url,
			ContentType: a.MediaType,
		})
		if err != nil {
			return ids, err
		}
		ids = append(ids, job.ID)
	}
	return ids, nil
}

// attachments 接受單一物件或陣列
func attachments(raw json.RawMessage) []attachment {
	if len(raw) == 0 {
		return nil
	}
	var many []attachment
	if json.Unmarshal(raw, &many) == nil {
		return many
	}
	var one attachment
	if json.Unmarshal(raw, &one) == nil {
		return []attachment{one}
	}
	return nil
}

func isImage(a attachment) bool {
	if a.MediaType != "" {
		return strings.HasPrefix(strings.ToLower(a.MediaType), "image/")
	}
	return a.Type == "Image"
}

// firstURL 處理 "url" 為字串、Link 物件或兩者的陣列
func firstURL(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var link struct {
		Href string `json:"href"`
	}
	if json.Unmarshal(raw, &link) == nil && link.Href != "" {
		return link.Href
	}
	var many []json.RawMessage
	if json.Unmarshal(raw, &many) == nil {
		for _, m := range many {
			if u := firstURL(m); u != "" {
				return u
			}
		}
	}
	return ""
}

func typeName(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var many []string
	if json.Unmarshal(raw, &many) == nil && len(many) > 0 {
		return many[0]
	}
	return ""
}
