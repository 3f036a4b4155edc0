// Package types 定義了 fedqueue 系統中使用的核心領域模型
package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobID 任務唯一識別碼
type JobID string

// Kind 任務種類，決定由哪個 handler 處理
type Kind string

const (
	KindDeliverActivity Kind = "deliver_activity" // 投遞一個 activity 到遠端 inbox
	KindProcessMedia    Kind = "process_media"    // 處理上傳或遠端媒體
	KindDigestOutbox    Kind = "digest_outbox"    // 抓取遠端 outbox 並攝取新內容
	KindRefreshActor    Kind = "refresh_actor"    // 強制刷新快取中的 actor
)

// Kinds lists every kind the dispatcher routes.
var Kinds = []Kind{KindDeliverActivity, KindProcessMedia, KindDigestOutbox, KindRefreshActor}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Job 任務結構。入隊後不可變；重試會產生新的 Job（attempt+1，較晚的 not_before）
type Job struct {
	ID         JobID           `json:"id"`
	Kind       Kind            `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	NotBefore  time.Time       `json:"not_before"`
	EnqueuedAt time.Time       `json:"enqueued_at"`

	// OriginID 指向第一次入隊的 Job，重試鏈共用
	OriginID JobID `json:"origin_id,omitempty"`
}

// NewJob builds a first-attempt job for p. The payload is validated before
// encoding so malformed work is rejected at the enqueue boundary.
func NewJob(p Payload, now time.Time) (Job, error) {
	raw, err := Encode(p)
	if err != nil {
		return Job{}, err
	}
	return Job{
		ID:         JobID(uuid.NewString()),
		Kind:       p.Kind(),
		Payload:    raw,
		NotBefore:  now,
		EnqueuedAt: now,
	}, nil
}

// Next returns the retry of j: a new id, attempt+1 and a not_before delay
// after now. The payload is carried unchanged.
func (j Job) Next(delay time.Duration, now time.Time) Job {
	next := j
	next.ID = JobID(uuid.NewString())
	next.Attempt = j.Attempt + 1
	next.NotBefore = now.Add(delay)
	next.EnqueuedAt = now
	next.OriginID = j.Root()
	return next
}

// Root is the id of the first job in j's retry chain.
func (j Job) Root() JobID {
	if j.OriginID != "" {
		return j.OriginID
	}
	return j.ID
}

// Ready reports whether j may be handed to a worker at now.
func (j Job) Ready(now time.Time) bool {
	return !j.NotBefore.After(now)
}

// DeadLetter 死信記錄：超過重試次數或 payload 無法解析的任務
type DeadLetter struct {
	Job        Job       `json:"job"`
	Reason     string    `json:"reason"`
	LastError  string    `json:"last_error,omitempty"`
	LastStatus int       `json:"last_status,omitempty"`
	At         time.Time `json:"at"`
}
