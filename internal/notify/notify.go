// Package notify publishes job results to whoever consumes them: the web tier
// through redis pub/sub, or the log when running standalone.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ChuLiYu/fedqueue/pkg/types"
)

// EventType 通知種類
type EventType string

const (
	EventDelivered      EventType = "activity.delivered"
	EventMediaProcessed EventType = "media.processed"
	EventOutboxItem     EventType = "outbox.item"
	EventInboxActivity  EventType = "inbox.activity"
	EventDeadLetter     EventType = "job.dead"
)

// Event 一則通知
type Event struct {
	Type  EventType       `json:"type"`
	JobID types.JobID     `json:"job_id,omitempty"`
	Kind  types.Kind      `json:"kind,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	At    time.Time       `json:"at"`
}

// NewEvent 將 data 序列化成 Event
func NewEvent(typ EventType, job types.Job, data any) (Event, error) {
	e := Event{Type: typ, JobID: job.ID, Kind: job.Kind, At: time.Now().UTC()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Event{}, fmt.Errorf("marshal %s event: %w", typ, err)
		}
		e.Data = raw
	}
	return e, nil
}

// Sink 通知出口
type Sink interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// LogSink 將通知寫到 logger
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("notify")}
}

func (s *LogSink) Publish(ctx context.Context, e Event) error {
	s.logger.Info("event",
		zap.String("type", string(e.Type)),
		zap.String("job_id", string(e.JobID)),
		zap.String("kind", string(e.Kind)),
		zap.ByteString("data", e.Data),
	)
	return nil
}

func (s *LogSink) Close() error { return nil }

// RedisSink 以 PUBLISH 發佈到單一頻道
type RedisSink struct {
	client  *redis.Client
	channel string
}

// NewRedisSink client 由呼叫端擁有，Close 不會關閉它
func NewRedisSink(client *redis.Client, channel string) *RedisSink {
	return &RedisSink{client: client, channel: channel}
}

func (s *RedisSink) Publish(ctx context.Context, e Event) error {
	msg, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, msg).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Subscribe 訂閱同一個頻道
func (s *RedisSink) Subscribe(ctx context.Context) *redis.PubSub {
	return s.client.Subscribe(ctx, s.channel)
}

func (s *RedisSink) Close() error { return nil }

// MemorySink 保存所有通知，供單機模式查詢與測試
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) Publish(ctx context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

// Events 回傳副本
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// OfType 篩選指定種類
func (s *MemorySink) OfType(typ EventType) []Event {
	var out []Event
	for _, e := range s.Events() {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (s *MemorySink) Close() error { return nil }
