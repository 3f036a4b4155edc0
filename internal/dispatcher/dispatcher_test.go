package dispatcher

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/ChuLiYu/fedqueue/internal/deadletter"
	"github.com/ChuLiYu/fedqueue/internal/delivery"
	"github.com/ChuLiYu/fedqueue/internal/keys"
	"github.com/ChuLiYu/fedqueue/internal/notify"
	"github.com/ChuLiYu/fedqueue/internal/queue"
	"github.com/ChuLiYu/fedqueue/internal/retry"
	"github.com/ChuLiYu/fedqueue/internal/worker"
	"github.com/ChuLiYu/fedqueue/pkg/types"
)

const localKeyID = "https://local.example/users/alice#main-key"

type harness struct {
	broker *queue.MemoryBroker
	dead   *deadletter.JournalStore
	sink   *notify.MemorySink
	d      *Dispatcher
}

func fastRetry(max int) *retry.Scheduler {
	return retry.New(retry.Config{MaxAttempts: max, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, nil)
}

func newHarness(t *testing.T, b queue.Broker, handler worker.Handler, cfg Config, sched *retry.Scheduler) *harness {
	t.Helper()
	dead, err := deadletter.OpenJournal(filepath.Join(t.TempDir(), "dead.log"))
	require.NoError(t, err)
	t.Cleanup(func() { dead.Close() })

	if cfg.ConsumeWait == 0 {
		cfg.ConsumeWait = 20 * time.Millisecond
	}
	if cfg.JobTimeout == 0 {
		cfg.JobTimeout = 5 * time.Second
	}
	h := &harness{dead: dead, sink: notify.NewMemorySink()}
	if mb, ok := b.(*queue.MemoryBroker); ok {
		h.broker = mb
	}
	h.d = New(Deps{
		Broker:      b,
		Handler:     handler,
		Retry:       sched,
		DeadLetters: dead,
		Sink:        h.sink,
	}, cfg)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.d.Start(context.Background()))
	t.Cleanup(h.d.Stop)
}

func idle(d *Dispatcher) bool {
	s := d.Status(context.Background())
	return s.Queue != nil && s.Queue.Ready == 0 && s.Queue.Delayed == 0 && s.Queue.InFlight == 0
}

func localKeys(t *testing.T) *keys.Store {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	s := keys.NewStore()
	s.Add(localKeyID, key)
	return s
}

func deliverTo(inbox string) types.DeliverActivity {
	return types.DeliverActivity{
		ActivityID: "https://local.example/activities/1",
		Activity:   json.RawMessage(`{"type":"Create","id":"https://local.example/activities/1"}`),
		Inbox:      inbox,
		KeyID:      localKeyID,
	}
}

// ============================================================================
// 端到端：投遞狀態機 + 重試 + broker
// ============================================================================

func TestDeliveryRecoversAfterTransientFailures(t *testing.T) {
	var hits atomic.Int64
	inbox := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Inc() <= 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer inbox.Close()

	b := queue.NewMemoryBroker(time.Minute)
	sink := notify.NewMemorySink()
	handlers := &Handlers{
		Delivery: delivery.New(delivery.Config{Timeout: time.Second}, nil, nil, localKeys(t), nil, nil),
		Broker:   b,
		Sink:     sink,
	}
	h := newHarness(t, b, handlers.Handle, Config{Workers: 2}, fastRetry(8))
	h.start(t)

	_, err := h.d.Enqueue(context.Background(), deliverTo(inbox.URL+"/inbox"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.d.Status(context.Background()).Delivered == 1 && idle(h.d)
	}, 5*time.Second, 10*time.Millisecond)

	s := h.d.Status(context.Background())
	assert.Equal(t, int64(4), hits.Load())
	assert.Equal(t, int64(4), s.Processed)
	assert.Equal(t, int64(3), s.Requeued)
	assert.Equal(t, int64(0), s.Dead)
	assert.Equal(t, 0, s.DeadLetters)
	assert.Len(t, sink.OfType(notify.EventDelivered), 1)
}

func TestGoneIsPermanentWithoutRetry(t *testing.T) {
	var hits atomic.Int64
	inbox := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Inc()
		w.WriteHeader(http.StatusGone)
	}))
	defer inbox.Close()

	b := queue.NewMemoryBroker(time.Minute)
	handlers := &Handlers{
		Delivery: delivery.New(delivery.Config{Timeout: time.Second}, nil, nil, localKeys(t), nil, nil),
		Broker:   b,
		Sink:     notify.NewMemorySink(),
	}
	h := newHarness(t, b, handlers.Handle, Config{Workers: 1}, fastRetry(8))
	h.start(t)

	_, err := h.d.Enqueue(context.Background(), deliverTo(inbox.URL+"/inbox"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.d.Status(context.Background()).Permanent == 1 && idle(h.d)
	}, 5*time.Second, 10*time.Millisecond)

	s := h.d.Status(context.Background())
	assert.Equal(t, int64(1), hits.Load())
	assert.Equal(t, int64(0), s.Requeued)
	assert.Equal(t, 0, s.DeadLetters)
}

// ============================================================================
// 死信
// ============================================================================

func TestRetriesExhaustedGoToDeadLetters(t *testing.T) {
	var calls atomic.Int64
	handler := func(ctx context.Context, job types.Job) types.Outcome {
		calls.Inc()
		return types.Retryable(errors.New("503 Service Unavailable")).WithStatus(503)
	}
	b := queue.NewMemoryBroker(time.Minute)
	h := newHarness(t, b, handler, Config{Workers: 1}, fastRetry(3))
	h.start(t)

	first, err := h.d.Enqueue(context.Background(), types.RefreshActor{ActorID: "https://remote.example/users/bob"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.d.Status(context.Background()).Dead == 1 && idle(h.d)
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, int64(3), calls.Load())
	s := h.d.Status(context.Background())
	assert.Equal(t, int64(2), s.Requeued)
	assert.Equal(t, 1, s.DeadLetters)

	letters, err := h.d.DeadLetters(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, 2, letters[0].Job.Attempt)
	assert.Equal(t, first.ID, letters[0].Job.OriginID)
	assert.Equal(t, 503, letters[0].LastStatus)
	assert.Contains(t, letters[0].Reason, "retries exhausted")
	assert.Len(t, h.sink.OfType(notify.EventDeadLetter), 1)
}

func TestMalformedPayloadIsDeadLetteredImmediately(t *testing.T) {
	handlers := &Handlers{Sink: notify.NewMemorySink()}
	b := queue.NewMemoryBroker(time.Minute)
	h := newHarness(t, b, handlers.Handle, Config{Workers: 1}, fastRetry(8))
	h.start(t)

	now := time.Now()
	require.NoError(t, b.Publish(context.Background(), types.Job{
		ID: "bad-payload", Kind: types.KindDeliverActivity,
		Payload: json.RawMessage(`{"nope":true}`), NotBefore: now, EnqueuedAt: now,
	}))
	require.NoError(t, b.Publish(context.Background(), types.Job{
		ID: "bad-kind", Kind: "reticulate_splines",
		Payload: json.RawMessage(`{}`), NotBefore: now, EnqueuedAt: now,
	}))

	require.Eventually(t, func() bool {
		return h.d.Status(context.Background()).Dead == 2 && idle(h.d)
	}, 5*time.Second, 10*time.Millisecond)

	s := h.d.Status(context.Background())
	assert.Equal(t, int64(2), s.Processed)
	assert.Equal(t, int64(0), s.Requeued)

	letters, err := h.d.DeadLetters(context.Background(), 0)
	require.NoError(t, err)
	for _, l := range letters {
		assert.Equal(t, "malformed payload", l.Reason)
		assert.Equal(t, 0, l.Job.Attempt)
	}
}

// ============================================================================
// 失敗時不 Ack
// ============================================================================

type flakyBroker struct {
	*queue.MemoryBroker
	failPublish atomic.Bool
}

func (b *flakyBroker) Publish(ctx context.Context, job types.Job) error {
	if b.failPublish.Load() {
		return errors.New("broker unavailable")
	}
	return b.MemoryBroker.Publish(ctx, job)
}

func TestRequeueFailureLeavesOriginalUnacked(t *testing.T) {
	b := &flakyBroker{MemoryBroker: queue.NewMemoryBroker(time.Minute)}
	handler := func(ctx context.Context, job types.Job) types.Outcome {
		return types.Retryable(errors.New("timeout"))
	}
	h := newHarness(t, b, handler, Config{Workers: 1}, fastRetry(8))

	_, err := h.d.Enqueue(context.Background(), types.RefreshActor{ActorID: "https://remote.example/users/bob"})
	require.NoError(t, err)
	b.failPublish.Store(true)
	h.start(t)

	require.Eventually(t, func() bool {
		return h.d.Status(context.Background()).Processed == 1
	}, 5*time.Second, 10*time.Millisecond)

	s := h.d.Status(context.Background())
	assert.Equal(t, int64(0), s.Requeued)
	require.NotNil(t, s.Queue)
	assert.Equal(t, int64(1), s.Queue.InFlight, "original stays leased until the visibility timeout")
}

// ============================================================================
// Enqueue / 關閉
// ============================================================================

func TestEnqueueRawValidates(t *testing.T) {
	b := queue.NewMemoryBroker(time.Minute)
	h := newHarness(t, b, nil, Config{}, nil)
	ctx := context.Background()

	job, err := h.d.EnqueueRaw(ctx, types.KindRefreshActor, json.RawMessage(`{"actor_id":"https://remote.example/users/bob"}`))
	require.NoError(t, err)
	assert.Equal(t, types.KindRefreshActor, job.Kind)

	_, err = h.d.EnqueueRaw(ctx, types.KindRefreshActor, json.RawMessage(`{"actor":"x"}`))
	assert.ErrorIs(t, err, types.ErrMalformedPayload)
	_, err = h.d.EnqueueRaw(ctx, "unknown", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, types.ErrMalformedPayload)

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Ready)
}

func TestStopWaitsForRunningJob(t *testing.T) {
	started := make(chan struct{})
	handler := func(ctx context.Context, job types.Job) types.Outcome {
		close(started)
		time.Sleep(50 * time.Millisecond)
		return types.Delivered()
	}
	b := queue.NewMemoryBroker(time.Minute)
	h := newHarness(t, b, handler, Config{Workers: 1}, fastRetry(8))
	require.NoError(t, h.d.Start(context.Background()))
	assert.ErrorIs(t, h.d.Start(context.Background()), ErrAlreadyStarted)

	_, err := h.d.Enqueue(context.Background(), types.RefreshActor{ActorID: "https://remote.example/users/bob"})
	require.NoError(t, err)
	<-started

	h.d.Stop()
	h.d.Stop()

	s := h.d.Status(context.Background())
	assert.Equal(t, int64(1), s.Delivered)
	assert.Equal(t, int64(0), s.Queue.InFlight, "result handled and acked before Stop returns")
}

func TestStopCancelsJobsAfterGrace(t *testing.T) {
	started := make(chan struct{})
	handler := func(ctx context.Context, job types.Job) types.Outcome {
		close(started)
		<-ctx.Done()
		return types.Retryable(ctx.Err())
	}
	b := queue.NewMemoryBroker(time.Minute)
	h := newHarness(t, b, handler, Config{Workers: 1, ShutdownGrace: 30 * time.Millisecond}, fastRetry(8))
	require.NoError(t, h.d.Start(context.Background()))

	_, err := h.d.Enqueue(context.Background(), types.RefreshActor{ActorID: "https://remote.example/users/bob"})
	require.NoError(t, err)
	<-started

	stopped := make(chan struct{})
	go func() {
		h.d.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not cancel the running job")
	}

	s := h.d.Status(context.Background())
	assert.Equal(t, int64(1), s.Requeued, "cancelled job is rescheduled, not lost")
	assert.Equal(t, int64(1), s.Queue.Ready+s.Queue.Delayed)
}
