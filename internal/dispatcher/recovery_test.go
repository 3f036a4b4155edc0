// ============================================================================
// 端到端恢復測試
// ============================================================================
//
// TestEndToEndNoLoss:
//   混合結果的任務生命週期
//   - 提交 60 個任務，handler 依 id 決定成功 / 永久失敗 / 暫時失敗
//   - 驗證無丟失：delivered + permanent + dead == 總數
//
// TestCrashedConsumerIsRedelivered:
//   模擬 consumer 取出任務後崩潰（未 Ack）
//   - lease 到期後任務重新投遞給新的 Dispatcher
//
// TestJournalSurvivesRestart:
//   死信寫入後重開 journal，紀錄仍在
//
// ============================================================================

package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/ChuLiYu/fedqueue/internal/deadletter"
	"github.com/ChuLiYu/fedqueue/internal/queue"
	"github.com/ChuLiYu/fedqueue/pkg/types"
)

func actorJobs(t testing.TB, d *Dispatcher, n int) {
	for i := 0; i < n; i++ {
		_, err := d.Enqueue(context.Background(), types.RefreshActor{
			ActorID: fmt.Sprintf("https://remote.example/users/u%d", i),
		})
		require.NoError(t, err)
	}
}

// mixedHandler 依 root id 的 hash 決定結果，同一條重試鏈結果一致
func mixedHandler(ctx context.Context, job types.Job) types.Outcome {
	h := fnv.New32a()
	_, _ = h.Write([]byte(job.Root()))
	switch h.Sum32() % 10 {
	case 0:
		return types.Permanent(errors.New("410 Gone")).WithStatus(410)
	case 1:
		return types.Retryable(errors.New("503 Service Unavailable")).WithStatus(503)
	case 2:
		// 第一次失敗，重試成功
		if job.Attempt == 0 {
			return types.Retryable(errors.New("connection reset"))
		}
	}
	return types.Delivered()
}

func TestEndToEndNoLoss(t *testing.T) {
	const total = 60
	b := queue.NewMemoryBroker(time.Minute)
	h := newHarness(t, b, mixedHandler, Config{Workers: 4}, fastRetry(3))
	h.start(t)

	actorJobs(t, h.d, total)

	require.Eventually(t, func() bool {
		s := h.d.Status(context.Background())
		return s.Delivered+s.Permanent+s.Dead == total && idle(h.d)
	}, 10*time.Second, 20*time.Millisecond)

	s := h.d.Status(context.Background())
	t.Logf("delivered=%d permanent=%d dead=%d requeued=%d", s.Delivered, s.Permanent, s.Dead, s.Requeued)
	assert.Equal(t, int(s.Dead), s.DeadLetters)
	assert.Equal(t, s.Processed, s.Delivered+s.Permanent+s.Dead+s.Requeued)
}

func TestCrashedConsumerIsRedelivered(t *testing.T) {
	b := queue.NewMemoryBroker(50 * time.Millisecond)
	job, err := queue.Enqueue(context.Background(), b, types.RefreshActor{ActorID: "https://remote.example/users/bob"})
	require.NoError(t, err)

	// 第一個 consumer 取出後就消失
	lost, err := b.Consume(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, lost)

	var seen atomic.String
	handler := func(ctx context.Context, j types.Job) types.Outcome {
		seen.Store(string(j.ID))
		return types.Delivered()
	}
	h := newHarness(t, b, handler, Config{Workers: 1}, fastRetry(3))
	h.start(t)

	require.Eventually(t, func() bool {
		return h.d.Status(context.Background()).Delivered == 1 && idle(h.d)
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, string(job.ID), seen.Load())
	assert.ErrorIs(t, b.Ack(context.Background(), lost), queue.ErrUnknownReceipt, "stale receipt cannot ack")
}

func TestJournalSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dead.log")
	handler := func(ctx context.Context, j types.Job) types.Outcome {
		return types.Malformed(types.ErrMalformedPayload)
	}

	dead, err := deadletter.OpenJournal(path)
	require.NoError(t, err)
	b := queue.NewMemoryBroker(time.Minute)
	d := New(Deps{Broker: b, Handler: handler, DeadLetters: dead}, Config{Workers: 2, ConsumeWait: 20 * time.Millisecond})
	require.NoError(t, d.Start(context.Background()))
	actorJobs(t, d, 5)
	require.Eventually(t, func() bool { return d.Status(context.Background()).Dead == 5 }, 5*time.Second, 10*time.Millisecond)
	d.Stop()
	require.NoError(t, dead.Close())

	reopened, err := deadletter.OpenJournal(path)
	require.NoError(t, err)
	defer reopened.Close()
	n, err := reopened.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func BenchmarkThroughput(b *testing.B) {
	broker := queue.NewMemoryBroker(time.Minute)
	dead, err := deadletter.OpenJournal(filepath.Join(b.TempDir(), "dead.log"))
	require.NoError(b, err)
	defer dead.Close()

	handler := func(ctx context.Context, j types.Job) types.Outcome { return types.Delivered() }
	d := New(Deps{Broker: broker, Handler: handler, DeadLetters: dead}, Config{Workers: 8, ConsumeWait: 10 * time.Millisecond})
	require.NoError(b, d.Start(context.Background()))
	defer d.Stop()

	b.ResetTimer()
	actorJobs(b, d, b.N)
	for d.Status(context.Background()).Delivered < int64(b.N) {
		time.Sleep(time.Millisecond)
	}
	b.StopTimer()
}
