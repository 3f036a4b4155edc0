package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/fedqueue/internal/dispatcher"
	"github.com/ChuLiYu/fedqueue/internal/metrics"
	"github.com/ChuLiYu/fedqueue/internal/notify"
	"github.com/ChuLiYu/fedqueue/internal/queue"
	"github.com/ChuLiYu/fedqueue/internal/signature"
	"github.com/ChuLiYu/fedqueue/pkg/types"
)

// fakeJobs 以 MemoryBroker 模擬 dispatcher 的入隊介面
type fakeJobs struct {
	broker *queue.MemoryBroker

	mu      sync.Mutex
	letters []types.DeadLetter
	down    atomic.Bool
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{broker: queue.NewMemoryBroker(time.Minute)}
}

func (f *fakeJobs) EnqueueRaw(ctx context.Context, kind types.Kind, raw json.RawMessage) (types.Job, error) {
	p, err := types.DecodePayload(kind, raw)
	if err != nil {
		return types.Job{}, err
	}
	if f.down.Load() {
		return types.Job{}, errors.New("broker unavailable")
	}
	return queue.Enqueue(ctx, f.broker, p)
}

func (f *fakeJobs) Status(ctx context.Context) dispatcher.Status {
	qs, _ := f.broker.Stats(ctx)
	return dispatcher.Status{Workers: 4, Processed: 7, Delivered: 5, Dead: 2, Queue: &qs, DeadLetters: len(f.letters)}
}

func (f *fakeJobs) DeadLetters(ctx context.Context, limit int) ([]types.DeadLetter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit > 0 && len(f.letters) > limit {
		return f.letters[:limit], nil
	}
	return f.letters, nil
}

const refreshBob = `{"kind":"refresh_actor","payload":{"actor_id":"https://remote.example/users/bob"}}`

// ============================================================================
// gRPC
// ============================================================================

func grpcClient(t *testing.T, jobs Jobs) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewGRPCServer(jobs, nil)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	c, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestGRPCEnqueue(t *testing.T) {
	jobs := newFakeJobs()
	c := grpcClient(t, jobs)
	ctx := context.Background()

	id, err := c.Enqueue(ctx, types.KindDigestOutbox, json.RawMessage(`{"outbox":"https://remote.example/users/bob/outbox","limit":5}`))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	d, err := jobs.broker.Consume(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, id, d.Job.ID)
	p, err := types.Decode(d.Job)
	require.NoError(t, err)
	assert.Equal(t, 5, p.(types.DigestOutbox).Limit)
}

func TestGRPCEnqueueRejectsMalformed(t *testing.T) {
	jobs := newFakeJobs()
	c := grpcClient(t, jobs)
	ctx := context.Background()

	_, err := c.Enqueue(ctx, types.KindRefreshActor, json.RawMessage(`{"actor":"bob"}`))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	_, err = c.Enqueue(ctx, "reticulate", json.RawMessage(`{}`))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	jobs.down.Store(true)
	_, err = c.Enqueue(ctx, types.KindRefreshActor, json.RawMessage(`{"actor_id":"https://remote.example/users/bob"}`))
	assert.Equal(t, codes.Unavailable, status.Code(err))

	stats, _ := jobs.broker.Stats(ctx)
	assert.Equal(t, queue.Stats{}, stats)
}

func TestGRPCStats(t *testing.T) {
	jobs := newFakeJobs()
	_, err := queue.Enqueue(context.Background(), jobs.broker, types.RefreshActor{ActorID: "https://remote.example/users/bob"})
	require.NoError(t, err)
	c := grpcClient(t, jobs)

	s, err := c.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, s.Workers)
	assert.Equal(t, int64(5), s.Delivered)
	assert.Equal(t, int64(2), s.Dead)
	require.NotNil(t, s.Queue)
	assert.Equal(t, int64(1), s.Queue.Ready)
}

// ============================================================================
// HTTP 管理介面
// ============================================================================

func TestHTTPAdmin(t *testing.T) {
	jobs := newFakeJobs()
	jobs.letters = []types.DeadLetter{
		{Job: types.Job{ID: "a", Kind: types.KindDeliverActivity}, Reason: "malformed payload"},
		{Job: types.Job{ID: "b", Kind: types.KindRefreshActor}, Reason: "retries exhausted after 8 attempts", LastStatus: 503},
	}
	m := metrics.NewCollector(prometheus.NewRegistry())
	srv := httptest.NewServer(NewHTTP(HTTPConfig{}, jobs, nil, nil, m, nil).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	m.RecordEnqueue("refresh_actor")
	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "fedqueue_")

	resp, err = http.Post(srv.URL+"/v1/jobs", "application/json", strings.NewReader(refreshBob))
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	var created enqueueResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()
	assert.Equal(t, types.KindRefreshActor, created.Kind)
	assert.NotEmpty(t, created.ID)

	resp, err = http.Get(srv.URL + "/v1/stats")
	require.NoError(t, err)
	var st dispatcher.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	resp.Body.Close()
	require.NotNil(t, st.Queue)
	assert.Equal(t, int64(1), st.Queue.Ready)

	resp, err = http.Get(srv.URL + "/v1/dead-letters?limit=1")
	require.NoError(t, err)
	var letters []types.DeadLetter
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&letters))
	resp.Body.Close()
	require.Len(t, letters, 1)
	assert.Equal(t, types.JobID("a"), letters[0].Job.ID)

	resp, err = http.Get(srv.URL + "/v1/dead-letters?limit=abc")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Post(srv.URL+"/inbox", "application/activity+json", strings.NewReader(`{}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "inbox is not mounted without a verifier")
	resp.Body.Close()
}

func TestHTTPEnqueueErrors(t *testing.T) {
	jobs := newFakeJobs()
	srv := httptest.NewServer(NewHTTP(HTTPConfig{}, jobs, nil, nil, nil, nil).Router())
	defer srv.Close()

	tests := []struct {
		name string
		body string
		down bool
		code int
	}{
		{"not json", `{`, false, http.StatusBadRequest},
		{"unknown field", `{"kind":"refresh_actor","payload":{},"extra":1}`, false, http.StatusBadRequest},
		{"bad payload", `{"kind":"refresh_actor","payload":{"actor_id":""}}`, false, http.StatusBadRequest},
		{"unknown kind", `{"kind":"nope","payload":{}}`, false, http.StatusBadRequest},
		{"broker down", refreshBob, true, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs.down.Store(tt.down)
			resp, err := http.Post(srv.URL+"/v1/jobs", "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.code, resp.StatusCode)
		})
	}
}

// ============================================================================
// /inbox
// ============================================================================

const bobKeyID = "https://remote.example/users/bob#main-key"

type staticKeys map[string]*rsa.PublicKey

func (s staticKeys) PublicKey(_ context.Context, keyID string) (signature.Key, bool, error) {
	pub, ok := s[keyID]
	if !ok {
		return signature.Key{}, false, signature.ErrUnknownKey
	}
	return signature.Key{ID: keyID, Owner: signature.OwnerOf(keyID), Public: pub}, false, nil
}

func (s staticKeys) RefreshPublicKey(ctx context.Context, keyID string) (signature.Key, error) {
	k, _, err := s.PublicKey(ctx, keyID)
	return k, err
}

func inboxServer(t *testing.T, key *rsa.PrivateKey, maxBody int64) (*httptest.Server, *notify.MemorySink) {
	t.Helper()
	sink := notify.NewMemorySink()
	v := signature.NewVerifier(staticKeys{bobKeyID: &key.PublicKey}, time.Minute)
	srv := httptest.NewServer(NewHTTP(HTTPConfig{MaxInboxBody: maxBody}, newFakeJobs(), v, sink, nil, nil).Router())
	t.Cleanup(srv.Close)
	return srv, sink
}

func postSigned(t *testing.T, url string, body []byte, key *rsa.PrivateKey) *http.Response {
	t.Helper()
	r, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	require.NoError(t, err)
	r.Header.Set("Content-Type", "application/activity+json")
	if key != nil {
		_, err = signature.Sign(r, body, bobKeyID, key)
		require.NoError(t, err)
	}
	resp, err := http.DefaultClient.Do(r)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestInboxAcceptsSignedActivity(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	srv, sink := inboxServer(t, key, 0)

	body := []byte(`{"id":"https://remote.example/activities/9","type":"Follow","actor":"https://remote.example/users/bob","object":"https://local.example/users/alice"}`)
	resp := postSigned(t, srv.URL+"/inbox", body, key)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	events := sink.OfType(notify.EventInboxActivity)
	require.Len(t, events, 1)
	var got InboxActivity
	require.NoError(t, json.Unmarshal(events[0].Data, &got))
	assert.Equal(t, bobKeyID, got.KeyID)
	assert.Equal(t, "https://remote.example/users/bob", got.Actor)
	assert.JSONEq(t, string(body), string(got.Activity))
}

func TestInboxRejects(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	srv, sink := inboxServer(t, key, 512)

	follow := []byte(`{"type":"Follow","actor":"https://remote.example/users/bob"}`)

	resp := postSigned(t, srv.URL+"/inbox", follow, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "unsigned")

	resp = postSigned(t, srv.URL+"/inbox", follow, other)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "wrong key")

	spoofed := []byte(`{"type":"Follow","actor":{"id":"https://remote.example/users/eve"}}`)
	resp = postSigned(t, srv.URL+"/inbox", spoofed, key)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "actor differs from signer")

	big := []byte(`{"type":"Note","actor":"https://remote.example/users/bob","content":"` + strings.Repeat("x", 1024) + `"}`)
	resp = postSigned(t, srv.URL+"/inbox", big, key)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	assert.Empty(t, sink.Events(), "nothing unverified reaches the sink")
}

func TestActorID(t *testing.T) {
	assert.Equal(t, "https://a.example/u", actorID(json.RawMessage(`"https://a.example/u"`)))
	assert.Equal(t, "https://a.example/u", actorID(json.RawMessage(`{"id":"https://a.example/u","type":"Person"}`)))
	assert.Equal(t, "", actorID(nil))
}
