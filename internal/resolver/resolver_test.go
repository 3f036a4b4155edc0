package resolver

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fedqueue/internal/keys"
	"github.com/ChuLiYu/fedqueue/internal/signature"
	"github.com/ChuLiYu/fedqueue/internal/snapshot"
)

// remote 模擬一台聯邦伺服器，路徑 /users/<name> 回傳 actor 文件
type remote struct {
	srv     *httptest.Server
	hits    atomic.Int64
	status  atomic.Int64
	release chan struct{} // 非 nil 時 handler 會等到關閉才回應

	mu      sync.Mutex
	keyName string
	key     *rsa.PrivateKey
	body    func(id string) []byte
	lastReq *http.Request
}

func newRemote(t *testing.T) *remote {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	rm := &remote{key: key, keyName: "main-key"}
	rm.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		rm.hits.Add(1)
		if rm.release != nil {
			<-rm.release
		}
		rm.mu.Lock()
		rm.lastReq = req
		body := rm.body
		rm.mu.Unlock()

		if s := rm.status.Load(); s != 0 {
			w.WriteHeader(int(s))
			return
		}
		id := rm.srv.URL + req.URL.Path
		w.Header().Set("Content-Type", "application/activity+json")
		if body != nil {
			w.Write(body(id))
			return
		}
		w.Write(rm.actor(t, id))
	}))
	t.Cleanup(rm.srv.Close)
	return rm
}

func (rm *remote) actor(t *testing.T, id string) []byte {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	pemText, err := keys.EncodePublicKey(&rm.key.PublicKey)
	require.NoError(t, err)
	doc := map[string]any{
		"@context":          "https://www.w3.org/ns/activitystreams",
		"id":                id,
		"type":              "Person",
		"inbox":             id + "/inbox",
		"outbox":            id + "/outbox",
		"preferredUsername": "alice",
		"endpoints":         map[string]string{"sharedInbox": rm.srv.URL + "/inbox"},
		"publicKey": map[string]string{
			"id":           id + "#" + rm.keyName,
			"owner":        id,
			"publicKeyPem": pemText,
		},
	}
	out, err := json.Marshal(doc)
	require.NoError(t, err)
	return out
}

func (rm *remote) rotate(t *testing.T, name string) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	rm.mu.Lock()
	rm.key = key
	rm.keyName = name
	rm.mu.Unlock()
}

func (rm *remote) url(path string) string {
	return rm.srv.URL + path
}

func newResolver(cfg Config, sign SignFunc) *Resolver {
	return New(cfg, nil, sign, nil, nil)
}

func TestResolveCachesDocument(t *testing.T) {
	rm := newRemote(t)
	r := newResolver(Config{TTL: time.Hour}, nil)
	ctx := context.Background()

	doc, err := r.Resolve(ctx, rm.url("/users/alice"))
	require.NoError(t, err)
	assert.Equal(t, "Person", doc.Type)
	assert.Equal(t, rm.url("/users/alice/inbox"), doc.Inbox)
	assert.Equal(t, rm.url("/inbox"), doc.DeliveryInbox(true))
	assert.Equal(t, rm.url("/users/alice#main-key"), doc.KeyID())

	again, err := r.Resolve(ctx, rm.url("/users/alice"))
	require.NoError(t, err)
	assert.Same(t, doc, again)
	assert.Equal(t, int64(1), rm.hits.Load())

	// fragment 與 actor 共用快取
	_, err = r.Resolve(ctx, rm.url("/users/alice#main-key"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), rm.hits.Load())

	rm.mu.Lock()
	accept := rm.lastReq.Header.Get("Accept")
	rm.mu.Unlock()
	assert.Equal(t, AcceptHeader, accept)
}

func TestResolveCollapsesConcurrentMisses(t *testing.T) {
	rm := newRemote(t)
	rm.release = make(chan struct{})
	r := newResolver(Config{TTL: time.Hour}, nil)

	const callers = 10
	var wg sync.WaitGroup
	docs := make([]*Document, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			docs[i], errs[i] = r.Resolve(context.Background(), rm.url("/users/alice"))
		}(i)
	}

	require.Eventually(t, func() bool { return rm.hits.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(rm.release)
	wg.Wait()

	assert.Equal(t, int64(1), rm.hits.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, docs[0], docs[i])
	}
}

func TestResolveCallerCancelDoesNotFailOthers(t *testing.T) {
	rm := newRemote(t)
	rm.release = make(chan struct{})
	r := newResolver(Config{TTL: time.Hour}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := r.Resolve(ctx, rm.url("/users/alice"))
		first <- err
	}()
	require.Eventually(t, func() bool { return rm.hits.Load() == 1 }, time.Second, 5*time.Millisecond)

	second := make(chan error, 1)
	go func() {
		_, err := r.Resolve(context.Background(), rm.url("/users/alice"))
		second <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	close(rm.release)

	assert.NoError(t, <-second)
	<-first
	assert.Equal(t, int64(1), rm.hits.Load())
}

func TestResolveExpiresAfterTTL(t *testing.T) {
	rm := newRemote(t)
	r := newResolver(Config{TTL: time.Hour}, nil)
	now := time.Now()
	r.now = func() time.Time { return now }

	_, err := r.Resolve(context.Background(), rm.url("/users/alice"))
	require.NoError(t, err)

	age, ok := r.Age(rm.url("/users/alice"))
	require.True(t, ok)
	assert.Equal(t, time.Duration(0), age)

	now = now.Add(59 * time.Minute)
	_, err = r.Resolve(context.Background(), rm.url("/users/alice"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), rm.hits.Load())

	now = now.Add(2 * time.Minute)
	_, err = r.Resolve(context.Background(), rm.url("/users/alice"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), rm.hits.Load())
}

func TestResolveErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   func(id string) []byte
		want   error
		code   int
	}{
		{name: "server error", status: http.StatusBadGateway, want: ErrUnreachable, code: http.StatusBadGateway},
		{name: "gone", status: http.StatusGone, want: ErrUnreachable, code: http.StatusGone},
		{name: "not json", body: func(string) []byte { return []byte("<html>") }, want: ErrInvalidDocument},
		{name: "missing id", body: func(string) []byte { return []byte(`{"type":"Person"}`) }, want: ErrInvalidDocument},
		{
			name: "foreign id",
			body: func(string) []byte { return []byte(`{"id":"https://elsewhere.example/users/mallory","type":"Person"}`) },
			want: ErrInvalidDocument,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rm := newRemote(t)
			rm.status.Store(int64(tt.status))
			rm.body = tt.body
			r := newResolver(Config{}, nil)

			_, err := r.Resolve(context.Background(), rm.url("/users/alice"))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var rerr *ResolutionError
			require.True(t, errors.As(err, &rerr))
			assert.Equal(t, tt.code, rerr.Status)
			assert.Equal(t, 0, r.Len())
		})
	}
}

func TestResolveUnreachableHost(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL + "/users/alice"
	srv.Close()

	_, err := newResolver(Config{Timeout: time.Second}, nil).Resolve(context.Background(), url)
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestResolveBodyTooLarge(t *testing.T) {
	rm := newRemote(t)
	r := newResolver(Config{MaxBodyBytes: 64}, nil)

	_, err := r.Resolve(context.Background(), rm.url("/users/alice"))
	assert.ErrorIs(t, err, ErrInvalidDocument)
}

func TestResolveInvalidIdentifier(t *testing.T) {
	r := newResolver(Config{}, nil)
	for _, id := range []string{"", "acct:alice@example.com", "/users/alice", "ftp://example.com/x"} {
		_, err := r.Resolve(context.Background(), id)
		assert.ErrorIs(t, err, ErrInvalidIdentifier, id)
	}
}

func TestResolveSignsFetches(t *testing.T) {
	rm := newRemote(t)
	var signed atomic.Int64
	r := newResolver(Config{UserAgent: "fedqueue/test"}, func(req *http.Request) error {
		signed.Add(1)
		req.Header.Set("Signature", "test")
		return nil
	})

	_, err := r.Resolve(context.Background(), rm.url("/users/alice"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), signed.Load())

	rm.mu.Lock()
	defer rm.mu.Unlock()
	assert.Equal(t, "test", rm.lastReq.Header.Get("Signature"))
	assert.Equal(t, "fedqueue/test", rm.lastReq.Header.Get("User-Agent"))
}

func TestFetchBypassesCache(t *testing.T) {
	rm := newRemote(t)
	r := newResolver(Config{}, nil)

	_, err := r.Fetch(context.Background(), rm.url("/users/alice/outbox"))
	require.NoError(t, err)
	_, err = r.Fetch(context.Background(), rm.url("/users/alice/outbox"))
	require.NoError(t, err)

	assert.Equal(t, int64(2), rm.hits.Load())
	assert.Equal(t, 0, r.Len())
}

func TestPublicKeyRotation(t *testing.T) {
	rm := newRemote(t)
	r := newResolver(Config{TTL: time.Hour}, nil)
	ctx := context.Background()
	actor := rm.url("/users/alice")

	key, cached, err := r.PublicKey(ctx, actor+"#main-key")
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, actor, key.Owner)

	_, cached, err = r.PublicKey(ctx, actor+"#main-key")
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, int64(1), rm.hits.Load())

	// 遠端換了金鑰 id，請求帶新 id 時應重新抓取；
	// 抓到的 key id 與上次不同，再強制重抓一次
	rm.rotate(t, "key-2")
	key, cached, err = r.PublicKey(ctx, actor+"#key-2")
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, actor+"#key-2", key.ID)
	assert.Equal(t, int64(3), rm.hits.Load())

	rm.mu.Lock()
	want := &rm.key.PublicKey
	rm.mu.Unlock()
	assert.True(t, want.Equal(key.Public))
}

func TestKeyRotationForcesOneRefetch(t *testing.T) {
	rm := newRemote(t)
	r := newResolver(Config{TTL: time.Hour}, nil)
	ctx := context.Background()
	actor := rm.url("/users/alice")

	doc, err := r.Resolve(ctx, actor)
	require.NoError(t, err)
	assert.Equal(t, actor+"#main-key", doc.KeyID())
	assert.Equal(t, int64(1), rm.hits.Load())

	// 同一把金鑰重抓不會觸發額外抓取
	_, err = r.Refresh(ctx, actor)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rm.hits.Load())

	rm.rotate(t, "key-2")
	doc, err = r.Refresh(ctx, actor)
	require.NoError(t, err)
	assert.Equal(t, actor+"#key-2", doc.KeyID())
	assert.Equal(t, int64(4), rm.hits.Load(), "rotation triggers exactly one forced refetch")

	// 重抓的結果被快取
	doc, err = r.Resolve(ctx, actor)
	require.NoError(t, err)
	assert.Equal(t, actor+"#key-2", doc.KeyID())
	assert.Equal(t, int64(4), rm.hits.Load())
}

func TestKeyHistoryIsBounded(t *testing.T) {
	rm := newRemote(t)
	r := newResolver(Config{TTL: time.Hour, CacheSize: 2}, nil)
	ctx := context.Background()

	for _, name := range []string{"alice", "bob", "carol", "dave"} {
		_, err := r.Resolve(ctx, rm.url("/users/"+name))
		require.NoError(t, err)
	}
	assert.Equal(t, 2, r.lastKey.Len())
	assert.Equal(t, 2, r.Len())
}

func TestRefreshPublicKeySameID(t *testing.T) {
	rm := newRemote(t)
	r := newResolver(Config{TTL: time.Hour}, nil)
	ctx := context.Background()
	keyID := rm.url("/users/alice#main-key")

	_, _, err := r.PublicKey(ctx, keyID)
	require.NoError(t, err)

	// 同一個 id 但金鑰內容換了
	rm.rotate(t, "main-key")
	key, err := r.RefreshPublicKey(ctx, keyID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rm.hits.Load())

	rm.mu.Lock()
	want := &rm.key.PublicKey
	rm.mu.Unlock()
	assert.True(t, want.Equal(key.Public))
}

func TestPublicKeyUnknownKey(t *testing.T) {
	rm := newRemote(t)
	r := newResolver(Config{}, nil)

	_, _, err := r.PublicKey(context.Background(), rm.url("/users/alice#other"))
	assert.ErrorIs(t, err, ErrInvalidDocument)
}

func TestResolverVerifiesSignatures(t *testing.T) {
	rm := newRemote(t)
	r := newResolver(Config{}, nil)
	v := signature.NewVerifier(r, time.Minute)
	keyID := rm.url("/users/alice#main-key")

	body := []byte(`{"type":"Follow"}`)
	req := httptest.NewRequest(http.MethodPost, "https://local.example/inbox", nil)
	rm.mu.Lock()
	key := rm.key
	rm.mu.Unlock()
	_, err := signature.Sign(req, body, keyID, key)
	require.NoError(t, err)

	id, err := v.Verify(context.Background(), req, body)
	require.NoError(t, err)
	assert.Equal(t, rm.url("/users/alice"), id.Owner)
}

func TestWarmStaleAndEntries(t *testing.T) {
	r := newResolver(Config{TTL: time.Hour}, nil)
	now := time.Now()
	r.now = func() time.Time { return now }

	mk := func(n int, age time.Duration) *Document {
		id := fmt.Sprintf("https://a.example/users/%d", n)
		return &Document{ID: id, Raw: json.RawMessage(fmt.Sprintf(`{"id":%q}`, id)), FetchedAt: now.Add(-age)}
	}

	n := r.Warm([]*Document{mk(1, time.Minute), mk(2, 40*time.Minute), mk(3, 2*time.Hour), nil})
	assert.Equal(t, 2, n)
	assert.Len(t, r.Entries(), 2)

	assert.Equal(t, []string{"https://a.example/users/2"}, r.Stale(30*time.Minute, 10))
	assert.Len(t, r.Stale(0, 1), 1)

	r.Invalidate("https://a.example/users/2")
	_, ok := r.Age("https://a.example/users/2")
	assert.False(t, ok)
}

func TestSnapshotRoundTrip(t *testing.T) {
	rm := newRemote(t)
	ctx := context.Background()
	m := snapshot.NewManager(filepath.Join(t.TempDir(), "resolver.json"))

	r := newResolver(Config{TTL: time.Hour}, nil)
	_, err := r.Resolve(ctx, rm.url("/users/alice"))
	require.NoError(t, err)
	_, err = r.Resolve(ctx, rm.url("/users/bob"))
	require.NoError(t, err)

	saved, err := r.SaveSnapshot(m)
	require.NoError(t, err)
	assert.Equal(t, 2, saved)

	warm := newResolver(Config{TTL: time.Hour}, nil)
	loaded, err := warm.LoadSnapshot(m)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded)

	doc, err := warm.Resolve(ctx, rm.url("/users/bob"))
	require.NoError(t, err)
	assert.Equal(t, rm.url("/users/bob/inbox"), doc.Inbox)
	assert.Equal(t, int64(2), rm.hits.Load())
}

func TestParseDocumentVariants(t *testing.T) {
	raw := []byte(`{
		"id": "https://a.example/users/alice/outbox",
		"type": ["OrderedCollection", "Thing"],
		"first": "https://a.example/users/alice/outbox?page=1",
		"items": [{"id":"https://a.example/notes/1"}],
		"publicKey": [{"id":"https://a.example/users/alice#k1","owner":"https://a.example/users/alice","publicKeyPem":"x"}]
	}`)
	doc, err := ParseDocument(raw)
	require.NoError(t, err)
	assert.Equal(t, "OrderedCollection", doc.Type)
	assert.Len(t, doc.OrderedItems, 1)
	assert.Equal(t, "https://a.example/users/alice#k1", doc.KeyID())
	assert.JSONEq(t, `"https://a.example/users/alice/outbox?page=1"`, string(doc.First))
}
