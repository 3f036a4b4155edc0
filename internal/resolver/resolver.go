// ============================================================================
// fedqueue Resolver - 遠端 actor / object 抓取與快取
// ============================================================================
//
// Package: internal/resolver
// 文件: resolver.go
//
// 快取:
//   expirable LRU（容量 + TTL），另外以 FetchedAt 判斷過期，
//   從快照暖機的項目不會比原始抓取時間活得更久
//
// 併發:
//   同一個 identifier 的冷解析透過 singleflight 合併成一次抓取；
//   快取本身不需要讀鎖
//
// 金鑰輪換:
//   以 key id 查公鑰時，若快取文件的 key id 與請求不同，
//   失效快取並強制重抓一次；
//   抓取結果的 key id 與上次看到的不同時，同樣失效並強制重抓一次，
//   快取重抓的結果（重抓失敗時保留第一次的結果）
//
// ============================================================================

package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ChuLiYu/fedqueue/internal/keys"
	"github.com/ChuLiYu/fedqueue/internal/metrics"
	"github.com/ChuLiYu/fedqueue/internal/signature"
)

// AcceptHeader 是抓取 ActivityStreams 文件時送出的 Accept
const AcceptHeader = `application/activity+json, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`

const keyHistoryFactor = 4

var (
	ErrUnreachable       = errors.New("resolver: unreachable")
	ErrInvalidDocument   = errors.New("resolver: invalid document")
	ErrInvalidIdentifier = errors.New("resolver: invalid identifier")
)

// ResolutionError wraps a fetch failure with its kind and remote status.
type ResolutionError struct {
	Kind   error // ErrUnreachable, ErrInvalidDocument or ErrInvalidIdentifier
	ID     string
	Status int
	Err    error
}

func (e *ResolutionError) Error() string {
	msg := fmt.Sprintf("%v: %s", e.Kind, e.ID)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ResolutionError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// SignFunc signs an outbound GET. nil means fetches are unsigned.
type SignFunc func(r *http.Request) error

// Config Resolver 設定
type Config struct {
	TTL          time.Duration
	CacheSize    int
	Timeout      time.Duration
	MaxBodyBytes int64
	UserAgent    string
}

func (c *Config) setDefaults() {
	if c.TTL <= 0 {
		c.TTL = 24 * time.Hour
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 10000
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 1 << 20
	}
}

// Resolver fetches and caches remote documents.
type Resolver struct {
	cfg     Config
	client  *http.Client
	sign    SignFunc
	cache   *expirable.LRU[string, *Document]
	group   singleflight.Group
	logger  *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time

	// 每個 actor 最近一次看到的 key id；容量與快取相同，
	// 存活時間較長，文件過期後仍能偵測到輪換
	lastKey *expirable.LRU[string, string]
}

// New 建立 Resolver
func New(cfg Config, client *http.Client, sign SignFunc, logger *zap.Logger, m *metrics.Collector) *Resolver {
	cfg.setDefaults()
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		cfg:     cfg,
		client:  client,
		sign:    sign,
		cache:   expirable.NewLRU[string, *Document](cfg.CacheSize, nil, cfg.TTL),
		logger:  logger.Named("resolver"),
		metrics: m,
		now:     time.Now,
		lastKey: expirable.NewLRU[string, string](cfg.CacheSize, nil, keyHistoryFactor*cfg.TTL),
	}
}

// Resolve returns the document for id, from cache when fresh.
func (r *Resolver) Resolve(ctx context.Context, id string) (*Document, error) {
	if err := ValidateIdentifier(id); err != nil {
		return nil, &ResolutionError{Kind: ErrInvalidIdentifier, ID: id, Err: err}
	}
	key := normalize(id)

	if doc, ok := r.cached(key); ok {
		r.metrics.RecordResolverCache(true)
		return doc, nil
	}
	r.metrics.RecordResolverCache(false)
	return r.load(ctx, key)
}

// Refresh drops any cached copy of id and fetches it again.
func (r *Resolver) Refresh(ctx context.Context, id string) (*Document, error) {
	if err := ValidateIdentifier(id); err != nil {
		return nil, &ResolutionError{Kind: ErrInvalidIdentifier, ID: id, Err: err}
	}
	key := normalize(id)
	r.cache.Remove(key)
	return r.load(ctx, key)
}

// Fetch retrieves id without reading or writing the cache. Used for
// collections whose contents change between digests.
func (r *Resolver) Fetch(ctx context.Context, id string) (*Document, error) {
	if err := ValidateIdentifier(id); err != nil {
		return nil, &ResolutionError{Kind: ErrInvalidIdentifier, ID: id, Err: err}
	}
	v, err, _ := r.group.Do("fetch:"+id, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.Timeout)
		defer cancel()
		return r.fetch(fctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Document), nil
}

// Invalidate drops the cached copy of id.
func (r *Resolver) Invalidate(id string) {
	r.cache.Remove(normalize(id))
}

// Age reports how old the cached copy of id is.
func (r *Resolver) Age(id string) (time.Duration, bool) {
	doc, ok := r.cached(normalize(id))
	if !ok {
		return 0, false
	}
	return doc.Age(r.now()), true
}

// Len is the number of cached documents, expired entries included until the
// LRU purges them.
func (r *Resolver) Len() int {
	return r.cache.Len()
}

// Stale lists up to limit cached ids whose copy is at least minAge old.
func (r *Resolver) Stale(minAge time.Duration, limit int) []string {
	now := r.now()
	var ids []string
	for _, doc := range r.cache.Values() {
		if limit > 0 && len(ids) >= limit {
			break
		}
		age := doc.Age(now)
		if age >= minAge && age < r.cfg.TTL {
			ids = append(ids, doc.ID)
		}
	}
	return ids
}

// PublicKey implements signature.KeyResolver.
func (r *Resolver) PublicKey(ctx context.Context, keyID string) (signature.Key, bool, error) {
	owner := signature.OwnerOf(keyID)
	doc, cached := r.cached(normalize(owner))
	if cached && doc.KeyID() != keyID {
		// 快取文件的金鑰與請求不同：可能已輪換
		r.logger.Info("cached key id differs from request, refreshing",
			zap.String("actor", owner),
			zap.String("cached_key", doc.KeyID()),
			zap.String("key_id", keyID))
		cached = false
		r.Invalidate(owner)
	}
	if !cached {
		var err error
		doc, err = r.Resolve(ctx, owner)
		if err != nil {
			return signature.Key{}, false, err
		}
	}
	key, err := keyFromDocument(doc, keyID)
	return key, cached, err
}

// RefreshPublicKey implements signature.KeyResolver.
func (r *Resolver) RefreshPublicKey(ctx context.Context, keyID string) (signature.Key, error) {
	doc, err := r.Refresh(ctx, signature.OwnerOf(keyID))
	if err != nil {
		return signature.Key{}, err
	}
	return keyFromDocument(doc, keyID)
}

func keyFromDocument(doc *Document, keyID string) (signature.Key, error) {
	if doc.PublicKey == nil || doc.PublicKey.ID != keyID {
		return signature.Key{}, fmt.Errorf("%w: %s does not publish key %s", ErrInvalidDocument, doc.ID, keyID)
	}
	pub, err := keys.ParsePublicKey([]byte(doc.PublicKey.PEM))
	if err != nil {
		return signature.Key{}, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	owner := doc.PublicKey.Owner
	if owner == "" {
		owner = doc.ID
	}
	return signature.Key{ID: keyID, Owner: owner, Public: pub}, nil
}

// Warm seeds the cache with previously fetched documents that are still
// within the TTL.
func (r *Resolver) Warm(docs []*Document) int {
	now := r.now()
	n := 0
	for _, doc := range docs {
		if doc == nil || doc.Age(now) >= r.cfg.TTL {
			continue
		}
		r.store(normalize(doc.ID), doc)
		n++
	}
	return n
}

// Entries returns the fresh cached documents.
func (r *Resolver) Entries() []*Document {
	now := r.now()
	var docs []*Document
	for _, doc := range r.cache.Values() {
		if doc.Age(now) < r.cfg.TTL {
			docs = append(docs, doc)
		}
	}
	return docs
}

func (r *Resolver) cached(key string) (*Document, bool) {
	doc, ok := r.cache.Get(key)
	if !ok {
		return nil, false
	}
	if doc.Age(r.now()) >= r.cfg.TTL {
		r.cache.Remove(key)
		return nil, false
	}
	return doc, true
}

// load 透過 singleflight 抓取並寫入快取；第一個呼叫者被取消不影響其他等待者
func (r *Resolver) load(ctx context.Context, key string) (*Document, error) {
	v, err, shared := r.group.Do(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.Timeout)
		defer cancel()

		doc, err := r.fetch(fctx, key)
		if err != nil {
			return nil, err
		}
		if prev, rotated := r.rotated(key, doc); rotated {
			r.logger.Info("actor key rotated, forcing refresh",
				zap.String("actor", key),
				zap.String("previous_key", prev),
				zap.String("key_id", doc.KeyID()))
			r.cache.Remove(key)
			fresh, ferr := r.fetch(fctx, key)
			if ferr != nil {
				r.logger.Warn("forced refresh failed, keeping first fetch",
					zap.String("actor", key), zap.Error(ferr))
			} else {
				doc = fresh
			}
		}
		r.store(key, doc)
		return doc, nil
	})
	if shared {
		r.logger.Debug("resolution collapsed", zap.String("id", key))
	}
	if err != nil {
		return nil, err
	}
	return v.(*Document), nil
}

// rotated 回報 doc 的 key id 是否與上次看到的不同
func (r *Resolver) rotated(key string, doc *Document) (string, bool) {
	keyID := doc.KeyID()
	if keyID == "" {
		return "", false
	}
	prev, seen := r.lastKey.Peek(key)
	return prev, seen && prev != keyID
}

func (r *Resolver) store(key string, doc *Document) {
	if keyID := doc.KeyID(); keyID != "" {
		r.lastKey.Add(key, keyID)
	}
	r.cache.Add(key, doc)
}

func (r *Resolver) fetch(ctx context.Context, id string) (*Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, id, nil)
	if err != nil {
		return nil, &ResolutionError{Kind: ErrInvalidIdentifier, ID: id, Err: err}
	}
	req.Header.Set("Accept", AcceptHeader)
	if r.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", r.cfg.UserAgent)
	}
	if r.sign != nil {
		if err := r.sign(req); err != nil {
			return nil, &ResolutionError{Kind: ErrUnreachable, ID: id, Err: err}
		}
	}

	resp, err := r.client.Do(req)
	if err != nil {
		r.metrics.RecordResolverFetch("unreachable")
		return nil, &ResolutionError{Kind: ErrUnreachable, ID: id, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		r.metrics.RecordResolverFetch("unreachable")
		return nil, &ResolutionError{Kind: ErrUnreachable, ID: id, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, r.cfg.MaxBodyBytes+1))
	if err != nil {
		r.metrics.RecordResolverFetch("unreachable")
		return nil, &ResolutionError{Kind: ErrUnreachable, ID: id, Err: err}
	}
	if int64(len(body)) > r.cfg.MaxBodyBytes {
		r.metrics.RecordResolverFetch("invalid")
		return nil, &ResolutionError{Kind: ErrInvalidDocument, ID: id, Err: errors.New("document too large")}
	}

	doc, err := ParseDocument(body)
	if err != nil {
		r.metrics.RecordResolverFetch("invalid")
		return nil, &ResolutionError{Kind: ErrInvalidDocument, ID: id, Err: err}
	}
	if !sameHost(doc.ID, id) {
		r.metrics.RecordResolverFetch("invalid")
		return nil, &ResolutionError{Kind: ErrInvalidDocument, ID: id, Err: fmt.Errorf("document id %s is on a different host", doc.ID)}
	}
	doc.FetchedAt = r.now()

	r.metrics.RecordResolverFetch("ok")
	r.logger.Debug("document fetched", zap.String("id", id), zap.String("type", doc.Type))
	return doc, nil
}
