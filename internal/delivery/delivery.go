// ============================================================================
// fedqueue Delivery - 對外投遞狀態機
// ============================================================================
//
// Package: internal/delivery
// 文件: delivery.go
//
// 狀態轉換:
//
//   Pending → Resolving → Signing → Sending → {Delivered | Retryable | Permanent}
//
// 分類規則:
//   2xx                         → Delivered
//   429 / 5xx / 逾時 / 連線失敗 → Retryable
//   回應過大 / 非標準狀態碼     → Retryable
//   401 / 403                   → 失效 recipient 快取、重新解析、重送一次
//   其他 4xx                    → Permanent
//   identifier 格式錯誤         → Permanent
//
// 每次 Deliver 都獨立；重試由 retry scheduler 以重新入隊表達
//
// ============================================================================

package delivery

import (
	"bytes"
	"context"
	"crypto"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/fedqueue/internal/metrics"
	"github.com/ChuLiYu/fedqueue/internal/resolver"
	"github.com/ChuLiYu/fedqueue/internal/signature"
	"github.com/ChuLiYu/fedqueue/pkg/types"
)

// ContentType 投遞 activity 時使用的 Content-Type
const ContentType = `application/activity+json`

var (
	ErrNoInbox          = errors.New("delivery: recipient publishes no inbox")
	ErrResponseTooLarge = errors.New("delivery: response body too large")
	ErrUnexpectedStatus = errors.New("delivery: unexpected status")
	ErrSigning          = errors.New("delivery: signing failed")
)

// StatusError 遠端回應非 2xx
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%v %d %s", ErrUnexpectedStatus, e.Status, http.StatusText(e.Status))
}

func (e *StatusError) Unwrap() error { return ErrUnexpectedStatus }

// State 投遞狀態
type State int

const (
	StatePending State = iota
	StateResolving
	StateSigning
	StateSending
	StateDelivered
	StateRetryable
	StatePermanent
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateResolving:
		return "resolving"
	case StateSigning:
		return "signing"
	case StateSending:
		return "sending"
	case StateDelivered:
		return "delivered"
	case StateRetryable:
		return "retryable"
	case StatePermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Terminal reports whether s ends the attempt.
func (s State) Terminal() bool {
	return s == StateDelivered || s == StateRetryable || s == StatePermanent
}

// Resolver 是投遞需要的 resolver 子集
type Resolver interface {
	Resolve(ctx context.Context, id string) (*resolver.Document, error)
	Invalidate(id string)
	Age(id string) (time.Duration, bool)
}

// KeySource 提供本地 actor 的私鑰
type KeySource interface {
	Get(keyID string) (crypto.PrivateKey, error)
}

// Config 投遞設定
type Config struct {
	Timeout          time.Duration
	MaxResponseBytes int64
	StaleKeyMinAge   time.Duration
	UserAgent        string
}

// Attempt 一次投遞的紀錄；只用於 log / metrics 與決定重試
type Attempt struct {
	ActivityID    string
	Target        string
	State         State
	Trace         []State
	SignedHeaders http.Header
	Status        int
	Latency       time.Duration
	Err           error
	Reattempted   bool // 401/403 後是否已重送過
}

func (a *Attempt) to(s State) {
	a.State = s
	a.Trace = append(a.Trace, s)
}

func (a *Attempt) fail(s State, err error) Attempt {
	a.Err = err
	a.to(s)
	return *a
}

// Outcome 轉換成 dispatcher 使用的 Outcome
func (a Attempt) Outcome() types.Outcome {
	switch a.State {
	case StateDelivered:
		return types.Delivered().WithStatus(a.Status)
	case StatePermanent:
		return types.Permanent(a.Err).WithStatus(a.Status)
	case StateRetryable:
		return types.Retryable(a.Err).WithStatus(a.Status)
	default:
		return types.Retryable(fmt.Errorf("delivery stopped in state %s", a.State))
	}
}

// Deliverer 執行投遞
type Deliverer struct {
	cfg      Config
	client   *http.Client
	resolver Resolver
	keys     KeySource
	logger   *zap.Logger
	metrics  *metrics.Collector
}

// New 建立 Deliverer。client 為 nil 時使用不跟隨 redirect 的預設 client
func New(cfg Config, client *http.Client, res Resolver, keys KeySource, logger *zap.Logger, m *metrics.Collector) *Deliverer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = 1 << 20
	}
	if client == nil {
		client = &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deliverer{
		cfg:      cfg,
		client:   client,
		resolver: res,
		keys:     keys,
		logger:   logger.Named("delivery"),
		metrics:  m,
	}
}

// Deliver 執行一次完整的投遞並回傳終態的 Attempt
func (d *Deliverer) Deliver(ctx context.Context, p types.DeliverActivity) Attempt {
	a := &Attempt{ActivityID: p.ActivityID}
	a.to(StatePending)

	a.to(StateResolving)
	target, err := d.resolveInbox(ctx, p)
	if err != nil {
		return a.fail(classifyResolution(err), err)
	}
	a.Target = target

	key, err := d.keys.Get(p.KeyID)
	if err != nil {
		return a.fail(StatePermanent, fmt.Errorf("%w: %v", ErrSigning, err))
	}

	d.send(ctx, a, p, key)

	if a.State == StatePermanent && isAuthFailure(a.Status) && d.staleKeyRetry(p) {
		d.logger.Info("inbox rejected signature, re-resolving recipient",
			zap.String("activity_id", p.ActivityID),
			zap.String("recipient", p.Recipient),
			zap.Int("status", a.Status))

		d.resolver.Invalidate(p.Recipient)
		a.Reattempted = true
		a.to(StateResolving)
		target, err := d.resolveInbox(ctx, p)
		if err != nil {
			return a.fail(classifyResolution(err), err)
		}
		a.Target = target
		d.send(ctx, a, p, key)
	}

	d.logger.Debug("delivery attempt finished",
		zap.String("activity_id", a.ActivityID),
		zap.String("target", a.Target),
		zap.Stringer("state", a.State),
		zap.Int("status", a.Status),
		zap.Duration("latency", a.Latency),
		zap.Bool("reattempted", a.Reattempted),
		zap.Error(a.Err))
	return *a
}

func (d *Deliverer) resolveInbox(ctx context.Context, p types.DeliverActivity) (string, error) {
	if p.Inbox != "" {
		if err := resolver.ValidateIdentifier(p.Inbox); err != nil {
			return "", err
		}
		return p.Inbox, nil
	}
	doc, err := d.resolver.Resolve(ctx, p.Recipient)
	if err != nil {
		return "", err
	}
	inbox := doc.DeliveryInbox(p.PreferSharedInbox)
	if inbox == "" {
		return "", fmt.Errorf("%w: %s", ErrNoInbox, doc.ID)
	}
	if err := resolver.ValidateIdentifier(inbox); err != nil {
		return "", err
	}
	return inbox, nil
}

// staleKeyRetry 決定 401/403 時是否值得失效快取再送一次
func (d *Deliverer) staleKeyRetry(p types.DeliverActivity) bool {
	if p.Recipient == "" {
		return false
	}
	age, ok := d.resolver.Age(p.Recipient)
	return !ok || age >= d.cfg.StaleKeyMinAge
}

// send 執行 Signing 與 Sending，結果寫回 a
func (d *Deliverer) send(ctx context.Context, a *Attempt, p types.DeliverActivity, key crypto.PrivateKey) {
	a.to(StateSigning)
	a.Status = 0
	a.Err = nil

	sctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(sctx, http.MethodPost, a.Target, bytes.NewReader(p.Activity))
	if err != nil {
		a.fail(StatePermanent, err)
		return
	}
	req.Header.Set("Content-Type", ContentType)
	if d.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", d.cfg.UserAgent)
	}
	signed, err := signature.Sign(req, p.Activity, p.KeyID, key)
	if err != nil {
		a.fail(StatePermanent, fmt.Errorf("%w: %v", ErrSigning, err))
		return
	}
	a.SignedHeaders = signed

	a.to(StateSending)
	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		a.Latency = time.Since(start)
		a.fail(StateRetryable, err)
		d.metrics.RecordDeliveryAttempt(a.State.String(), a.Latency.Seconds())
		return
	}
	n, readErr := io.Copy(io.Discard, io.LimitReader(resp.Body, d.cfg.MaxResponseBytes+1))
	resp.Body.Close()
	a.Latency = time.Since(start)
	a.Status = resp.StatusCode

	switch {
	case readErr != nil:
		a.fail(StateRetryable, readErr)
	case n > d.cfg.MaxResponseBytes:
		a.fail(StateRetryable, fmt.Errorf("%w: more than %d bytes", ErrResponseTooLarge, d.cfg.MaxResponseBytes))
	default:
		state := Classify(resp.StatusCode)
		if state == StateDelivered {
			a.to(state)
		} else {
			a.fail(state, &StatusError{Status: resp.StatusCode})
		}
	}
	d.metrics.RecordDeliveryAttempt(a.State.String(), a.Latency.Seconds())
}

// Classify maps an inbox response status to a terminal state.
func Classify(status int) State {
	switch {
	case status >= 200 && status <= 299:
		return StateDelivered
	case status == http.StatusTooManyRequests:
		return StateRetryable
	case status >= 400 && status <= 499:
		return StatePermanent
	default:
		// 5xx 與非標準狀態碼
		return StateRetryable
	}
}

func isAuthFailure(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

func classifyResolution(err error) State {
	switch {
	case errors.Is(err, resolver.ErrInvalidIdentifier), errors.Is(err, ErrNoInbox):
		return StatePermanent
	default:
		return StateRetryable
	}
}
