// ============================================================================
// fedqueue Signature Codec - HTTP Signatures
// ============================================================================
//
// Package: internal/signature
// 文件: signature.go
//
// 簽名範圍:
//   POST: (request-target) host date digest
//   GET:  (request-target) host date
//   演算法固定為 rsa-sha256，Digest 使用 SHA-256
//
// 驗證順序:
//   1. Date 缺失或超出允許時鐘偏移 → Expired
//   2. Signature header 無法解析、缺少必要 header、Digest 與 body 不符 → Mismatch
//   3. keyId 無法解析成公鑰 → UnknownKey
//   4. 簽名驗證失敗且公鑰來自快取 → 強制刷新一次後重試，仍失敗 → Mismatch
//
// ============================================================================

package signature

import (
	"context"
	"crypto"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-fed/httpsig"
)

var (
	ErrUnknownKey = errors.New("signature: unknown key")
	ErrExpired    = errors.New("signature: expired")
	ErrMismatch   = errors.New("signature: mismatch")
)

const digestPrefix = "SHA-256="

// DefaultClockSkew 是 Date header 允許的最大偏移
const DefaultClockSkew = 12 * time.Hour

var (
	bodyHeaders    = []string{httpsig.RequestTarget, "host", "date", "digest"}
	bodylessHeader = []string{httpsig.RequestTarget, "host", "date"}

	paramPattern = regexp.MustCompile(`(\w+)="([^"]*)"`)
)

// VerificationError carries the failure kind (one of ErrUnknownKey,
// ErrExpired, ErrMismatch) and the underlying cause.
type VerificationError struct {
	Kind  error
	KeyID string
	Err   error
}

func (e *VerificationError) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

func (e *VerificationError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func verificationError(kind error, keyID string, err error) error {
	return &VerificationError{Kind: kind, KeyID: keyID, Err: err}
}

// Sign adds Date (when absent), Host, Digest (when body is non-nil) and
// Signature headers to r. It returns the headers that were signed.
func Sign(r *http.Request, body []byte, keyID string, key crypto.PrivateKey) (http.Header, error) {
	return SignAt(r, body, keyID, key, time.Now())
}

// SignAt is Sign with an explicit clock.
func SignAt(r *http.Request, body []byte, keyID string, key crypto.PrivateKey, now time.Time) (http.Header, error) {
	if r.Header.Get("Date") == "" {
		r.Header.Set("Date", now.UTC().Format(http.TimeFormat))
	}
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	r.Header.Set("Host", host)

	headers := bodylessHeader
	if body != nil {
		headers = bodyHeaders
		r.Header.Del("Digest")
	}

	// httpsig.Signer 不是併發安全的，每次簽名建立新的
	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		headers,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}
	if err := signer.SignRequest(key, keyID, r, body); err != nil {
		return nil, fmt.Errorf("failed to sign request: %w", err)
	}

	signed := make(http.Header)
	for _, h := range []string{"Date", "Host", "Digest", "Signature"} {
		if v := r.Header.Get(h); v != "" {
			signed.Set(h, v)
		}
	}
	return signed, nil
}

// Key is a resolved public key and the actor that owns it.
type Key struct {
	ID     string
	Owner  string
	Public crypto.PublicKey
}

// KeyResolver looks up public keys by key id. PublicKey reports whether the
// key was served from cache so a failed verification can force one refresh.
type KeyResolver interface {
	PublicKey(ctx context.Context, keyID string) (Key, bool, error)
	RefreshPublicKey(ctx context.Context, keyID string) (Key, error)
}

// Identity is the verified signer of a request.
type Identity struct {
	KeyID string
	Owner string
}

// Verifier checks inbound request signatures.
type Verifier struct {
	Keys      KeyResolver
	ClockSkew time.Duration
	Now       func() time.Time
}

func NewVerifier(keys KeyResolver, clockSkew time.Duration) *Verifier {
	if clockSkew <= 0 {
		clockSkew = DefaultClockSkew
	}
	return &Verifier{Keys: keys, ClockSkew: clockSkew, Now: time.Now}
}

// Verify authenticates r whose body has already been read into body.
func (v *Verifier) Verify(ctx context.Context, r *http.Request, body []byte) (Identity, error) {
	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}

	date, err := http.ParseTime(r.Header.Get("Date"))
	if err != nil {
		return Identity{}, verificationError(ErrExpired, "", fmt.Errorf("missing or invalid Date: %w", err))
	}
	if skew := now.Sub(date); skew > v.ClockSkew || -skew > v.ClockSkew {
		return Identity{}, verificationError(ErrExpired, "", fmt.Errorf("date %s outside allowed skew", date.Format(time.RFC3339)))
	}

	// 伺服器端 Go 會把 Host 從 Header 移到 r.Host
	if r.Header.Get("Host") == "" {
		r.Header.Set("Host", r.Host)
	}

	verifier, err := httpsig.NewVerifier(r)
	if err != nil {
		return Identity{}, verificationError(ErrMismatch, "", err)
	}
	keyID := verifier.KeyId()

	required := bodylessHeader
	if len(body) > 0 || r.Header.Get("Digest") != "" {
		required = bodyHeaders
	}
	if err := requireCovered(signatureHeader(r), required); err != nil {
		return Identity{}, verificationError(ErrMismatch, keyID, err)
	}
	if len(body) > 0 || r.Header.Get("Digest") != "" {
		if err := checkDigest(r.Header.Values("Digest"), body); err != nil {
			return Identity{}, verificationError(ErrMismatch, keyID, err)
		}
	}

	key, cached, err := v.Keys.PublicKey(ctx, keyID)
	if err != nil {
		return Identity{}, verificationError(ErrUnknownKey, keyID, err)
	}

	verr := verifier.Verify(key.Public, httpsig.RSA_SHA256)
	if verr != nil && cached {
		// 對方可能輪換了金鑰：刷新一次後重試
		refreshed, err := v.Keys.RefreshPublicKey(ctx, keyID)
		if err != nil {
			return Identity{}, verificationError(ErrUnknownKey, keyID, err)
		}
		key = refreshed
		verr = verifier.Verify(key.Public, httpsig.RSA_SHA256)
	}
	if verr != nil {
		return Identity{}, verificationError(ErrMismatch, keyID, verr)
	}

	return Identity{KeyID: keyID, Owner: key.Owner}, nil
}

// DigestOf returns the Digest header value for body.
func DigestOf(body []byte) string {
	sum := sha256.Sum256(body)
	return digestPrefix + base64.StdEncoding.EncodeToString(sum[:])
}

func checkDigest(values []string, body []byte) error {
	want := DigestOf(body)
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if len(part) > len(digestPrefix) && strings.EqualFold(part[:len(digestPrefix)], digestPrefix) {
				if subtle.ConstantTimeCompare([]byte(digestPrefix+part[len(digestPrefix):]), []byte(want)) == 1 {
					return nil
				}
				return errors.New("digest does not match body")
			}
		}
	}
	return errors.New("missing SHA-256 digest")
}

func signatureHeader(r *http.Request) string {
	if s := r.Header.Get("Signature"); s != "" {
		return s
	}
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Signature ")
}

// requireCovered checks the signature's headers parameter lists every
// header in required.
func requireCovered(sig string, required []string) error {
	covered := map[string]bool{}
	for _, m := range paramPattern.FindAllStringSubmatch(sig, -1) {
		if m[1] != "headers" {
			continue
		}
		for _, h := range strings.Fields(strings.ToLower(m[2])) {
			covered[h] = true
		}
	}
	for _, h := range required {
		if !covered[h] {
			return fmt.Errorf("signature does not cover %q", h)
		}
	}
	return nil
}

// OwnerOf strips the fragment from a key id, which by convention yields the
// owning actor's URI.
func OwnerOf(keyID string) string {
	if i := strings.IndexByte(keyID, '#'); i >= 0 {
		return keyID[:i]
	}
	return keyID
}
