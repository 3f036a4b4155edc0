package resolver

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// PublicKeyInfo is the publicKey block of an actor document.
type PublicKeyInfo struct {
	ID    string `json:"id"`
	Owner string `json:"owner"`
	PEM   string `json:"publicKeyPem"`
}

// Document 遠端 actor 或 object 的解析結果
//
// 只保留 worker 需要的欄位；完整內容放在 Raw
type Document struct {
	ID                string
	Type              string
	Inbox             string
	Outbox            string
	SharedInbox       string
	PreferredUsername string
	Name              string
	PublicKey         *PublicKeyInfo

	// Collection 欄位（outbox / 分頁）
	First        json.RawMessage
	OrderedItems []json.RawMessage

	Raw       json.RawMessage
	FetchedAt time.Time
}

type wireDocument struct {
	ID                string          `json:"id"`
	Type              json.RawMessage `json:"type"`
	Inbox             string          `json:"inbox"`
	Outbox            string          `json:"outbox"`
	PreferredUsername string          `json:"preferredUsername"`
	Name              string          `json:"name"`
	PublicKey         json.RawMessage `json:"publicKey"`
	Endpoints         struct {
		SharedInbox string `json:"sharedInbox"`
	} `json:"endpoints"`
	First        json.RawMessage   `json:"first"`
	OrderedItems []json.RawMessage `json:"orderedItems"`
	Items        []json.RawMessage `json:"items"`
}

// ParseDocument decodes an ActivityStreams document. The id must be an
// absolute http(s) URI.
func ParseDocument(raw []byte) (*Document, error) {
	var w wireDocument
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if err := ValidateIdentifier(w.ID); err != nil {
		return nil, fmt.Errorf("document id: %w", err)
	}

	doc := &Document{
		ID:                w.ID,
		Type:              firstString(w.Type),
		Inbox:             w.Inbox,
		Outbox:            w.Outbox,
		SharedInbox:       w.Endpoints.SharedInbox,
		PreferredUsername: w.PreferredUsername,
		Name:              w.Name,
		First:             w.First,
		OrderedItems:      w.OrderedItems,
		Raw:               append(json.RawMessage(nil), raw...),
	}
	if len(doc.OrderedItems) == 0 {
		doc.OrderedItems = w.Items
	}

	if len(w.PublicKey) > 0 && string(w.PublicKey) != "null" {
		key, err := parsePublicKey(w.PublicKey)
		if err != nil {
			return nil, err
		}
		doc.PublicKey = key
	}
	return doc, nil
}

// publicKey 可能是單一物件或陣列，取第一個
func parsePublicKey(raw json.RawMessage) (*PublicKeyInfo, error) {
	var single PublicKeyInfo
	if err := json.Unmarshal(raw, &single); err == nil {
		return &single, nil
	}
	var many []PublicKeyInfo
	if err := json.Unmarshal(raw, &many); err != nil {
		return nil, fmt.Errorf("decode publicKey: %w", err)
	}
	if len(many) == 0 {
		return nil, nil
	}
	return &many[0], nil
}

func firstString(raw json.RawMessage) string {
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

// KeyID returns the document's public key id, or "".
func (d *Document) KeyID() string {
	if d == nil || d.PublicKey == nil {
		return ""
	}
	return d.PublicKey.ID
}

// DeliveryInbox picks the shared inbox when preferred and published.
func (d *Document) DeliveryInbox(preferShared bool) string {
	if preferShared && d.SharedInbox != "" {
		return d.SharedInbox
	}
	return d.Inbox
}

// Age is how long ago the document was fetched.
func (d *Document) Age(now time.Time) time.Duration {
	return now.Sub(d.FetchedAt)
}

// ValidateIdentifier checks that id is an absolute http(s) URI with a host.
func ValidateIdentifier(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidIdentifier)
	}
	u, err := url.Parse(id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidIdentifier, err)
	}
	if (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("%w: %q is not an absolute http(s) URI", ErrInvalidIdentifier, id)
	}
	return nil
}

// normalize strips the fragment so key ids and actor ids share a cache slot.
func normalize(id string) string {
	if i := strings.IndexByte(id, '#'); i >= 0 {
		return id[:i]
	}
	return id
}

func sameHost(a, b string) bool {
	ua, errA := url.Parse(a)
	ub, errB := url.Parse(b)
	return errA == nil && errB == nil && strings.EqualFold(ua.Host, ub.Host)
}
