package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedPayload 表示 payload 無法解析或缺少必要欄位
var ErrMalformedPayload = errors.New("malformed job payload")

// Payload is the decoded, self-describing body of a job. Exactly one concrete
// type exists per Kind.
type Payload interface {
	Kind() Kind
	Validate() error
}

// DeliverActivity POSTs a signed activity to a recipient inbox.
type DeliverActivity struct {
	ActivityID string          `json:"activity_id"`
	Activity   json.RawMessage `json:"activity"`

	// Recipient 是遠端 actor 的 URI；Inbox 直接指定則跳過解析
	Recipient         string `json:"recipient,omitempty"`
	Inbox             string `json:"inbox,omitempty"`
	PreferSharedInbox bool   `json:"prefer_shared_inbox,omitempty"`

	// KeyID 是本地 actor 的簽名金鑰 id
	KeyID string `json:"key_id"`
}

func (DeliverActivity) Kind() Kind { return KindDeliverActivity }

func (p DeliverActivity) Validate() error {
	switch {
	case p.ActivityID == "":
		return fieldError("activity_id")
	case len(p.Activity) == 0 || !json.Valid(p.Activity):
		return fieldError("activity")
	case p.Recipient == "" && p.Inbox == "":
		return fieldError("recipient")
	case p.KeyID == "":
		return fieldError("key_id")
	}
	return nil
}

// ProcessMedia validates, hashes and resizes one media asset.
type ProcessMedia struct {
	AssetID string `json:"asset_id"`

	// 二擇一：SourceURI 遠端來源，UploadKey 為 blob store 中的暫存上傳
	SourceURI string `json:"source_uri,omitempty"`
	UploadKey string `json:"upload_key,omitempty"`

	ContentType string `json:"content_type,omitempty"`
}

func (ProcessMedia) Kind() Kind { return KindProcessMedia }

func (p ProcessMedia) Validate() error {
	if p.AssetID == "" {
		return fieldError("asset_id")
	}
	if (p.SourceURI == "") == (p.UploadKey == "") {
		return fmt.Errorf("%w: exactly one of source_uri and upload_key is required", ErrMalformedPayload)
	}
	return nil
}

// DigestOutbox pulls the newest items of a remote outbox collection.
type DigestOutbox struct {
	Outbox string `json:"outbox"`
	Limit  int    `json:"limit,omitempty"`
}

func (DigestOutbox) Kind() Kind { return KindDigestOutbox }

func (p DigestOutbox) Validate() error {
	if p.Outbox == "" {
		return fieldError("outbox")
	}
	if p.Limit < 0 {
		return fieldError("limit")
	}
	return nil
}

// RefreshActor forces a refetch of a cached actor document.
type RefreshActor struct {
	ActorID string `json:"actor_id"`
}

func (RefreshActor) Kind() Kind { return KindRefreshActor }

func (p RefreshActor) Validate() error {
	if p.ActorID == "" {
		return fieldError("actor_id")
	}
	return nil
}

func fieldError(field string) error {
	return fmt.Errorf("%w: missing or invalid %s", ErrMalformedPayload, field)
}

// Encode validates p and serialises it.
func Encode(p Payload) (json.RawMessage, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrMalformedPayload)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(p)
}

// Decode returns the typed payload of job.
func Decode(job Job) (Payload, error) {
	return DecodePayload(job.Kind, job.Payload)
}

// DecodePayload parses raw as the payload type of kind. Unknown fields are
// rejected so a payload for one kind cannot be silently routed as another.
func DecodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch kind {
	case KindDeliverActivity:
		var v DeliverActivity
		if err := strictUnmarshal(raw, &v); err != nil {
			return nil, err
		}
		p = v
	case KindProcessMedia:
		var v ProcessMedia
		if err := strictUnmarshal(raw, &v); err != nil {
			return nil, err
		}
		p = v
	case KindDigestOutbox:
		var v DigestOutbox
		if err := strictUnmarshal(raw, &v); err != nil {
			return nil, err
		}
		p = v
	case KindRefreshActor:
		var v RefreshActor
		if err := strictUnmarshal(raw, &v); err != nil {
			return nil, err
		}
		p = v
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformedPayload, kind)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty payload", ErrMalformedPayload)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}
