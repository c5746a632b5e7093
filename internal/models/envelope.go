package models

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is a record as served by the storage service. Payload holds the
// raw JSON value, which the service normally delivers as a JSON-encoded
// string.
type Envelope struct {
	ID        string          `json:"id"`
	Modified  float64         `json:"modified"`
	SortIndex int64           `json:"sortindex,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`

	// Set locally.
	Collection string `json:"-"`
	URL        string `json:"-"`
}

// ModifiedTime converts the service timestamp (seconds) to a time.
func (e *Envelope) ModifiedTime() time.Time {
	return SecondsToTime(e.Modified)
}

// HasPayload reports whether the envelope carries a payload at all.
func (e *Envelope) HasPayload() bool {
	p := bytes.TrimSpace(e.Payload)
	return len(p) > 0 && !bytes.Equal(p, []byte("null")) && !bytes.Equal(p, []byte(`""`))
}

// DecodePayload unmarshals the payload into v, unwrapping the string
// encoding when present.
func (e *Envelope) DecodePayload(v interface{}) error {
	if !e.HasPayload() {
		return ErrNoPayload
	}

	raw := bytes.TrimSpace(e.Payload)
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return &MalformedEnvelopeError{ID: e.ID, Reason: "payload string", Err: err}
		}
		raw = []byte(inner)
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return &MalformedEnvelopeError{ID: e.ID, Reason: "payload json", Err: err}
	}
	return nil
}

// PrivateKeyPayload is the payload of the account's private key record.
type PrivateKeyPayload struct {
	Type      string `json:"type,omitempty"`
	Salt      string `json:"salt"`
	IV        string `json:"iv"`
	KeyData   string `json:"keyData"`
	PublicKey string `json:"publicKey,omitempty"`
}

// PublicKeyPayload is the payload of the account's public key record.
type PublicKeyPayload struct {
	Type       string `json:"type,omitempty"`
	KeyData    string `json:"keyData"`
	PrivateKey string `json:"privateKey,omitempty"`
}

// SymmetricKeyPayload is the payload of a symmetric key record: the bulk
// key wrapped once per public key, plus the IV shared by records it
// protects.
type SymmetricKeyPayload struct {
	BulkIV  string            `json:"bulkIV"`
	Keyring map[string]string `json:"keyring"`
}

// RecordPayload is the payload of an encrypted collection record.
type RecordPayload struct {
	Ciphertext string `json:"ciphertext"`
	Encryption string `json:"encryption"`
}

// DecodeBase64 decodes a payload field, naming it in the error.
func DecodeBase64(id, field, value string) ([]byte, error) {
	if value == "" {
		return nil, &MalformedEnvelopeError{ID: id, Reason: fmt.Sprintf("missing %s", field)}
	}
	data, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, &MalformedEnvelopeError{ID: id, Reason: fmt.Sprintf("decode %s", field), Err: err}
	}
	return data, nil
}

// SecondsToTime converts fractional unix seconds.
func SecondsToTime(s float64) time.Time {
	if s == 0 {
		return time.Time{}
	}
	sec := int64(s)
	nsec := int64((s - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

// TimeToSeconds converts a time to fractional unix seconds.
func TimeToSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}
