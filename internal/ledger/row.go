package ledger

import (
	"encoding/json"
	"fmt"
	"time"
)

// Row is one stored document. Doc is the full document; extracted columns
// are derived from it on every save.
type Row struct {
	ID       int64                  `json:"id"`
	RowUUID  string                 `json:"uuid"`
	Created  time.Time              `json:"created"`
	Modified time.Time              `json:"modified"`
	Doc      map[string]interface{} `json:"doc"`
}

// NewRow builds a row from any JSON-encodable value.
func NewRow(uuid string, v interface{}) (*Row, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode row: %w", err)
	}
	doc := make(map[string]interface{})
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("row must encode to an object: %w", err)
	}
	return &Row{RowUUID: uuid, Doc: doc}, nil
}

// UUID implements models.Stored.
func (r *Row) UUID() string {
	return r.RowUUID
}

// Document implements models.Stored.
func (r *Row) Document() map[string]interface{} {
	return r.Doc
}

// Decode unmarshals the document into v.
func (r *Row) Decode(v interface{}) error {
	data, err := json.Marshal(r.Doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode row %s: %w", r.RowUUID, err)
	}
	return nil
}

// String returns a document field as a string, or "".
func (r *Row) String(key string) string {
	s, _ := r.Doc[key].(string)
	return s
}

// Float returns a numeric document field, or 0.
func (r *Row) Float(key string) float64 {
	switch v := r.Doc[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}
