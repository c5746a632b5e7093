package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Kind selects a synchronised collection and its local row shape.
type Kind int

const (
	KindHistory Kind = iota + 1
	KindBookmarks
	KindTabs
)

// RecordVersion is the row shape version of every weave_* table.
const RecordVersion = "0.0.1"

// Kinds lists the supported collections.
func Kinds() []Kind {
	return []Kind{KindHistory, KindBookmarks, KindTabs}
}

// ParseKind resolves a remote collection name.
func ParseKind(collection string) (Kind, error) {
	for _, k := range Kinds() {
		if k.String() == collection {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
}

// String returns the remote collection name.
func (k Kind) String() string {
	switch k {
	case KindHistory:
		return "history"
	case KindBookmarks:
		return "bookmarks"
	case KindTabs:
		return "tabs"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Schema returns the ledger table descriptor for the kind.
func (k Kind) Schema() Schema {
	common := map[string]ColumnType{
		"sortindex":      ColumnNumeric,
		"weave_modified": ColumnNumeric,
		"local_created":  ColumnNumeric,
		"local_modified": ColumnNumeric,
	}

	var extra map[string]ColumnType
	switch k {
	case KindHistory:
		extra = map[string]ColumnType{
			"histUri":     ColumnText,
			"title":       ColumnText,
			"visit_count": ColumnNumeric,
			"frecency":    ColumnNumeric,
		}
	case KindBookmarks:
		extra = map[string]ColumnType{
			"title":    ColumnText,
			"bmkUri":   ColumnText,
			"type":     ColumnText,
			"parentid": ColumnText,
		}
	case KindTabs:
		extra = map[string]ColumnType{
			"clientName": ColumnText,
			"tab_count":  ColumnNumeric,
		}
	}
	for name, typ := range extra {
		common[name] = typ
	}

	return Schema{
		Table:      "weave_" + k.String(),
		Version:    RecordVersion,
		Columns:    common,
		BeforeSave: stampLocalTimes,
	}
}

// stampLocalTimes keeps local timestamps apart from the service's own
// modified time, in seconds for easy comparison with it.
func stampLocalTimes(doc map[string]interface{}, now time.Time) {
	secs := TimeToSeconds(now)
	if v, ok := doc["local_created"]; !ok || v == nil {
		doc["local_created"] = secs
	}
	doc["local_modified"] = secs
}

// Stored is anything the ledger persists as a document.
type Stored interface {
	UUID() string
	Document() map[string]interface{}
}

// Decryptable is a stored record whose content arrives encrypted.
type Decryptable interface {
	Stored
	Kind() Kind
	Envelope() *Envelope
	SetCleartext(raw json.RawMessage) error
}

// NewRecord wraps an envelope in the record type for kind.
func NewRecord(kind Kind, env *Envelope) (Decryptable, error) {
	base := baseRecord{env: env}
	switch kind {
	case KindHistory:
		return &History{baseRecord: base}, nil
	case KindBookmarks:
		return &Bookmark{baseRecord: base}, nil
	case KindTabs:
		return &Tab{baseRecord: base}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, kind)
	}
}

type baseRecord struct {
	env       *Envelope
	cleartext json.RawMessage
}

func (b *baseRecord) UUID() string        { return b.env.ID }
func (b *baseRecord) Envelope() *Envelope { return b.env }

func (b *baseRecord) document() map[string]interface{} {
	doc := map[string]interface{}{
		"weave_id":       b.env.ID,
		"weave_modified": b.env.Modified,
		"sortindex":      b.env.SortIndex,
	}
	if len(b.cleartext) > 0 {
		doc["cleartext"] = b.cleartext
	}
	return doc
}

// first returns the first object of a cleartext that may be a bare object
// or an array of objects.
func first(raw json.RawMessage) json.RawMessage {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '[' {
		return raw
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil || len(items) == 0 {
		return nil
	}
	return items[0]
}

// History is a browser history entry.
type History struct {
	baseRecord
	HistURI string  `json:"histUri"`
	Title   string  `json:"title"`
	Visits  []Visit `json:"visits"`
}

// Visit is one visit of a history entry.
type Visit struct {
	Date int64 `json:"date"`
	Type int   `json:"type"`
}

func (h *History) Kind() Kind { return KindHistory }

func (h *History) SetCleartext(raw json.RawMessage) error {
	h.cleartext = raw
	obj := first(raw)
	if len(obj) == 0 {
		return nil
	}
	var v struct {
		HistURI string  `json:"histUri"`
		Title   string  `json:"title"`
		Visits  []Visit `json:"visits"`
	}
	if err := json.Unmarshal(obj, &v); err != nil {
		return &MalformedEnvelopeError{ID: h.env.ID, Reason: "history cleartext", Err: err}
	}
	h.HistURI, h.Title, h.Visits = v.HistURI, v.Title, v.Visits
	return nil
}

func (h *History) Document() map[string]interface{} {
	doc := h.document()
	doc["histUri"] = h.HistURI
	doc["title"] = h.Title
	doc["visit_count"] = len(h.Visits)
	doc["frecency"] = 0
	return doc
}

// Bookmark is a browser bookmark, folder or separator.
type Bookmark struct {
	baseRecord
	Type     string `json:"type"`
	Title    string `json:"title"`
	BmkURI   string `json:"bmkUri"`
	ParentID string `json:"parentid"`
}

func (b *Bookmark) Kind() Kind { return KindBookmarks }

func (b *Bookmark) SetCleartext(raw json.RawMessage) error {
	b.cleartext = raw
	obj := first(raw)
	if len(obj) == 0 {
		return nil
	}
	var v struct {
		Type     string `json:"type"`
		Title    string `json:"title"`
		BmkURI   string `json:"bmkUri"`
		ParentID string `json:"parentid"`
	}
	if err := json.Unmarshal(obj, &v); err != nil {
		return &MalformedEnvelopeError{ID: b.env.ID, Reason: "bookmark cleartext", Err: err}
	}
	b.Type, b.Title, b.BmkURI, b.ParentID = v.Type, v.Title, v.BmkURI, v.ParentID
	return nil
}

func (b *Bookmark) Document() map[string]interface{} {
	doc := b.document()
	doc["type"] = b.Type
	doc["title"] = b.Title
	doc["bmkUri"] = b.BmkURI
	doc["parentid"] = b.ParentID
	return doc
}

// Tab is the set of open tabs of one client.
type Tab struct {
	baseRecord
	ClientName string     `json:"clientName"`
	Tabs       []TabEntry `json:"tabs"`
}

// TabEntry is one open tab.
type TabEntry struct {
	Title      string   `json:"title"`
	URLHistory []string `json:"urlHistory"`
	Icon       string   `json:"icon,omitempty"`
	LastUsed   int64    `json:"lastUsed"`
}

func (t *Tab) Kind() Kind { return KindTabs }

func (t *Tab) SetCleartext(raw json.RawMessage) error {
	t.cleartext = raw
	obj := first(raw)
	if len(obj) == 0 {
		return nil
	}
	var v struct {
		ClientName string     `json:"clientName"`
		Tabs       []TabEntry `json:"tabs"`
	}
	if err := json.Unmarshal(obj, &v); err != nil {
		return &MalformedEnvelopeError{ID: t.env.ID, Reason: "tabs cleartext", Err: err}
	}
	t.ClientName, t.Tabs = v.ClientName, v.Tabs
	return nil
}

func (t *Tab) Document() map[string]interface{} {
	doc := t.document()
	doc["clientName"] = t.ClientName
	doc["tab_count"] = len(t.Tabs)
	return doc
}
