package models

import (
	"fmt"
	"regexp"
	"sort"
	"time"
)

// ColumnType is the declared affinity of an extracted column.
type ColumnType string

const (
	ColumnText    ColumnType = "TEXT"
	ColumnNumeric ColumnType = "NUMERIC"
)

// Columns every ledger table carries regardless of its schema.
const (
	ColumnID       = "id"
	ColumnUUID     = "uuid"
	ColumnCreated  = "created"
	ColumnModified = "modified"
	ColumnBlob     = "json"
)

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Schema describes one ledger table: its name, the version of the row
// shape stored in it and the columns extracted from each row for queries.
type Schema struct {
	Table   string                `json:"table_name"`
	Version string                `json:"version"`
	Columns map[string]ColumnType `json:"columns"`

	// BeforeSave may stamp extra fields on a document just before it is
	// written.
	BeforeSave func(doc map[string]interface{}, now time.Time) `json:"-"`
}

// ColumnNames returns the extracted column names in stable order.
func (s Schema) ColumnNames() []string {
	names := make([]string, 0, len(s.Columns))
	for name := range s.Columns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasColumn reports whether name can be used in a predicate.
func (s Schema) HasColumn(name string) bool {
	switch name {
	case ColumnID, ColumnUUID, ColumnCreated, ColumnModified:
		return true
	}
	_, ok := s.Columns[name]
	return ok
}

// Validate checks names so they can be interpolated into SQL safely.
func (s Schema) Validate() error {
	if !identifierRe.MatchString(s.Table) {
		return fmt.Errorf("invalid table name %q", s.Table)
	}
	if s.Version == "" {
		return fmt.Errorf("table %s: version is required", s.Table)
	}
	for name, typ := range s.Columns {
		if !identifierRe.MatchString(name) {
			return fmt.Errorf("table %s: invalid column name %q", s.Table, name)
		}
		switch name {
		case ColumnID, ColumnUUID, ColumnCreated, ColumnModified, ColumnBlob:
			return fmt.Errorf("table %s: column %q is reserved", s.Table, name)
		}
		if typ != ColumnText && typ != ColumnNumeric {
			return fmt.Errorf("table %s: column %s has unsupported type %q", s.Table, name, typ)
		}
	}
	return nil
}
