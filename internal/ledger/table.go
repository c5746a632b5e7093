package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/TheMichaelB/weavesync/internal/events"
	"github.com/TheMichaelB/weavesync/internal/models"
)

// Table is a handle on one ledger table.
type Table struct {
	ledger *Ledger
	schema models.Schema
	logger *events.Logger
}

// Schema returns the table descriptor.
func (t *Table) Schema() models.Schema {
	return t.schema
}

// Save stores items in one transaction. Items without a uuid get a fresh
// one; an item whose uuid exists replaces that row, keeping its id and
// created time. Either every item is saved or none is.
func (t *Table) Save(ctx context.Context, items ...models.Stored) ([]*Row, error) {
	if len(items) == 0 {
		return nil, nil
	}

	saved := make([]*Row, 0, len(items))
	err := withTx(ctx, t.ledger.db, func(tx *sql.Tx) error {
		for _, item := range items {
			row, err := t.save(ctx, tx, item)
			if err != nil {
				return err
			}
			saved = append(saved, row)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("save to %s: %w", t.schema.Table, err)
	}

	// Only report ids back once the transaction is committed.
	for i, item := range items {
		if r, ok := item.(*Row); ok {
			*r = *saved[i]
		}
	}

	t.logger.WithField("rows", len(saved)).Debug("Saved rows")
	return saved, nil
}

func (t *Table) save(ctx context.Context, tx *sql.Tx, item models.Stored) (*Row, error) {
	doc := make(map[string]interface{}, len(item.Document()))
	for k, v := range item.Document() {
		doc[k] = v
	}

	id := item.UUID()
	if id == "" {
		id = uuid.NewString()
	}

	now := t.ledger.now()
	if t.schema.BeforeSave != nil {
		t.schema.BeforeSave(doc, now)
	}

	blob, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", id, err)
	}

	var (
		rowID            int64
		created, lastMod int64
	)
	err = tx.QueryRowContext(ctx,
		"SELECT id, created, modified FROM "+quote(t.schema.Table)+" WHERE uuid = ?", id,
	).Scan(&rowID, &created, &lastMod)
	exists := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("look up %s: %w", id, err)
	}

	modified := now.UnixMicro()
	if exists && modified <= lastMod {
		modified = lastMod + 1
	}
	if !exists {
		created = modified
	}

	names := t.schema.ColumnNames()
	values := make([]interface{}, 0, len(names)+4)
	for _, name := range names {
		values = append(values, columnValue(doc[name]))
	}

	if exists {
		sets := make([]string, 0, len(names)+2)
		for _, name := range names {
			sets = append(sets, quote(name)+" = ?")
		}
		sets = append(sets, "modified = ?", "json = ?")
		values = append(values, modified, string(blob), rowID)

		query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", quote(t.schema.Table), strings.Join(sets, ", "))
		if _, err := tx.ExecContext(ctx, query, values...); err != nil {
			return nil, fmt.Errorf("update %s: %w", id, err)
		}
	} else {
		cols := []string{"uuid", "created", "modified", "json"}
		args := []interface{}{id, created, modified, string(blob)}
		for i, name := range names {
			cols = append(cols, quote(name))
			args = append(args, values[i])
		}

		query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			quote(t.schema.Table), strings.Join(cols, ", "), placeholders(len(cols)))
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("insert %s: %w", id, err)
		}
		if rowID, err = res.LastInsertId(); err != nil {
			return nil, fmt.Errorf("insert %s: %w", id, err)
		}
	}

	return &Row{
		ID:       rowID,
		RowUUID:  id,
		Created:  time.UnixMicro(created).UTC(),
		Modified: time.UnixMicro(modified).UTC(),
		Doc:      doc,
	}, nil
}

// Find returns the row with the given local id.
func (t *Table) Find(ctx context.Context, id int64) (*Row, error) {
	return t.one(ctx, "id = ?", id)
}

// FindByUUID returns the row with the given uuid.
func (t *Table) FindByUUID(ctx context.Context, id string) (*Row, error) {
	return t.one(ctx, "uuid = ?", id)
}

// FindWhere returns rows whose columns equal every value in where, by id.
// A nil value matches NULL.
func (t *Table) FindWhere(ctx context.Context, where map[string]interface{}) ([]*Row, error) {
	keys := make([]string, 0, len(where))
	for k := range where {
		if !t.schema.HasColumn(k) {
			return nil, fmt.Errorf("table %s has no column %q", t.schema.Table, k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	conds := make([]string, 0, len(keys))
	args := make([]interface{}, 0, len(keys))
	for _, k := range keys {
		if where[k] == nil {
			conds = append(conds, quote(k)+" IS NULL")
			continue
		}
		conds = append(conds, quote(k)+" = ?")
		args = append(args, columnValue(where[k]))
	}

	fragment := "1"
	if len(conds) > 0 {
		fragment = strings.Join(conds, " AND ")
	}
	return t.Query(ctx, fragment+" ORDER BY id", args...)
}

// Query selects rows matching a WHERE fragment, which may carry ORDER BY
// and LIMIT clauses. An empty fragment selects every row.
func (t *Table) Query(ctx context.Context, fragment string, args ...interface{}) ([]*Row, error) {
	query := "SELECT id, uuid, created, modified, json FROM " + quote(t.schema.Table)
	if strings.TrimSpace(fragment) != "" {
		query += " WHERE " + fragment
	}

	rows, err := t.ledger.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", t.schema.Table, err)
	}
	defer rows.Close()

	var result []*Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", t.schema.Table, err)
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", t.schema.Table, err)
	}
	return result, nil
}

// Count counts rows matching a WHERE fragment; empty counts all.
func (t *Table) Count(ctx context.Context, fragment string, args ...interface{}) (int, error) {
	query := "SELECT COUNT(*) FROM " + quote(t.schema.Table)
	if strings.TrimSpace(fragment) != "" {
		query += " WHERE " + fragment
	}

	var n int
	if err := t.ledger.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", t.schema.Table, err)
	}
	return n, nil
}

// Delete removes the row with the given uuid.
func (t *Table) Delete(ctx context.Context, id string) error {
	res, err := t.ledger.db.ExecContext(ctx, "DELETE FROM "+quote(t.schema.Table)+" WHERE uuid = ?", id)
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// Reset drops the table and its recorded schema, then creates it again
// empty.
func (t *Table) Reset(ctx context.Context) error {
	l := t.ledger
	l.mu.Lock()
	defer l.mu.Unlock()

	err := withTx(ctx, l.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+quote(t.schema.Table)); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM "+metaTable+" WHERE table_name = ?", t.schema.Table)
		return err
	})
	if err != nil {
		return fmt.Errorf("reset %s: %w", t.schema.Table, err)
	}

	t.logger.Info("Table reset")
	if err := l.create(ctx, t.schema); err != nil {
		return err
	}
	l.tables[t.schema.Table] = t
	return nil
}

func (t *Table) one(ctx context.Context, cond string, arg interface{}) (*Row, error) {
	rows, err := t.Query(ctx, cond+" LIMIT 1", arg)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, models.ErrNotFound
	}
	return rows[0], nil
}

func scanRow(rows *sql.Rows) (*Row, error) {
	var (
		row               Row
		created, modified int64
		blob              string
	)
	if err := rows.Scan(&row.ID, &row.RowUUID, &created, &modified, &blob); err != nil {
		return nil, err
	}
	row.Created = time.UnixMicro(created).UTC()
	row.Modified = time.UnixMicro(modified).UTC()

	row.Doc = make(map[string]interface{})
	if err := json.Unmarshal([]byte(blob), &row.Doc); err != nil {
		return nil, fmt.Errorf("decode row %s: %w", row.RowUUID, err)
	}
	return &row, nil
}

// columnValue converts a document value into something sqlite can bind.
func columnValue(v interface{}) interface{} {
	switch val := v.(type) {
	case nil, string, bool, int, int32, int64, float32, float64:
		return val
	case json.RawMessage:
		return string(val)
	case []byte:
		return string(val)
	case *int64:
		if val == nil {
			return nil
		}
		return *val
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
