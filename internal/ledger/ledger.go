// Package ledger is the local versioned row store. Each table keeps full
// JSON documents plus a few columns extracted from them for queries, and
// records its schema version in a shared bookkeeping table.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/TheMichaelB/weavesync/internal/events"
	"github.com/TheMichaelB/weavesync/internal/ledger/migrations"
	"github.com/TheMichaelB/weavesync/internal/models"
)

const metaTable = "silo_meta"

// Options configures a ledger.
type Options struct {
	// StrictSchema turns a table version mismatch into an error instead
	// of a warning.
	StrictSchema bool
}

// Ledger owns the database and the open table handles.
type Ledger struct {
	db     *sql.DB
	opts   Options
	logger *events.Logger
	now    func() time.Time

	mu     sync.Mutex
	tables map[string]*Table
}

// Open opens or creates the ledger database at path.
func Open(ctx context.Context, path string, opts Options, logger *events.Logger) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path+"?_journal=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection serialises writers; sqlite allows only one anyway.
	db.SetMaxOpenConns(1)

	l := &Ledger{
		db:     db,
		opts:   opts,
		logger: logger.WithField("component", "ledger"),
		now:    time.Now,
		tables: make(map[string]*Table),
	}

	if err := l.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	l.logger.WithField("path", path).Debug("Ledger opened")
	return l, nil
}

func (l *Ledger) migrate(ctx context.Context) error {
	provider, err := goose.NewProvider(goose.DialectSQLite3, l.db, migrations.Migrations,
		goose.WithLogger(&gooseLogger{logger: l.logger}),
	)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	for _, r := range results {
		l.logger.WithField("migration", r.Source.Path).Debug("Applied migration")
	}
	return nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Table opens the table described by schema, creating it and recording its
// version on first use. A stored version that differs from schema.Version
// is logged, and returned as *models.SchemaVersionMismatchError when the
// ledger is strict.
func (l *Ledger) Table(ctx context.Context, schema models.Schema) (*Table, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if t, ok := l.tables[schema.Table]; ok {
		return t, nil
	}

	t := &Table{ledger: l, schema: schema, logger: l.logger.WithField("table", schema.Table)}
	if err := l.ensure(ctx, t); err != nil {
		return nil, err
	}

	l.tables[schema.Table] = t
	return t, nil
}

// ensure creates the table if needed and checks its recorded version.
func (l *Ledger) ensure(ctx context.Context, t *Table) error {
	schema := t.schema

	var stored string
	err := l.db.QueryRowContext(ctx,
		"SELECT version FROM "+metaTable+" WHERE table_name = ?", schema.Table,
	).Scan(&stored)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return l.create(ctx, schema)
	case err != nil:
		return fmt.Errorf("read schema version of %s: %w", schema.Table, err)
	case stored != schema.Version:
		mismatch := &models.SchemaVersionMismatchError{
			Table:    schema.Table,
			Stored:   stored,
			Declared: schema.Version,
		}
		t.logger.WithFields(map[string]interface{}{
			"stored":   stored,
			"declared": schema.Version,
		}).Warn("Schema version mismatch")
		if l.opts.StrictSchema {
			return mismatch
		}
	}

	// Columns added to a schema since the table was created are not
	// back-filled; create the table again only if it went missing.
	_, err = l.db.ExecContext(ctx, createTableSQL(schema))
	if err != nil {
		return fmt.Errorf("create table %s: %w", schema.Table, err)
	}
	return nil
}

func (l *Ledger) create(ctx context.Context, schema models.Schema) error {
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("encode schema: %w", err)
	}

	return withTx(ctx, l.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, createTableSQL(schema)); err != nil {
			return fmt.Errorf("create table %s: %w", schema.Table, err)
		}
		for _, stmt := range createIndexSQL(schema) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("create index on %s: %w", schema.Table, err)
			}
		}
		_, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO "+metaTable+" (table_name, version, schema_json, created) VALUES (?, ?, ?, ?)",
			schema.Table, schema.Version, string(schemaJSON), l.now().UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("record schema of %s: %w", schema.Table, err)
		}

		l.logger.WithFields(map[string]interface{}{
			"table":   schema.Table,
			"version": schema.Version,
		}).Info("Created table")
		return nil
	})
}

// Schemas returns the descriptors recorded for every table.
func (l *Ledger) Schemas(ctx context.Context) ([]models.Schema, error) {
	rows, err := l.db.QueryContext(ctx, "SELECT schema_json FROM "+metaTable+" ORDER BY table_name")
	if err != nil {
		return nil, fmt.Errorf("query schemas: %w", err)
	}
	defer rows.Close()

	var schemas []models.Schema
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan schema: %w", err)
		}
		var s models.Schema
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return nil, fmt.Errorf("decode schema: %w", err)
		}
		schemas = append(schemas, s)
	}
	return schemas, rows.Err()
}

// ResetAll drops every recorded table and forgets open handles.
func (l *Ledger) ResetAll(ctx context.Context) error {
	schemas, err := l.Schemas(ctx)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	err = withTx(ctx, l.db, func(tx *sql.Tx) error {
		for _, s := range schemas {
			if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+quote(s.Table)); err != nil {
				return fmt.Errorf("drop %s: %w", s.Table, err)
			}
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM "+metaTable)
		return err
	})
	if err != nil {
		return err
	}

	l.tables = make(map[string]*Table)
	l.logger.WithField("tables", len(schemas)).Info("Ledger reset")
	return nil
}

func createTableSQL(schema models.Schema) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "CREATE TABLE IF NOT EXISTS %s (\n", quote(schema.Table))
	sb.WriteString("    id INTEGER PRIMARY KEY AUTOINCREMENT,\n")
	sb.WriteString("    uuid TEXT NOT NULL UNIQUE,\n")
	sb.WriteString("    created INTEGER NOT NULL,\n")
	sb.WriteString("    modified INTEGER NOT NULL,\n")
	for _, name := range schema.ColumnNames() {
		fmt.Fprintf(&sb, "    %s %s,\n", quote(name), schema.Columns[name])
	}
	sb.WriteString("    json TEXT NOT NULL\n)")
	return sb.String()
}

func createIndexSQL(schema models.Schema) []string {
	stmts := make([]string, 0, len(schema.Columns))
	for _, name := range schema.ColumnNames() {
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			quote("idx_"+schema.Table+"_"+name), quote(schema.Table), quote(name)))
	}
	return stmts
}

func quote(ident string) string {
	return `"` + ident + `"`
}

// withTx runs fn in a transaction, committing only if it succeeds.
func withTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// gooseLogger routes migration output into the ledger logger.
type gooseLogger struct {
	logger *events.Logger
}

func (g *gooseLogger) Printf(format string, v ...interface{}) {
	g.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (g *gooseLogger) Fatalf(format string, v ...interface{}) {
	g.logger.Error(strings.TrimSpace(fmt.Sprintf(format, v...)))
}
