package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteBackend persists records in a single table. Each row carries the
// record as JSON plus the columns needed for child and GUID lookups; the
// rowid preserves creation order across upserts.
type SQLiteBackend struct {
	db *sql.DB
}

var (
	_ Backend    = (*SQLiteBackend)(nil)
	_ Transactor = (*SQLiteBackend)(nil)
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS nodes (
	id TEXT PRIMARY KEY,
	parent_id TEXT,
	guid TEXT NOT NULL UNIQUE,
	record JSON NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_nodes_parent ON nodes(parent_id);
`

// OpenSQLiteBackend opens (creating if needed) the database at dbPath.
// ":memory:" gives a private in-memory database.
func OpenSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	// One connection: keeps ":memory:" databases coherent and serialises
	// writers the way the importer expects.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=DELETE"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal_mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set synchronous: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

// querier is the subset of *sql.DB and *sql.Tx the backend needs.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqliteTxKey struct{}

func (b *SQLiteBackend) conn(ctx context.Context) querier {
	if tx, ok := ctx.Value(sqliteTxKey{}).(*sql.Tx); ok {
		return tx
	}
	return b.db
}

func (b *SQLiteBackend) Load(ctx context.Context, id string) (*Record, error) {
	var raw []byte
	err := b.conn(ctx).QueryRowContext(ctx, "SELECT record FROM nodes WHERE id = ?", id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load %q: %w", id, err)
	}
	return decodeRecord(raw)
}

func (b *SQLiteBackend) Save(ctx context.Context, rec *Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %q: %w", rec.ID, err)
	}
	var parent any = rec.Parent
	if rec.ID == RootID {
		parent = nil
	}
	_, err = b.conn(ctx).ExecContext(ctx, `
		INSERT INTO nodes (id, parent_id, guid, record) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			parent_id = excluded.parent_id,
			guid = excluded.guid,
			record = excluded.record`,
		rec.ID, parent, rec.GUID, string(raw))
	if err != nil {
		return fmt.Errorf("save %q: %w", rec.ID, err)
	}
	return nil
}

func (b *SQLiteBackend) Remove(ctx context.Context, id string) error {
	res, err := b.conn(ctx).ExecContext(ctx, "DELETE FROM nodes WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("remove %q: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("remove %q: %w", id, ErrNotFound)
	}
	return nil
}

func (b *SQLiteBackend) ChildIDs(ctx context.Context, parentID string) ([]string, error) {
	var exists int
	err := b.conn(ctx).QueryRowContext(ctx, "SELECT 1 FROM nodes WHERE id = ?", parentID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("children of %q: %w", parentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("children of %q: %w", parentID, err)
	}
	return b.queryIDs(ctx, "SELECT id FROM nodes WHERE parent_id = ? ORDER BY rowid", parentID)
}

func (b *SQLiteBackend) LookupGUID(ctx context.Context, guid string) (string, error) {
	var id string
	err := b.conn(ctx).QueryRowContext(ctx, "SELECT id FROM nodes WHERE guid = ?", guid).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("guid %q: %w", guid, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("guid %q: %w", guid, err)
	}
	return id, nil
}

func (b *SQLiteBackend) IDs(ctx context.Context) ([]string, error) {
	return b.queryIDs(ctx, "SELECT id FROM nodes ORDER BY rowid")
}

func (b *SQLiteBackend) queryIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := b.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// WithTx runs fn inside a database transaction, committing when fn
// succeeds. Nested calls join the outer transaction.
func (b *SQLiteBackend) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(sqliteTxKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(context.WithValue(ctx, sqliteTxKey{}, tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
