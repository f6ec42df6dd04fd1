// Package postgres implements storage.Store on pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/FranksOps/deedscan/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	_ storage.Store   = (*Store)(nil)
	_ storage.Session = (*session)(nil)
)

// schemaLockKey serializes concurrent EnsureSchema calls across processes.
const schemaLockKey = 0x6465656473 // "deeds"

const uniqueViolation = "23505"

// Store is a Postgres-backed dedup store.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to dsn with at most maxConns pooled connections.
func New(ctx context.Context, dsn string, maxConns int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// EnsureSchema creates the deeds table and adds any missing optional column
// under a transaction-scoped advisory lock.
func (s *Store) EnsureSchema(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", storage.ErrSchemaDrift, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", int64(schemaLockKey)); err != nil {
		return fmt.Errorf("%w: lock: %v", storage.ErrSchemaDrift, err)
	}

	create := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL,
	doc_url TEXT NOT NULL UNIQUE
)`, storage.Table)
	if _, err := tx.Exec(ctx, create); err != nil {
		return fmt.Errorf("%w: create table: %v", storage.ErrSchemaDrift, err)
	}

	// Tables created by other tools may lack the id used for insertion order.
	if _, err := tx.Exec(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS id BIGSERIAL", storage.Table)); err != nil {
		return fmt.Errorf("%w: add column id: %v", storage.ErrSchemaDrift, err)
	}

	for _, c := range storage.Columns {
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s", storage.Table, c.Name, columnType(c))
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("%w: add column %s: %v", storage.ErrSchemaDrift, c.Name, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %v", storage.ErrSchemaDrift, err)
	}
	return nil
}

func columnType(c storage.Column) string {
	if c.Numeric {
		return "DOUBLE PRECISION"
	}
	return "TEXT"
}

// Session acquires one pooled connection for the caller's exclusive use.
func (s *Store) Session(ctx context.Context) (storage.Session, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: acquire conn: %w", err)
	}
	return &session{conn: conn}, nil
}

// Latest returns the n most recently inserted records.
func (s *Store) Latest(ctx context.Context, n int) ([]*storage.DocumentRecord, error) {
	rows, err := s.pool.Query(ctx, selectAll()+" ORDER BY id DESC LIMIT $1", n)
	if err != nil {
		return nil, fmt.Errorf("postgres: latest: %w", err)
	}
	defer rows.Close()

	var out []*storage.DocumentRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: latest: %w", err)
	}
	return out, nil
}

// Each streams every record in insertion order.
func (s *Store) Each(ctx context.Context, fn func(*storage.DocumentRecord) error) error {
	rows, err := s.pool.Query(ctx, selectAll()+" ORDER BY id ASC")
	if err != nil {
		return fmt.Errorf("postgres: scan all: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("postgres: scan all: %w", err)
	}
	return nil
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

type session struct {
	conn *pgxpool.Conn
}

func (s *session) Lookup(ctx context.Context, docURL string) (*storage.DocumentRecord, error) {
	cols := storage.ColumnNames()
	query := fmt.Sprintf("SELECT %s FROM %s WHERE doc_url = $1", strings.Join(cols, ", "), storage.Table)

	vals := make([]any, len(cols))
	dest := make([]any, len(cols))
	for i := range vals {
		dest[i] = &vals[i]
	}
	if err := s.conn.QueryRow(ctx, query, docURL).Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: lookup %s: %w", docURL, err)
	}
	return storage.Decode(docURL, cols, vals)
}

func (s *session) Insert(ctx context.Context, rec *storage.DocumentRecord) error {
	cols := append([]string{"doc_url"}, storage.ColumnNames()...)
	args := append([]any{rec.DocURL}, rec.Values()...)
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		storage.Table, strings.Join(cols, ", "), placeholders(1, len(cols)))

	if _, err := s.conn.Exec(ctx, query, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", storage.ErrDuplicateKey, rec.DocURL)
		}
		return fmt.Errorf("postgres: insert %s: %w", rec.DocURL, err)
	}
	return nil
}

// Backfill fills NULL columns only. Each column is updated under its own
// IS NULL guard, so a value another writer stored after the lookup is kept
// and left out of the returned set.
func (s *session) Backfill(ctx context.Context, proposed *storage.DocumentRecord) ([]string, error) {
	existing, err := s.Lookup(ctx, proposed.DocURL)
	if err != nil {
		return nil, err
	}

	pending := storage.Pending(existing, proposed)
	if len(pending) == 0 {
		return nil, nil
	}

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: backfill %s: begin: %w", proposed.DocURL, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	changed, err := fillNulls(ctx, tx, proposed, pending)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres: backfill %s: commit: %w", proposed.DocURL, err)
	}
	return changed, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// fillNulls sets each of cols from proposed where it is still NULL and
// returns the columns actually written.
func fillNulls(ctx context.Context, db execer, proposed *storage.DocumentRecord, cols []string) ([]string, error) {
	var changed []string
	for _, col := range cols {
		query := fmt.Sprintf("UPDATE %s SET %s = $1 WHERE doc_url = $2 AND %s IS NULL", storage.Table, col, col)
		tag, err := db.Exec(ctx, query, proposed.Value(col), proposed.DocURL)
		if err != nil {
			return nil, fmt.Errorf("postgres: backfill %s.%s: %w", proposed.DocURL, col, err)
		}
		if tag.RowsAffected() > 0 {
			changed = append(changed, col)
		}
	}
	return changed, nil
}

func (s *session) Close() error {
	s.conn.Release()
	return nil
}

func placeholders(start, n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(ph, ", ")
}

func selectAll() string {
	return fmt.Sprintf("SELECT doc_url, %s FROM %s", strings.Join(storage.ColumnNames(), ", "), storage.Table)
}

func scanRecord(rows pgx.Rows) (*storage.DocumentRecord, error) {
	cols := storage.ColumnNames()
	var docURL string
	vals := make([]any, len(cols))
	dest := make([]any, 0, len(cols)+1)
	dest = append(dest, &docURL)
	for i := range vals {
		dest = append(dest, &vals[i])
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, fmt.Errorf("postgres: scan: %w", err)
	}
	return storage.Decode(docURL, cols, vals)
}
