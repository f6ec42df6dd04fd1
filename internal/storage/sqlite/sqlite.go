// Package sqlite implements storage.Store on modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/FranksOps/deedscan/internal/storage"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	_ storage.Store   = (*Store)(nil)
	_ storage.Session = (*session)(nil)
)

// Store is a SQLite-backed dedup store.
type Store struct {
	db *sql.DB
}

// New opens the database at dsn. A busy timeout and WAL journaling are added
// unless dsn already carries pragmas.
func New(dsn string, maxOpenConns int) (*Store, error) {
	db, err := sql.Open("sqlite", withPragmas(dsn))
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	return &Store{db: db}, nil
}

func withPragmas(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	p := "_pragma=busy_timeout(5000)"
	if !strings.Contains(dsn, ":memory:") {
		p += "&_pragma=journal_mode(WAL)"
	}
	return dsn + sep + p
}

// EnsureSchema creates the deeds table and adds any missing optional column.
func (s *Store) EnsureSchema(ctx context.Context) error {
	var defs []string
	defs = append(defs, "doc_url TEXT NOT NULL UNIQUE")
	for _, c := range storage.Columns {
		defs = append(defs, c.Name+" "+columnType(c))
	}
	create := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", storage.Table, strings.Join(defs, ",\n\t"))
	if _, err := s.db.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("%w: create table: %v", storage.ErrSchemaDrift, err)
	}

	existing, err := s.columns(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrSchemaDrift, err)
	}

	for _, c := range storage.Columns {
		if existing[c.Name] {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s DEFAULT NULL", storage.Table, c.Name, columnType(c))
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			// Another process added it between the PRAGMA and the ALTER.
			if strings.Contains(err.Error(), "duplicate column name") {
				continue
			}
			return fmt.Errorf("%w: add column %s: %v", storage.ErrSchemaDrift, c.Name, err)
		}
	}
	return nil
}

func (s *Store) columns(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", storage.Table))
	if err != nil {
		return nil, fmt.Errorf("table info: %w", err)
	}
	defer rows.Close()

	cols := map[string]bool{}
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("table info: %w", err)
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

func columnType(c storage.Column) string {
	if c.Numeric {
		return "REAL"
	}
	return "TEXT"
}

// Session pins one pooled connection for the caller's exclusive use.
func (s *Store) Session(ctx context.Context) (storage.Session, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlite: acquire conn: %w", err)
	}
	return &session{conn: conn}, nil
}

// Latest returns the n most recently inserted records.
func (s *Store) Latest(ctx context.Context, n int) ([]*storage.DocumentRecord, error) {
	query := selectAll() + " ORDER BY rowid DESC LIMIT ?"
	rows, err := s.db.QueryContext(ctx, query, n)
	if err != nil {
		return nil, fmt.Errorf("sqlite: latest: %w", err)
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
		return nil, fmt.Errorf("sqlite: latest: %w", err)
	}
	return out, nil
}

// Each streams every record in insertion order.
func (s *Store) Each(ctx context.Context, fn func(*storage.DocumentRecord) error) error {
	rows, err := s.db.QueryContext(ctx, selectAll()+" ORDER BY rowid ASC")
	if err != nil {
		return fmt.Errorf("sqlite: scan all: %w", err)
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
		return fmt.Errorf("sqlite: scan all: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

type session struct {
	conn *sql.Conn
}

func (s *session) Lookup(ctx context.Context, docURL string) (*storage.DocumentRecord, error) {
	return lookup(ctx, s.conn.QueryRowContext, docURL)
}

func (s *session) Insert(ctx context.Context, rec *storage.DocumentRecord) error {
	cols := append([]string{"doc_url"}, storage.ColumnNames()...)
	args := append([]any{rec.DocURL}, rec.Values()...)
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		storage.Table, strings.Join(cols, ", "), strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "))

	if _, err := s.conn.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", storage.ErrDuplicateKey, rec.DocURL)
		}
		return fmt.Errorf("sqlite: insert %s: %w", rec.DocURL, err)
	}
	return nil
}

// Backfill fills NULL columns only. Each column is updated under its own
// IS NULL guard, so a value another writer stored after the lookup is kept
// and left out of the returned set.
func (s *session) Backfill(ctx context.Context, proposed *storage.DocumentRecord) ([]string, error) {
	existing, err := lookup(ctx, s.conn.QueryRowContext, proposed.DocURL)
	if err != nil {
		return nil, err
	}

	pending := storage.Pending(existing, proposed)
	if len(pending) == 0 {
		return nil, nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: backfill %s: begin: %w", proposed.DocURL, err)
	}
	defer func() { _ = tx.Rollback() }()

	changed, err := fillNulls(ctx, tx, proposed, pending)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: backfill %s: commit: %w", proposed.DocURL, err)
	}
	return changed, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// fillNulls sets each of cols from proposed where it is still NULL and
// returns the columns actually written.
func fillNulls(ctx context.Context, db execer, proposed *storage.DocumentRecord, cols []string) ([]string, error) {
	var changed []string
	for _, col := range cols {
		query := fmt.Sprintf("UPDATE %s SET %s = ? WHERE doc_url = ? AND %s IS NULL", storage.Table, col, col)
		res, err := db.ExecContext(ctx, query, proposed.Value(col), proposed.DocURL)
		if err != nil {
			return nil, fmt.Errorf("sqlite: backfill %s.%s: %w", proposed.DocURL, col, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("sqlite: backfill %s.%s: %w", proposed.DocURL, col, err)
		}
		if n > 0 {
			changed = append(changed, col)
		}
	}
	return changed, nil
}

func (s *session) Close() error {
	return s.conn.Close()
}

type queryRowFunc func(ctx context.Context, query string, args ...any) *sql.Row

func lookup(ctx context.Context, queryRow queryRowFunc, docURL string) (*storage.DocumentRecord, error) {
	cols := storage.ColumnNames()
	query := fmt.Sprintf("SELECT %s FROM %s WHERE doc_url = ?", strings.Join(cols, ", "), storage.Table)

	vals := make([]any, len(cols))
	dest := make([]any, len(cols))
	for i := range vals {
		dest[i] = &vals[i]
	}
	if err := queryRow(ctx, query, docURL).Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: lookup %s: %w", docURL, err)
	}
	return storage.Decode(docURL, cols, vals)
}

func selectAll() string {
	return fmt.Sprintf("SELECT doc_url, %s FROM %s", strings.Join(storage.ColumnNames(), ", "), storage.Table)
}

func scanRecord(rows *sql.Rows) (*storage.DocumentRecord, error) {
	cols := storage.ColumnNames()
	var docURL string
	vals := make([]any, len(cols))
	dest := make([]any, 0, len(cols)+1)
	dest = append(dest, &docURL)
	for i := range vals {
		dest = append(dest, &vals[i])
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, fmt.Errorf("sqlite: scan: %w", err)
	}
	return storage.Decode(docURL, cols, vals)
}

func isUniqueViolation(err error) bool {
	var se *msqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
