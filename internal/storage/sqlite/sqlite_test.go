package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/FranksOps/deedscan/internal/storage"
	"github.com/FranksOps/deedscan/internal/storage/storagetest"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := New(filepath.Join(t.TempDir(), "deeds.db"), 8)
	if err != nil {
		t.Fatalf("Failed to create SQLite store: %v", err)
	}
	return st
}

func TestSQLiteStore(t *testing.T) {
	storagetest.Run(t, newTestStore)
}

// A table created by the first release lacks town, subdivision and doc_type.
func TestEnsureSchema_AddsMissingColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")

	raw, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	_, err = raw.Exec(`CREATE TABLE deeds (
		doc_url TEXT UNIQUE,
		image_urls TEXT,
		document_number TEXT,
		recorded_date TEXT,
		lot_number TEXT,
		block_number TEXT,
		all_dollar_values TEXT,
		max_dollar_value REAL
	)`)
	if err != nil {
		t.Fatal(err)
	}
	_, err = raw.Exec(`INSERT INTO deeds (doc_url, image_urls, document_number, all_dollar_values, max_dollar_value)
		VALUES ('https://portal.test/doc/old', '[''https://img.test/a_1.png'', ''https://img.test/a_2.png'']', '2020-1', '[150000.0]', 150000.0)`)
	if err != nil {
		t.Fatal(err)
	}
	_ = raw.Close()

	st, err := New(path, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	ctx := context.Background()
	if err := st.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	cols, err := st.columns(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"town", "subdivision", "doc_type"} {
		if !cols[name] {
			t.Errorf("expected column %s to be added", name)
		}
	}

	sess, err := st.Session(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()

	got, err := sess.Lookup(ctx, "https://portal.test/doc/old")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(got.ImageURLs) != 2 || got.ImageURLs[1] != "https://img.test/a_2.png" {
		t.Errorf("legacy image_urls not decoded: %v", got.ImageURLs)
	}
	if got.MaxDollarValue == nil || *got.MaxDollarValue != 150000 {
		t.Errorf("legacy max_dollar_value lost: %v", got.MaxDollarValue)
	}
	if got.Town != nil || got.DocType != nil {
		t.Errorf("new columns should default to NULL")
	}

	changed, err := sess.Backfill(ctx, &storage.DocumentRecord{DocURL: got.DocURL, Town: ptr("DALLAS")})
	if err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if len(changed) != 1 || changed[0] != "town" {
		t.Errorf("expected town backfilled, got %v", changed)
	}
}

// A column filled by another writer after Backfill's lookup is neither
// overwritten nor reported as changed.
func TestFillNulls_KeepsConcurrentWrite(t *testing.T) {
	st := newTestStore(t).(*Store)
	defer st.Close()
	ctx := context.Background()
	if err := st.EnsureSchema(ctx); err != nil {
		t.Fatal(err)
	}

	docURL := "https://portal.test/doc/raced"
	sess, err := st.Session(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()
	if err := sess.Insert(ctx, &storage.DocumentRecord{DocURL: docURL, DocType: ptr("DEED OF TRUST")}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	proposed := &storage.DocumentRecord{DocURL: docURL, DocType: ptr("WARRANTY DEED"), Town: ptr("DALLAS")}
	changed, err := fillNulls(ctx, st.db, proposed, []string{"doc_type", "town"})
	if err != nil {
		t.Fatalf("fill nulls: %v", err)
	}
	if len(changed) != 1 || changed[0] != "town" {
		t.Errorf("expected only town reported, got %v", changed)
	}

	got, err := sess.Lookup(ctx, docURL)
	if err != nil {
		t.Fatal(err)
	}
	if got.DocType == nil || *got.DocType != "DEED OF TRUST" {
		t.Errorf("stored doc_type overwritten: %v", got.DocType)
	}
	if got.Town == nil || *got.Town != "DALLAS" {
		t.Errorf("town not filled: %v", got.Town)
	}
}

func TestEnsureSchema_FailureIsDrift(t *testing.T) {
	st := newTestStore(t).(*Store)
	_ = st.Close()

	err := st.EnsureSchema(context.Background())
	if !errors.Is(err, storage.ErrSchemaDrift) {
		t.Fatalf("expected ErrSchemaDrift, got %v", err)
	}
}

func TestWithPragmas(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"deeds.db", "deeds.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"},
		{"file:deeds.db?mode=rwc", "file:deeds.db?mode=rwc&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"},
		{":memory:", ":memory:?_pragma=busy_timeout(5000)"},
		{"deeds.db?_pragma=foreign_keys(1)", "deeds.db?_pragma=foreign_keys(1)"},
	}
	for _, tt := range tests {
		if got := withPragmas(tt.in); got != tt.want {
			t.Errorf("withPragmas(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func ptr(s string) *string { return &s }
