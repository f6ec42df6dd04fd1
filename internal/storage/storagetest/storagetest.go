// Package storagetest holds a conformance suite run against every storage.Store backend.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/FranksOps/deedscan/internal/storage"
)

func str(s string) *string { return &s }

func num(f float64) *float64 { return &f }

// Complete returns a fully populated record for docURL.
func Complete(docURL string) *storage.DocumentRecord {
	return &storage.DocumentRecord{
		DocURL:          docURL,
		ImageURLs:       []string{docURL + "/img_1.png", docURL + "/img_2.png"},
		DocumentNumber:  str("202400012345"),
		RecordedDate:    str("04/25/2024"),
		LotNumber:       str("7"),
		BlockNumber:     str("B"),
		AllDollarValues: []float64{250000, 1234.56},
		MaxDollarValue:  num(250000),
		Town:            str("DALLAS"),
		Subdivision:     str("OAK CLIFF ADDN"),
		DocType:         str("DEED OF TRUST"),
	}
}

// Run exercises the dedup store contract. newStore must return a store whose
// deeds table is empty; Run calls EnsureSchema itself.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("InsertThenLookup", func(t *testing.T) {
		st := open(t, newStore)
		sess := session(t, st)

		rec := Complete("https://portal.test/doc/1")
		if err := sess.Insert(context.Background(), rec); err != nil {
			t.Fatalf("insert: %v", err)
		}
		got, err := sess.Lookup(context.Background(), rec.DocURL)
		if err != nil {
			t.Fatalf("lookup: %v", err)
		}
		if !reflect.DeepEqual(got, rec) {
			t.Errorf("lookup returned a different record:\ngot:  %+v\nwant: %+v", got, rec)
		}
		if got.Status() != storage.StatusComplete {
			t.Errorf("expected complete status, got %v", got.Status())
		}
	})

	t.Run("LookupMissing", func(t *testing.T) {
		sess := session(t, open(t, newStore))
		_, err := sess.Lookup(context.Background(), "https://portal.test/doc/none")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("DuplicateInsert", func(t *testing.T) {
		sess := session(t, open(t, newStore))
		rec := Complete("https://portal.test/doc/2")
		if err := sess.Insert(context.Background(), rec); err != nil {
			t.Fatalf("insert: %v", err)
		}
		err := sess.Insert(context.Background(), rec)
		if !errors.Is(err, storage.ErrDuplicateKey) {
			t.Fatalf("expected ErrDuplicateKey, got %v", err)
		}
	})

	t.Run("BackfillFillsOnlyNulls", func(t *testing.T) {
		sess := session(t, open(t, newStore))
		ctx := context.Background()

		partial := &storage.DocumentRecord{
			DocURL:         "https://portal.test/doc/3",
			DocumentNumber: str("original"),
		}
		if err := sess.Insert(ctx, partial); err != nil {
			t.Fatalf("insert: %v", err)
		}

		proposed := Complete(partial.DocURL)
		proposed.DocumentNumber = str("replacement")

		changed, err := sess.Backfill(ctx, proposed)
		if err != nil {
			t.Fatalf("backfill: %v", err)
		}
		want := []string{"image_urls", "recorded_date", "lot_number", "block_number", "all_dollar_values", "max_dollar_value", "town", "subdivision", "doc_type"}
		if !reflect.DeepEqual(changed, want) {
			t.Errorf("changed columns:\ngot:  %v\nwant: %v", changed, want)
		}

		got, err := sess.Lookup(ctx, partial.DocURL)
		if err != nil {
			t.Fatalf("lookup: %v", err)
		}
		if *got.DocumentNumber != "original" {
			t.Errorf("backfill overwrote document_number: %q", *got.DocumentNumber)
		}
		if got.Status() != storage.StatusComplete {
			t.Errorf("expected complete after backfill, got %v", got.Status())
		}
	})

	t.Run("BackfillNoop", func(t *testing.T) {
		sess := session(t, open(t, newStore))
		ctx := context.Background()

		rec := Complete("https://portal.test/doc/4")
		if err := sess.Insert(ctx, rec); err != nil {
			t.Fatalf("insert: %v", err)
		}

		proposed := &storage.DocumentRecord{DocURL: rec.DocURL, Town: str("IRVING")}
		changed, err := sess.Backfill(ctx, proposed)
		if err != nil {
			t.Fatalf("backfill: %v", err)
		}
		if len(changed) != 0 {
			t.Errorf("expected no changes, got %v", changed)
		}
		got, _ := sess.Lookup(ctx, rec.DocURL)
		if !reflect.DeepEqual(got, rec) {
			t.Errorf("no-op backfill altered the record: %+v", got)
		}
	})

	t.Run("BackfillMissing", func(t *testing.T) {
		sess := session(t, open(t, newStore))
		_, err := sess.Backfill(context.Background(), Complete("https://portal.test/doc/none"))
		if !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("EnsureSchemaIdempotent", func(t *testing.T) {
		st := open(t, newStore)
		ctx := context.Background()
		sess := session(t, st)
		rec := Complete("https://portal.test/doc/5")
		if err := sess.Insert(ctx, rec); err != nil {
			t.Fatalf("insert: %v", err)
		}

		for i := 0; i < 2; i++ {
			if err := st.EnsureSchema(ctx); err != nil {
				t.Fatalf("ensure schema pass %d: %v", i, err)
			}
		}
		got, err := sess.Lookup(ctx, rec.DocURL)
		if err != nil {
			t.Fatalf("lookup: %v", err)
		}
		if !reflect.DeepEqual(got, rec) {
			t.Errorf("ensure schema altered data: %+v", got)
		}
	})

	t.Run("EnsureSchemaConcurrent", func(t *testing.T) {
		st := open(t, newStore)
		var wg sync.WaitGroup
		errs := make(chan error, 4)
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- st.EnsureSchema(context.Background())
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Errorf("concurrent ensure schema: %v", err)
			}
		}
	})

	t.Run("ConcurrentDuplicateInsert", func(t *testing.T) {
		st := open(t, newStore)
		rec := Complete("https://portal.test/doc/race")

		var wg sync.WaitGroup
		results := make(chan error, 4)
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				sess, err := st.Session(context.Background())
				if err != nil {
					results <- err
					return
				}
				defer sess.Close()
				results <- sess.Insert(context.Background(), rec)
			}()
		}
		wg.Wait()
		close(results)

		var ok, dup int
		for err := range results {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, storage.ErrDuplicateKey):
				dup++
			default:
				t.Errorf("unexpected insert error: %v", err)
			}
		}
		if ok != 1 || dup != 3 {
			t.Errorf("expected 1 insert and 3 duplicates, got %d and %d", ok, dup)
		}
	})

	t.Run("LatestAndEach", func(t *testing.T) {
		st := open(t, newStore)
		sess := session(t, st)
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			if err := sess.Insert(ctx, Complete(fmt.Sprintf("https://portal.test/doc/l%d", i))); err != nil {
				t.Fatalf("insert: %v", err)
			}
		}

		latest, err := st.Latest(ctx, 2)
		if err != nil {
			t.Fatalf("latest: %v", err)
		}
		if len(latest) != 2 || latest[0].DocURL != "https://portal.test/doc/l2" || latest[1].DocURL != "https://portal.test/doc/l1" {
			t.Errorf("unexpected latest order: %v", docURLs(latest))
		}

		var seen []string
		err = st.Each(ctx, func(r *storage.DocumentRecord) error {
			seen = append(seen, r.DocURL)
			return nil
		})
		if err != nil {
			t.Fatalf("each: %v", err)
		}
		if len(seen) != 3 || seen[0] != "https://portal.test/doc/l0" {
			t.Errorf("unexpected each order: %v", seen)
		}

		stop := errors.New("stop")
		err = st.Each(ctx, func(r *storage.DocumentRecord) error { return stop })
		if !errors.Is(err, stop) {
			t.Errorf("expected callback error to propagate, got %v", err)
		}
	})
}

func open(t *testing.T, newStore func(t *testing.T) storage.Store) storage.Store {
	t.Helper()
	st := newStore(t)
	t.Cleanup(func() { _ = st.Close() })
	if err := st.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return st
}

func session(t *testing.T, st storage.Store) storage.Session {
	t.Helper()
	sess, err := st.Session(context.Background())
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

func docURLs(recs []*storage.DocumentRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.DocURL
	}
	return out
}
