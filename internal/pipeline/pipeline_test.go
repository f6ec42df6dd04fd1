package pipeline

import (
	"context"
	"errors"
	"image"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/FranksOps/deedscan/internal/config"
	"github.com/FranksOps/deedscan/internal/ocr"
	"github.com/FranksOps/deedscan/internal/portaltest"
	"github.com/FranksOps/deedscan/internal/resolver"
	"github.com/FranksOps/deedscan/internal/storage"
	"github.com/FranksOps/deedscan/internal/storage/sqlite"
	"github.com/FranksOps/deedscan/pkg/retry"
)

const docURL = "https://dallas.tx.publicsearch.us/doc/99887766"

var testRow = resolver.Row{
	CheckboxID:     "table-checkbox-99887766",
	DocType:        "DEED OF TRUST",
	RecordedDate:   "04/12/2024",
	DocumentNumber: "202400071234",
	Town:           "DALLAS",
	Legal:          "Name: OAK CLIFF ADDN, Lot: 12 Block: 4",
}

type fakeLocator struct {
	calls atomic.Int32
	fail  atomic.Bool
}

func (l *fakeLocator) Locate(ctx context.Context, docURL string) ([]string, retry.Outcome) {
	l.calls.Add(1)
	if l.fail.Load() {
		return nil, retry.Outcome{Status: retry.Exhausted, Attempts: 3}
	}
	return []string{"https://img.test/a_1.png", "https://img.test/a_2.png"}, retry.Outcome{Status: retry.Succeeded, Attempts: 1}
}

type fakeFetcher struct {
	missing map[string]bool
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	if f.missing[url] {
		return nil, errors.New("404")
	}
	return []byte(url), nil
}

// fakeExtractor yields 1000 times the page count of every document.
type fakeExtractor struct{}

func (fakeExtractor) ExtractDocument(ctx context.Context, pages [][]byte) ocr.DocumentResult {
	res := ocr.DocumentResult{PageMaxima: []float64{}}
	for i := range pages {
		res.PageMaxima = append(res.PageMaxima, float64(1000*(i+1)))
	}
	if len(res.PageMaxima) > 0 {
		m := res.PageMaxima[len(res.PageMaxima)-1]
		res.Max = &m
	}
	return res
}

type recordingArchive struct {
	mu   sync.Mutex
	keys []string
}

func (a *recordingArchive) Put(ctx context.Context, docID string, page int, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys = append(a.keys, docID)
	return nil
}

type harness struct {
	store   storage.Store
	locator *fakeLocator
	fetcher *fakeFetcher
	archive *recordingArchive
	proc    *Processor
}

func newHarness(t *testing.T, reextract bool) *harness {
	t.Helper()
	st, err := sqlite.New(filepath.Join(t.TempDir(), "deeds.db"), 8)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	legal, err := resolver.NewPatternParser(config.DefaultSubdivision, config.DefaultLotBlock)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h := &harness{
		store:   st,
		locator: &fakeLocator{},
		fetcher: &fakeFetcher{missing: map[string]bool{}},
		archive: &recordingArchive{},
	}
	h.proc = New(Deps{
		Resolver:  resolver.New(config.Default().Portal, legal),
		Store:     st,
		Locator:   h.locator,
		Fetcher:   h.fetcher,
		Extractor: fakeExtractor{},
		Archive:   h.archive,
		Reextract: reextract,
	}, nil)
	return h
}

func (h *harness) lookup(t *testing.T) *storage.DocumentRecord {
	t.Helper()
	sess, err := h.store.Session(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer sess.Close()
	rec, err := sess.Lookup(context.Background(), docURL)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	return rec
}

func TestProcessRow_InsertThenSkip(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	h.proc.ProcessRow(ctx, testRow)
	rec := h.lookup(t)
	if rec.Status() != storage.StatusComplete {
		t.Fatalf("expected complete record, got %v", rec.Status())
	}
	if rec.MaxDollarValue == nil || *rec.MaxDollarValue != 2000 {
		t.Errorf("expected max 2000, got %v", rec.MaxDollarValue)
	}
	if rec.Subdivision == nil || *rec.Subdivision != "OAK CLIFF ADDN" {
		t.Errorf("expected subdivision from legal text, got %v", rec.Subdivision)
	}
	if len(h.archive.keys) != 2 || h.archive.keys[0] != "99887766" {
		t.Errorf("expected both pages archived under the document id, got %v", h.archive.keys)
	}

	h.proc.ProcessRow(ctx, testRow)
	if calls := h.locator.calls.Load(); calls != 1 {
		t.Errorf("expected no extraction for a complete record, locator called %d times", calls)
	}

	c := h.proc.Counts()
	if c.Rows != 2 || c.Inserted != 1 || c.Skipped != 1 || c.Backfilled != 0 {
		t.Errorf("unexpected counts %+v", c)
	}
}

func TestProcessRow_Malformed(t *testing.T) {
	h := newHarness(t, true)
	row := testRow
	row.CheckboxID = "select-all"

	h.proc.ProcessRow(context.Background(), row)
	if c := h.proc.Counts(); c.Malformed != 1 || c.Inserted != 0 {
		t.Errorf("unexpected counts %+v", c)
	}
	if h.locator.calls.Load() != 0 {
		t.Error("malformed row should not reach extraction")
	}
}

func TestProcessRow_ReextractsIncomplete(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	h.locator.fail.Store(true)
	h.proc.ProcessRow(ctx, testRow)
	rec := h.lookup(t)
	if rec.Status() != storage.StatusPartial {
		t.Fatalf("expected partial record, got %v", rec.Status())
	}
	if rec.DocumentNumber == nil {
		t.Error("row metadata should be stored even without images")
	}

	h.locator.fail.Store(false)
	h.proc.ProcessRow(ctx, testRow)
	rec = h.lookup(t)
	if rec.Status() != storage.StatusComplete {
		t.Fatalf("expected the record to be completed, got %v", rec.Status())
	}

	c := h.proc.Counts()
	if c.Inserted != 1 || c.Backfilled != 1 || c.ExtractionSkipped != 1 {
		t.Errorf("unexpected counts %+v", c)
	}
}

func TestProcessRow_NoReextract(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	h.locator.fail.Store(true)
	h.proc.ProcessRow(ctx, testRow)
	h.locator.fail.Store(false)
	h.proc.ProcessRow(ctx, testRow)

	if calls := h.locator.calls.Load(); calls != 1 {
		t.Errorf("expected a single locate, got %d", calls)
	}
	if rec := h.lookup(t); rec.Status() != storage.StatusPartial {
		t.Errorf("expected record to stay partial, got %v", rec.Status())
	}
	if c := h.proc.Counts(); c.Skipped != 1 {
		t.Errorf("unexpected counts %+v", c)
	}
}

func TestProcessRow_BackfillsNewMetadata(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	row := testRow
	row.Town = ""
	h.proc.ProcessRow(ctx, row)
	if rec := h.lookup(t); rec.Town != nil {
		t.Fatalf("expected null town, got %q", *rec.Town)
	}

	h.proc.ProcessRow(ctx, testRow)
	rec := h.lookup(t)
	if rec.Town == nil || *rec.Town != "DALLAS" {
		t.Errorf("expected town to be backfilled, got %v", rec.Town)
	}
	if h.locator.calls.Load() != 1 {
		t.Error("backfilling metadata should not re-run extraction")
	}
}

func TestProcessRow_MissingPages(t *testing.T) {
	h := newHarness(t, true)
	h.fetcher.missing["https://img.test/a_2.png"] = true

	h.proc.ProcessRow(context.Background(), testRow)
	rec := h.lookup(t)
	if len(rec.ImageURLs) != 2 {
		t.Errorf("expected both image urls recorded, got %v", rec.ImageURLs)
	}
	if len(rec.AllDollarValues) != 1 || rec.MaxDollarValue == nil || *rec.MaxDollarValue != 1000 {
		t.Errorf("expected only the first page's value, got %v / %v", rec.AllDollarValues, rec.MaxDollarValue)
	}
	if c := h.proc.Counts(); c.PageFailures != 1 {
		t.Errorf("unexpected counts %+v", c)
	}
}

// pngFetcher serves a decodable page image for every URL.
type pngFetcher struct{}

func (pngFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	return portaltest.PNG(1), nil
}

// brokenRecognizer fails like a missing tesseract binary until fixed is set.
type brokenRecognizer struct {
	fixed atomic.Bool
}

func (r *brokenRecognizer) Recognize(ctx context.Context, img image.Image) (string, error) {
	if !r.fixed.Load() {
		return "", errors.New(`exec: "tesseract": executable file not found in $PATH`)
	}
	return "PRINCIPAL SUM $184,500.00", nil
}

func TestProcessRow_RecognizerFailureLeavesRecordPartial(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	rec := &brokenRecognizer{}
	ext, err := ocr.NewExtractor(config.Default().OCR, rec, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h.proc.deps.Extractor = ext
	h.proc.deps.Fetcher = pngFetcher{}

	h.proc.ProcessRow(ctx, testRow)
	got := h.lookup(t)
	if got.Status() != storage.StatusPartial {
		t.Fatalf("expected partial record after OCR failure, got %v", got.Status())
	}
	if got.AllDollarValues != nil || got.MaxDollarValue != nil {
		t.Errorf("expected no amounts stored, got %v / %v", got.AllDollarValues, got.MaxDollarValue)
	}
	if len(got.ImageURLs) != 2 {
		t.Errorf("expected image urls kept, got %v", got.ImageURLs)
	}

	rec.fixed.Store(true)
	h.proc.ProcessRow(ctx, testRow)
	if n := h.locator.calls.Load(); n != 2 {
		t.Errorf("expected the second run to re-extract, locator calls %d", n)
	}
	got = h.lookup(t)
	if got.Status() != storage.StatusComplete {
		t.Fatalf("expected complete record after recovery, got %v", got.Status())
	}
	if got.MaxDollarValue == nil || *got.MaxDollarValue != 184500 {
		t.Errorf("unexpected max %v", got.MaxDollarValue)
	}

	c := h.proc.Counts()
	if c.OCRFailures != 1 || c.Inserted != 1 || c.Backfilled != 1 {
		t.Errorf("unexpected counts %+v", c)
	}
}

// lookupBlindStore hides existing rows from Lookup to force the insert race.
type lookupBlindStore struct {
	storage.Store
}

func (s lookupBlindStore) Session(ctx context.Context) (storage.Session, error) {
	sess, err := s.Store.Session(ctx)
	if err != nil {
		return nil, err
	}
	return lookupBlindSession{sess}, nil
}

type lookupBlindSession struct {
	storage.Session
}

func (lookupBlindSession) Lookup(ctx context.Context, docURL string) (*storage.DocumentRecord, error) {
	return nil, storage.ErrNotFound
}

func TestProcessRow_DuplicateInsertFallsBackToBackfill(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	row := testRow
	row.Town = ""
	h.proc.ProcessRow(ctx, row)

	h.proc.deps.Store = lookupBlindStore{h.store}
	h.proc.ProcessRow(ctx, testRow)

	rec := h.lookup(t)
	if rec.Town == nil || *rec.Town != "DALLAS" {
		t.Errorf("expected town backfilled after the duplicate insert, got %v", rec.Town)
	}
	c := h.proc.Counts()
	if c.Raced != 1 || c.Backfilled != 1 || c.Failed != 0 {
		t.Errorf("unexpected counts %+v", c)
	}
}

func TestProcessRow_ConcurrentSameDocument(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.proc.ProcessRow(ctx, testRow)
		}()
	}
	wg.Wait()

	c := h.proc.Counts()
	if c.Inserted != 1 {
		t.Errorf("expected exactly one insert, got %+v", c)
	}
	if c.Failed != 0 || c.Inserted+c.Skipped+c.Backfilled != 6 {
		t.Errorf("unexpected counts %+v", c)
	}

	var n int
	if err := h.store.Each(ctx, func(*storage.DocumentRecord) error { n++; return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Errorf("expected one stored record, got %d", n)
	}
}
