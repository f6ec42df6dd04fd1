//go:build integration

package test

import (
	"context"
	"errors"
	"fmt"
	"image"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/FranksOps/deedscan/internal/app"
	"github.com/FranksOps/deedscan/internal/config"
	"github.com/FranksOps/deedscan/internal/portaltest"
	"github.com/FranksOps/deedscan/internal/scraper"
	"github.com/FranksOps/deedscan/internal/storage"
)

// pageRecognizer reads the page number back from the fake portal's image width.
type pageRecognizer struct{}

func (pageRecognizer) Recognize(ctx context.Context, img image.Image) (string, error) {
	// Page 1 is 60px wide before upscaling, page 2 is 80px.
	w := img.Bounds().Dx()
	if w < 150 {
		return "Deed of Trust, page one. Loan amount $152,000.00 dated 2024", nil
	}
	return fmt.Sprintf("Page two. Escrow $1,250.00 of %d", w), nil
}

func newConfig(t *testing.T, portal *portaltest.Server, dsn string) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Portal = portal.Portal()
	cfg.Crawl.Renderer = "http"
	cfg.Crawl.PageSize = 5
	cfg.Crawl.Workers = 3
	cfg.Crawl.RetryDelay = 10 * time.Millisecond
	cfg.Images.LocatorDelay = 10 * time.Millisecond
	cfg.Store.DSN = dsn
	if err := cfg.Validate(); err != nil {
		t.Fatalf("invalid config: %v", err)
	}
	return cfg
}

type runResult struct {
	store      storage.Store
	err        error
	inserted   int64
	backfilled int64
}

func crawlOnce(t *testing.T, cfg config.Config) runResult {
	t.Helper()
	ctx := context.Background()
	st, err := app.OpenStore(ctx, cfg.Store)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	crawl, err := app.NewCrawl(ctx, cfg, st, nil, app.Options{Recognizer: pageRecognizer{}})
	if err != nil {
		t.Fatalf("new crawl: %v", err)
	}
	defer crawl.Close()

	summary, runErr := crawl.Run(ctx)
	return runResult{store: st, err: runErr, inserted: summary.Documents.Inserted, backfilled: summary.Documents.Backfilled}
}

func snapshot(t *testing.T, st storage.Store) []*storage.DocumentRecord {
	t.Helper()
	var recs []*storage.DocumentRecord
	if err := st.Each(context.Background(), func(r *storage.DocumentRecord) error {
		recs = append(recs, r)
		return nil
	}); err != nil {
		t.Fatalf("each: %v", err)
	}
	return recs
}

func TestIntegration_CrawlIsIdempotent(t *testing.T) {
	portal := portaltest.New(t, portaltest.Options{Total: 12, LowerBound: true, Cookie: "authToken=session"})
	cfg := newConfig(t, portal, filepath.Join(t.TempDir(), "deeds.db"))

	run := crawlOnce(t, cfg)
	if run.err != nil {
		t.Fatalf("first crawl: %v", run.err)
	}
	if run.inserted != 12 {
		t.Fatalf("expected 12 inserts, got %d", run.inserted)
	}

	first := snapshot(t, run.store)
	if len(first) != 12 {
		t.Fatalf("expected 12 records, got %d", len(first))
	}
	urls := map[string]bool{}
	for _, r := range first {
		urls[r.DocURL] = true
		if r.Status() != storage.StatusComplete {
			t.Errorf("%s: expected complete, got %v", r.DocURL, r.Status())
		}
		if r.MaxDollarValue == nil || *r.MaxDollarValue != 152000 {
			t.Errorf("%s: expected max 152000, got %v", r.DocURL, r.MaxDollarValue)
		}
		if !reflect.DeepEqual(r.AllDollarValues, []float64{152000, 1250}) {
			t.Errorf("%s: unexpected page maxima %v", r.DocURL, r.AllDollarValues)
		}
	}
	if want := portal.DocURL(portaltest.FirstID); !urls[want] {
		t.Errorf("expected a record for %s", want)
	}
	imagePath := fmt.Sprintf("/images/%d_1.png", portaltest.FirstID)
	imageHits := portal.Hits(imagePath)

	second := crawlOnce(t, cfg)
	if second.err != nil {
		t.Fatalf("second crawl: %v", second.err)
	}
	if second.inserted != 0 || second.backfilled != 0 {
		t.Errorf("second run changed the store: %d inserts, %d backfills", second.inserted, second.backfilled)
	}
	if !reflect.DeepEqual(first, snapshot(t, second.store)) {
		t.Error("second run altered stored records")
	}
	if portal.Hits(imagePath) != imageHits {
		t.Error("second run downloaded images for a complete record")
	}
}

func TestIntegration_HaltAndResume(t *testing.T) {
	portal := portaltest.New(t, portaltest.Options{
		Total:        15,
		PageFailures: map[int]int{5: 3},
	})
	cfg := newConfig(t, portal, filepath.Join(t.TempDir(), "deeds.db"))

	run := crawlOnce(t, cfg)
	if !errors.Is(run.err, scraper.ErrPageUnrecoverable) {
		t.Fatalf("expected the crawl to halt, got %v", run.err)
	}
	if run.inserted != 5 || len(snapshot(t, run.store)) != 5 {
		t.Fatalf("expected only the first page stored, got %d inserts", run.inserted)
	}

	// The failing page has used up its failures; resume where the crawl stopped.
	cfg.Crawl.StartOffset = 5
	run = crawlOnce(t, cfg)
	if run.err != nil {
		t.Fatalf("resumed crawl: %v", run.err)
	}
	if run.inserted != 10 || len(snapshot(t, run.store)) != 15 {
		t.Errorf("expected the remaining 10 documents, got %d inserts", run.inserted)
	}
}

func TestIntegration_ExpiredSession(t *testing.T) {
	portal := portaltest.New(t, portaltest.Options{Total: 3, Cookie: "authToken=fresh"})
	cfg := newConfig(t, portal, filepath.Join(t.TempDir(), "deeds.db"))
	cfg.Portal.AuthCookie = "authToken=stale"

	run := crawlOnce(t, cfg)
	if run.err != nil {
		t.Fatalf("crawl: %v", run.err)
	}
	if run.inserted != 3 {
		t.Fatalf("expected rows stored without values, got %d inserts", run.inserted)
	}
	for _, r := range snapshot(t, run.store) {
		if r.Status() != storage.StatusPartial || r.ImageURLs == nil || r.MaxDollarValue != nil {
			t.Errorf("%s: expected image urls without values, got %+v", r.DocURL, r)
		}
	}

	// A fresh token completes the records on the next pass.
	cfg.Portal.AuthCookie = "authToken=fresh"
	run = crawlOnce(t, cfg)
	if run.err != nil {
		t.Fatalf("crawl: %v", run.err)
	}
	if run.backfilled != 3 {
		t.Errorf("expected 3 backfills, got %d", run.backfilled)
	}
}
