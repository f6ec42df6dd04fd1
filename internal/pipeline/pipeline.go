// Package pipeline processes one search-result row end to end: resolve,
// dedup lookup, image extraction when needed, then insert or backfill.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/FranksOps/deedscan/internal/archive"
	"github.com/FranksOps/deedscan/internal/metrics"
	"github.com/FranksOps/deedscan/internal/ocr"
	"github.com/FranksOps/deedscan/internal/resolver"
	"github.com/FranksOps/deedscan/internal/scraper"
	"github.com/FranksOps/deedscan/internal/storage"
	"github.com/FranksOps/deedscan/pkg/retry"
)

// Outcome is the per-row result, also used as the metrics label.
type Outcome string

const (
	OutcomeInserted   Outcome = "inserted"
	OutcomeBackfilled Outcome = "backfilled"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeMalformed  Outcome = "malformed"
	OutcomeFailed     Outcome = "failed"
)

// Resolver maps a raw row to its document.
type Resolver interface {
	Resolve(row resolver.Row) (*resolver.Document, error)
}

// ImageLocator finds the page-image URLs of a document.
type ImageLocator interface {
	Locate(ctx context.Context, docURL string) ([]string, retry.Outcome)
}

// ImageFetcher downloads one page image.
type ImageFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// ValueExtractor recognizes the amounts on a document's pages.
type ValueExtractor interface {
	ExtractDocument(ctx context.Context, pages [][]byte) ocr.DocumentResult
}

// Deps are the collaborators of a Processor. Archive may be nil.
type Deps struct {
	Resolver  Resolver
	Store     storage.Store
	Locator   ImageLocator
	Fetcher   ImageFetcher
	Extractor ValueExtractor
	Archive   archive.Archiver
	// Reextract re-runs extraction for stored records that never completed it.
	Reextract bool
}

// Counts is a snapshot of processed-row tallies.
type Counts struct {
	Rows              int64 `json:"rows"`
	Inserted          int64 `json:"inserted"`
	Backfilled        int64 `json:"backfilled"`
	Skipped           int64 `json:"skipped"`
	Malformed         int64 `json:"malformed"`
	Failed            int64 `json:"failed"`
	Raced             int64 `json:"raced"`
	ExtractionSkipped int64 `json:"extraction_skipped"`
	NoValue           int64 `json:"no_value"`
	PageFailures      int64 `json:"page_failures"`
	OCRFailures       int64 `json:"ocr_failures"`
}

type stats struct {
	rows, inserted, backfilled, skipped, malformed, failed atomic.Int64
	raced, extractionSkipped, noValue, pageFailures        atomic.Int64
	ocrFailures                                            atomic.Int64
}

// Processor implements scraper.RowProcessor. It is safe for concurrent use;
// every call acquires its own store session.
type Processor struct {
	deps   Deps
	logger *slog.Logger
	stats  stats
}

var _ scraper.RowProcessor = (*Processor)(nil)

// New returns a Processor over deps.
func New(deps Deps, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Archive == nil {
		deps.Archive = archive.Nop{}
	}
	return &Processor{deps: deps, logger: logger}
}

// Counts returns the tallies so far.
func (p *Processor) Counts() Counts {
	s := &p.stats
	return Counts{
		Rows:              s.rows.Load(),
		Inserted:          s.inserted.Load(),
		Backfilled:        s.backfilled.Load(),
		Skipped:           s.skipped.Load(),
		Malformed:         s.malformed.Load(),
		Failed:            s.failed.Load(),
		Raced:             s.raced.Load(),
		ExtractionSkipped: s.extractionSkipped.Load(),
		NoValue:           s.noValue.Load(),
		PageFailures:      s.pageFailures.Load(),
		OCRFailures:       s.ocrFailures.Load(),
	}
}

// ProcessRow handles one row. Failures are logged and counted, never returned.
func (p *Processor) ProcessRow(ctx context.Context, row resolver.Row) {
	start := time.Now()
	p.stats.rows.Add(1)

	outcome, docURL, err := p.process(ctx, row)
	elapsed := time.Since(start)

	switch outcome {
	case OutcomeInserted:
		p.stats.inserted.Add(1)
	case OutcomeBackfilled:
		p.stats.backfilled.Add(1)
	case OutcomeSkipped:
		p.stats.skipped.Add(1)
	case OutcomeMalformed:
		p.stats.malformed.Add(1)
	default:
		p.stats.failed.Add(1)
	}
	metrics.DocumentsTotal.WithLabelValues(string(outcome)).Inc()
	metrics.DocumentDuration.Observe(elapsed.Seconds())

	switch {
	case outcome == OutcomeMalformed:
		p.logger.Warn("skipping malformed row", "checkbox_id", row.CheckboxID, "err", err)
	case err != nil:
		p.logger.Error("document failed", "doc_url", docURL, "duration_ms", elapsed.Milliseconds(), "err", err)
	default:
		p.logger.Info("document processed", "doc_url", docURL, "outcome", outcome, "duration_ms", elapsed.Milliseconds())
	}
}

func (p *Processor) process(ctx context.Context, row resolver.Row) (Outcome, string, error) {
	doc, err := p.deps.Resolver.Resolve(row)
	if err != nil {
		return OutcomeMalformed, "", err
	}
	if len(doc.Missing) > 0 {
		p.logger.Debug("row metadata incomplete", "doc_url", doc.URL, "missing", doc.Missing)
	}

	sess, err := p.deps.Store.Session(ctx)
	if err != nil {
		return OutcomeFailed, doc.URL, fmt.Errorf("acquire session: %w", err)
	}
	defer sess.Close()

	existing, err := sess.Lookup(ctx, doc.URL)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return p.insert(ctx, sess, doc)
	case err != nil:
		return OutcomeFailed, doc.URL, fmt.Errorf("lookup: %w", err)
	}

	proposed := doc.Meta
	if existing.Status() != storage.StatusComplete && p.deps.Reextract {
		p.logger.Info("re-extracting incomplete record", "doc_url", doc.URL)
		proposed = p.extract(ctx, doc)
	}
	if len(storage.Pending(existing, proposed)) == 0 {
		return OutcomeSkipped, doc.URL, nil
	}
	return p.backfill(ctx, sess, proposed)
}

func (p *Processor) insert(ctx context.Context, sess storage.Session, doc *resolver.Document) (Outcome, string, error) {
	rec := p.extract(ctx, doc)
	if err := ctx.Err(); err != nil {
		return OutcomeFailed, doc.URL, fmt.Errorf("canceled before insert: %w", err)
	}

	err := sess.Insert(ctx, rec)
	switch {
	case err == nil:
		return OutcomeInserted, doc.URL, nil
	case errors.Is(err, storage.ErrDuplicateKey):
		// Another worker stored the same document between lookup and insert.
		p.stats.raced.Add(1)
		p.logger.Warn("duplicate insert, backfilling instead", "doc_url", doc.URL)
		return p.backfill(ctx, sess, rec)
	default:
		return OutcomeFailed, doc.URL, fmt.Errorf("insert: %w", err)
	}
}

func (p *Processor) backfill(ctx context.Context, sess storage.Session, rec *storage.DocumentRecord) (Outcome, string, error) {
	changed, err := sess.Backfill(ctx, rec)
	if err != nil {
		return OutcomeFailed, rec.DocURL, fmt.Errorf("backfill: %w", err)
	}
	if len(changed) == 0 {
		return OutcomeSkipped, rec.DocURL, nil
	}
	p.logger.Info("backfilled fields", "doc_url", rec.DocURL, "fields", changed)
	return OutcomeBackfilled, rec.DocURL, nil
}

// extract returns the row metadata plus whatever extraction produced. When
// no image is located the extraction fields stay nil so a later run retries.
// When images are located but none downloads, image_urls is kept and the
// amount fields stay nil.
func (p *Processor) extract(ctx context.Context, doc *resolver.Document) *storage.DocumentRecord {
	rec := *doc.Meta

	urls, out := p.deps.Locator.Locate(ctx, doc.URL)
	if len(urls) == 0 {
		p.stats.extractionSkipped.Add(1)
		p.logger.Warn("no page images located, extraction skipped",
			"doc_url", doc.URL, "attempts", out.Attempts, "status", out.Status)
		return &rec
	}
	rec.ImageURLs = urls

	pages := make([][]byte, 0, len(urls))
	for i, u := range urls {
		data, err := p.deps.Fetcher.Fetch(ctx, u)
		if err != nil {
			p.stats.pageFailures.Add(1)
			p.logger.Warn("page image unavailable", "doc_url", doc.URL, "url", u, "page", i+1, "err", err)
			continue
		}
		if err := p.deps.Archive.Put(ctx, doc.ID, i+1, data); err != nil {
			p.logger.Warn("failed to archive page image", "doc_url", doc.URL, "page", i+1, "err", err)
		}
		pages = append(pages, data)
	}
	if len(pages) == 0 {
		return &rec
	}

	res := p.deps.Extractor.ExtractDocument(ctx, pages)
	if res.PageMaxima == nil {
		p.stats.ocrFailures.Add(1)
		p.logger.Warn("no page could be recognized, record left partial",
			"doc_url", doc.URL, "pages", len(pages), "ocr_failures", res.Failures)
		return &rec
	}
	rec.AllDollarValues = res.PageMaxima
	rec.MaxDollarValue = res.Max
	if res.Max == nil {
		p.stats.noValue.Add(1)
		p.logger.Info("no dollar value found", "doc_url", doc.URL, "pages", len(pages), "ocr_failures", res.Failures)
	}
	return &rec
}
