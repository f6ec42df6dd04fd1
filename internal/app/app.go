// Package app wires a configuration into a runnable crawl.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/FranksOps/deedscan/internal/archive"
	"github.com/FranksOps/deedscan/internal/config"
	"github.com/FranksOps/deedscan/internal/ocr"
	"github.com/FranksOps/deedscan/internal/pipeline"
	"github.com/FranksOps/deedscan/internal/report"
	"github.com/FranksOps/deedscan/internal/resolver"
	"github.com/FranksOps/deedscan/internal/scraper"
	"github.com/FranksOps/deedscan/internal/storage"
	"github.com/FranksOps/deedscan/internal/storage/postgres"
	"github.com/FranksOps/deedscan/internal/storage/sqlite"
	"github.com/FranksOps/deedscan/pkg/ratelimit"
	"github.com/google/uuid"
)

// NewLogger builds the process logger from cfg.
func NewLogger(cfg config.LoggingConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}
}

// OpenStore opens the configured dedup store. The caller runs EnsureSchema.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (storage.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		st, err := sqlite.New(cfg.DSN, cfg.MaxOpenConns)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "postgres":
		st, err := postgres.New(ctx, cfg.DSN, cfg.MaxOpenConns)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// Options override collaborators that need external programs.
type Options struct {
	// Renderer replaces the configured page renderer.
	Renderer scraper.Renderer
	// Recognizer replaces the tesseract recognizer.
	Recognizer ocr.Recognizer
}

// Crawl is one configured crawl run over an open store.
type Crawl struct {
	RunID string

	cfg       config.Config
	renderer  scraper.Renderer
	crawler   *scraper.Crawler
	processor *pipeline.Processor
	logger    *slog.Logger
}

// NewCrawl assembles the renderer, crawler and row pipeline. Close releases
// the renderer.
func NewCrawl(ctx context.Context, cfg config.Config, store storage.Store, logger *slog.Logger, opts Options) (*Crawl, error) {
	if logger == nil {
		logger = slog.Default()
	}
	runID := uuid.NewString()
	logger = logger.With("run_id", runID)

	legal, err := resolver.NewPatternParser(cfg.Resolver.SubdivisionPattern, cfg.Resolver.LotBlockPattern)
	if err != nil {
		return nil, err
	}
	res := resolver.New(cfg.Portal, legal)

	extractor, err := ocr.NewExtractor(cfg.OCR, opts.Recognizer, logger)
	if err != nil {
		return nil, err
	}

	imageClient, err := scraper.NewPortalClient(cfg.Portal, cfg.Images)
	if err != nil {
		return nil, err
	}
	fetcher := scraper.NewFetcher(imageClient, scraper.FetchConfig{
		Limiter:  ratelimit.NewLimiter(cfg.Images.RequestsPerSecond, cfg.Images.Burst, cfg.Images.Jitter),
		Attempts: cfg.Images.FetchAttempts,
		Delay:    cfg.Crawl.RetryDelay,
	}, logger)

	arch, err := archive.New(ctx, cfg.Archive)
	if err != nil {
		return nil, err
	}

	renderer := opts.Renderer
	if renderer == nil {
		renderer, err = newRenderer(ctx, cfg)
		if err != nil {
			return nil, err
		}
	}

	locator := scraper.NewLocator(renderer, scraper.LocatorConfig{
		Selector: cfg.Portal.ImageSelector,
		Suffix:   cfg.Images.PageSuffix,
		Pages:    cfg.Images.PagesPerDocument,
		Attempts: cfg.Images.LocatorAttempts,
		Delay:    cfg.Images.LocatorDelay,
	}, logger)

	processor := pipeline.New(pipeline.Deps{
		Resolver:  res,
		Store:     store,
		Locator:   locator,
		Fetcher:   fetcher,
		Extractor: extractor,
		Archive:   arch,
		Reextract: cfg.Pipeline.Reextract(),
	}, logger)

	crawler := scraper.NewCrawler(scraper.CrawlConfig{
		PageURL:         cfg.Portal.PageURL,
		PageSize:        cfg.Crawl.PageSize,
		StartOffset:     cfg.Crawl.StartOffset,
		MaxPages:        cfg.Crawl.MaxPages,
		RowSelector:     cfg.Portal.RowSelector,
		SummarySelector: cfg.Portal.SummarySelector,
		Attempts:        cfg.Crawl.PageRetries,
		Delay:           cfg.Crawl.RetryDelay,
		Workers:         cfg.Crawl.Workers,
	}, renderer, res, logger)

	return &Crawl{
		RunID:     runID,
		cfg:       cfg,
		renderer:  renderer,
		crawler:   crawler,
		processor: processor,
		logger:    logger,
	}, nil
}

func newRenderer(ctx context.Context, cfg config.Config) (scraper.Renderer, error) {
	switch cfg.Crawl.Renderer {
	case "chrome":
		r, err := scraper.NewChromeRenderer(ctx, scraper.ChromeOptions{
			UserAgent: cfg.Portal.UserAgent,
			Timeout:   cfg.Crawl.PageTimeout,
			Settle:    cfg.Crawl.SettleDelay,
			Flags:     cfg.Crawl.ChromeFlags,
		})
		if err != nil {
			return nil, err
		}
		return r, nil
	case "http":
		pages := cfg.Images
		pages.FetchTimeout = cfg.Crawl.PageTimeout
		client, err := scraper.NewPortalClient(cfg.Portal, pages)
		if err != nil {
			return nil, err
		}
		return scraper.NewHTTPRenderer(client), nil
	default:
		return nil, fmt.Errorf("unknown renderer %q", cfg.Crawl.Renderer)
	}
}

// Run crawls until the last page, an unrecoverable page or cancellation, and
// returns the run summary alongside the crawl error.
func (c *Crawl) Run(ctx context.Context) (report.Summary, error) {
	start := time.Now()
	c.logger.Info("crawl started",
		"start_offset", c.cfg.Crawl.StartOffset, "page_size", c.cfg.Crawl.PageSize,
		"workers", c.cfg.Crawl.Workers, "renderer", c.cfg.Crawl.Renderer)

	res, err := c.crawler.Run(ctx, c.processor)
	summary := report.GenerateSummary(c.RunID, start, time.Now(), res, c.processor.Counts(), err)

	switch {
	case err == nil:
		c.logger.Info("crawl finished", "pages", res.Pages, "rows", res.Rows, "duration_ms", time.Since(start).Milliseconds())
	case errors.Is(err, context.Canceled):
		c.logger.Warn("crawl interrupted", "next_offset", res.NextOffset, "err", err)
	default:
		c.logger.Error("crawl stopped", "next_offset", res.NextOffset, "err", err)
	}
	return summary, err
}

// Close releases the renderer.
func (c *Crawl) Close() error {
	return c.renderer.Close()
}
