package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/FranksOps/deedscan/internal/metrics"
	"github.com/FranksOps/deedscan/internal/resolver"
	"github.com/FranksOps/deedscan/pkg/retry"
	"github.com/PuerkitoBio/goquery"
	"golang.org/x/sync/errgroup"
)

// RowReader extracts raw result rows from a rendered results page.
type RowReader interface {
	Rows(doc *goquery.Document) []resolver.Row
}

// RowProcessor handles one result row end to end. It absorbs its own
// failures; the crawler never stops because of a row.
type RowProcessor interface {
	ProcessRow(ctx context.Context, row resolver.Row)
}

// CrawlConfig provides parameters for the pagination crawler.
type CrawlConfig struct {
	// PageURL builds the results URL for one window.
	PageURL         func(limit, offset int) string
	PageSize        int
	StartOffset     int
	MaxPages        int // 0 = until the last page
	RowSelector     string
	SummarySelector string
	Attempts        int
	Delay           time.Duration
	Workers         int
}

// CrawlResult summarizes a finished crawl.
type CrawlResult struct {
	Pages      int
	Rows       int
	NextOffset int
	// Total is the last parsed result count; LowerBound is set for "N+" summaries.
	Total      int
	LowerBound bool
}

// Crawler walks result pages in fixed windows, one page at a time.
type Crawler struct {
	cfg      CrawlConfig
	renderer Renderer
	rows     RowReader
	logger   *slog.Logger
}

// NewCrawler creates a pagination crawler.
func NewCrawler(cfg CrawlConfig, renderer Renderer, rows RowReader, logger *slog.Logger) *Crawler {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 250
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 7
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Crawler{cfg: cfg, renderer: renderer, rows: rows, logger: logger}
}

// Run crawls from the configured start offset until the last page. A page
// that fails every attempt halts the crawl with ErrPageUnrecoverable, since
// skipping an offset would silently drop its documents.
func (c *Crawler) Run(ctx context.Context, proc RowProcessor) (CrawlResult, error) {
	res := CrawlResult{NextOffset: c.cfg.StartOffset}
	limit := c.cfg.PageSize

	for {
		offset := res.NextOffset
		pageURL := c.cfg.PageURL(limit, offset)
		c.logger.Info("loading results page", "url", pageURL, "offset", offset)

		doc, err := c.loadPage(ctx, pageURL, offset)
		if err != nil {
			return res, err
		}

		rows := c.rows.Rows(doc)
		metrics.PagesTotal.WithLabelValues("loaded").Inc()
		c.logger.Info("processing page", "offset", offset, "rows", len(rows))

		if err := c.dispatch(ctx, proc, rows); err != nil {
			return res, err
		}
		res.Pages++
		res.Rows += len(rows)
		res.NextOffset = offset + limit

		summary := strings.TrimSpace(doc.Find(c.cfg.SummarySelector).First().Text())
		total, lowerBound, ok := ParseSummary(summary)
		if ok {
			res.Total, res.LowerBound = total, lowerBound
		}

		switch {
		case len(rows) == 0:
			c.logger.Info("empty results page, stopping", "offset", offset)
			return res, nil
		case ok && offset+limit >= total:
			c.logger.Info("reached the last page", "offset", offset, "total", total, "lower_bound", lowerBound)
			return res, nil
		case !ok && len(rows) < limit:
			c.logger.Info("short page without summary, stopping", "offset", offset, "rows", len(rows), "summary", summary)
			return res, nil
		case c.cfg.MaxPages > 0 && res.Pages >= c.cfg.MaxPages:
			c.logger.Info("page limit reached", "pages", res.Pages, "next_offset", res.NextOffset)
			return res, nil
		}
	}
}

func (c *Crawler) loadPage(ctx context.Context, pageURL string, offset int) (*goquery.Document, error) {
	var doc *goquery.Document
	policy := retry.Policy{
		MaxAttempts: c.cfg.Attempts,
		Delay:       c.cfg.Delay,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			metrics.RetriesTotal.WithLabelValues("page").Inc()
			c.logger.Warn("failed to load results page, retrying",
				"offset", offset, "attempt", attempt, "max_attempts", c.cfg.Attempts, "wait", wait, "err", err)
		},
	}
	out := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		d, err := c.renderer.Render(ctx, pageURL, c.waitSelector())
		if err != nil {
			return err
		}
		doc = d
		return nil
	})

	switch out.Status {
	case retry.Succeeded:
		return doc, nil
	case retry.Canceled:
		return nil, fmt.Errorf("scraper: crawl canceled at offset %d: %w", offset, ctx.Err())
	default:
		metrics.PagesTotal.WithLabelValues("failed").Inc()
		c.logger.Error("results page unrecoverable, stopping crawl", "offset", offset, "attempts", out.Attempts, "err", out.Err)
		return nil, fmt.Errorf("%w: offset %d after %d attempts: %v", ErrPageUnrecoverable, offset, out.Attempts, out.Err)
	}
}

// waitSelector matches a page with rows, or an empty page that still
// carries its results summary.
func (c *Crawler) waitSelector() string {
	if c.cfg.SummarySelector == "" {
		return c.cfg.RowSelector
	}
	return c.cfg.RowSelector + ", " + c.cfg.SummarySelector
}

// dispatch processes the rows of one page with at most Workers in flight.
func (c *Crawler) dispatch(ctx context.Context, proc RowProcessor, rows []resolver.Row) error {
	var g errgroup.Group
	g.SetLimit(c.cfg.Workers)
	for _, row := range rows {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			proc.ProcessRow(ctx, row)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("scraper: crawl canceled: %w", err)
	}
	return nil
}

var (
	summaryRe = regexp.MustCompile(`([\d,]+)(\+?)\s+results?`)
	numberRe  = regexp.MustCompile(`\d[\d,]*`)
)

// ParseSummary reads the total from a results summary such as
// "1-250 of 2,500+ results". A trailing "+" marks the count as a lower bound.
// Without a "results" phrase the last number in the text is used.
func ParseSummary(text string) (total int, lowerBound bool, ok bool) {
	if m := summaryRe.FindAllStringSubmatch(text, -1); len(m) > 0 {
		last := m[len(m)-1]
		n, err := strconv.Atoi(strings.ReplaceAll(last[1], ",", ""))
		if err == nil {
			return n, last[2] == "+", true
		}
	}
	nums := numberRe.FindAllString(text, -1)
	if len(nums) == 0 {
		return 0, false, false
	}
	n, err := strconv.Atoi(strings.ReplaceAll(nums[len(nums)-1], ",", ""))
	if err != nil {
		return 0, false, false
	}
	return n, strings.Contains(text, "+"), true
}
