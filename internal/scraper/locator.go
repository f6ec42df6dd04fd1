package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/FranksOps/deedscan/internal/metrics"
	"github.com/FranksOps/deedscan/pkg/retry"
	"github.com/PuerkitoBio/goquery"
)

// LocatorConfig configures image discovery on a document viewer page.
type LocatorConfig struct {
	// Selector matches the embedded page image (an SVG <image> on the portal).
	Selector string
	// Suffix is the single-page suffix of the first image, e.g. "_1.png".
	// The first "1" in it is replaced by each page number.
	Suffix string
	// Pages is the number of page images to synthesize.
	Pages    int
	Attempts int
	Delay    time.Duration
}

// Locator discovers the page-image URLs of a document.
type Locator struct {
	renderer Renderer
	cfg      LocatorConfig
	logger   *slog.Logger
}

// NewLocator returns a Locator that renders viewer pages with r.
func NewLocator(r Renderer, cfg LocatorConfig, logger *slog.Logger) *Locator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Suffix == "" {
		cfg.Suffix = "_1.png"
	}
	if cfg.Pages <= 0 {
		cfg.Pages = 2
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	return &Locator{renderer: r, cfg: cfg, logger: logger}
}

// Locate renders docURL and synthesizes the page-image URLs. Every attempt
// uses a fresh render. When all attempts fail it returns no URLs together
// with the exhausted outcome; callers treat that as extraction skipped.
func (l *Locator) Locate(ctx context.Context, docURL string) ([]string, retry.Outcome) {
	var urls []string
	policy := retry.Policy{
		MaxAttempts: l.cfg.Attempts,
		Delay:       l.cfg.Delay,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			metrics.RetriesTotal.WithLabelValues("locate").Inc()
			l.logger.Warn("image locate failed, retrying",
				"doc_url", docURL, "attempt", attempt, "max_attempts", l.cfg.Attempts,
				"wait", wait, "err", err)
		},
	}

	out := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		doc, err := l.renderer.Render(ctx, docURL, l.cfg.Selector)
		if err != nil {
			return err
		}
		found, err := l.fromDocument(doc, docURL)
		if err != nil {
			return err
		}
		urls = found
		return nil
	})
	if !out.OK() {
		l.logger.Error("image locate gave up", "doc_url", docURL, "attempts", out.Attempts, "status", out.Status, "err", out.Err)
		return nil, out
	}
	return urls, out
}

func (l *Locator) fromDocument(doc *goquery.Document, docURL string) ([]string, error) {
	sel := doc.Find(l.cfg.Selector).First()
	if sel.Length() == 0 {
		return nil, fmt.Errorf("%w: %q on %s", ErrElementNotFound, l.cfg.Selector, docURL)
	}
	// html.Parse stores xlink:href as namespace "xlink", key "href".
	ref, ok := sel.Attr("href")
	if !ok || ref == "" {
		ref, ok = sel.Attr("xlink:href")
	}
	if !ok || strings.TrimSpace(ref) == "" {
		return nil, fmt.Errorf("%w: image reference on %s", ErrElementNotFound, docURL)
	}

	abs, err := resolveRef(docURL, strings.TrimSpace(ref))
	if err != nil {
		return nil, retry.Permanent(err)
	}
	return l.PageURLs(abs), nil
}

// PageURLs expands the first page's image URL to the configured page count.
// An URL without the single-page suffix is returned alone.
func (l *Locator) PageURLs(first string) []string {
	base, ok := strings.CutSuffix(first, l.cfg.Suffix)
	if !ok {
		return []string{first}
	}
	urls := make([]string, 0, l.cfg.Pages)
	for i := 1; i <= l.cfg.Pages; i++ {
		urls = append(urls, base+strings.Replace(l.cfg.Suffix, "1", strconv.Itoa(i), 1))
	}
	return urls
}

func resolveRef(pageURL, ref string) (string, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("scraper: parse page url: %w", err)
	}
	u, err := base.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("scraper: parse image ref %q: %w", ref, err)
	}
	return u.String(), nil
}
