package scraper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/FranksOps/deedscan/internal/bypass"
	"github.com/FranksOps/deedscan/internal/metrics"
	"github.com/FranksOps/deedscan/pkg/httpclient"
	"github.com/PuerkitoBio/goquery"
)

var (
	// ErrTransientFetch marks a page or image load that failed in a way a
	// later attempt may not (timeouts, transport errors, 5xx).
	ErrTransientFetch = errors.New("scraper: transient fetch failure")
	// ErrElementNotFound is returned when a rendered page lacks the awaited element.
	ErrElementNotFound = errors.New("scraper: element not found")
	// ErrChallenged is returned when the portal answered with a challenge or auth wall.
	ErrChallenged = errors.New("scraper: request challenged")
	// ErrPageUnrecoverable halts a crawl when a results page fails every attempt.
	ErrPageUnrecoverable = errors.New("scraper: results page unrecoverable")
)

const maxBodyBytes = 64 << 20

// Renderer loads a page, waits until waitSelector matches, and returns the DOM.
type Renderer interface {
	Render(ctx context.Context, url, waitSelector string) (*goquery.Document, error)
	Close() error
}

// HTTPRenderer renders with a single GET. It serves portals that render
// server-side, and tests.
type HTTPRenderer struct {
	client    *httpclient.Client
	detectors []bypass.Detector
}

// NewHTTPRenderer returns a renderer that fetches pages with client.
func NewHTTPRenderer(client *httpclient.Client) *HTTPRenderer {
	return &HTTPRenderer{client: client, detectors: bypass.PageDetectors()}
}

// Render fetches url and checks that waitSelector matches at least one node.
func (r *HTTPRenderer) Render(ctx context.Context, url, waitSelector string) (*goquery.Document, error) {
	resp, err := r.client.Get(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransientFetch, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrTransientFetch, err)
	}

	if detected, src := bypass.Analyze(&bypass.Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, r.detectors); detected {
		metrics.ChallengesTotal.WithLabelValues(src).Inc()
		return nil, fmt.Errorf("%w by %s: %s", ErrChallenged, src, url)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned %d", ErrTransientFetch, url, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("scraper: parse %s: %w", url, err)
	}
	if waitSelector != "" && doc.Find(waitSelector).Length() == 0 {
		return nil, fmt.Errorf("%w: %q on %s", ErrElementNotFound, waitSelector, url)
	}
	return doc, nil
}

// Close is a no-op; the client's connections are pooled by its transport.
func (r *HTTPRenderer) Close() error { return nil }
