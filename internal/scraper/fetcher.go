package scraper

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/FranksOps/deedscan/internal/bypass"
	"github.com/FranksOps/deedscan/internal/config"
	"github.com/FranksOps/deedscan/internal/fingerprint"
	"github.com/FranksOps/deedscan/internal/metrics"
	"github.com/FranksOps/deedscan/pkg/httpclient"
	"github.com/FranksOps/deedscan/pkg/ratelimit"
	"github.com/FranksOps/deedscan/pkg/retry"
)

// NewPortalClient builds the HTTP client used for image downloads: the
// configured TLS profile, the portal's fixed headers and, unless
// verify_tls is set, no certificate verification.
func NewPortalClient(portal config.PortalConfig, images config.ImagesConfig) (*httpclient.Client, error) {
	profile, err := fingerprint.ParseProfile(images.TLSProfile)
	if err != nil {
		return nil, err
	}
	transport, err := fingerprint.Transport(profile, fingerprint.Options{InsecureSkipVerify: !images.VerifyTLS})
	if err != nil {
		return nil, fmt.Errorf("failed to setup transport: %w", err)
	}
	client, err := httpclient.New(httpclient.Config{
		Timeout:   images.FetchTimeout,
		Headers:   portal.Headers(),
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return client, nil
}

// FetchConfig configures image downloads.
type FetchConfig struct {
	Limiter  *ratelimit.Limiter
	Attempts int
	Delay    time.Duration
}

// Fetcher downloads page images over plain HTTP GET.
type Fetcher struct {
	client    *httpclient.Client
	cfg       FetchConfig
	detectors []bypass.Detector
	logger    *slog.Logger
}

// NewFetcher returns a Fetcher using client. The client carries the fixed
// header set, so a single Fetcher is shared by all workers.
func NewFetcher(client *httpclient.Client, cfg FetchConfig, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	return &Fetcher{client: client, cfg: cfg, detectors: bypass.DefaultDetectors(), logger: logger}
}

// Fetch downloads one image, retrying transient failures.
func (f *Fetcher) Fetch(ctx context.Context, imageURL string) ([]byte, error) {
	var body []byte
	policy := retry.Policy{
		MaxAttempts: f.cfg.Attempts,
		Delay:       f.cfg.Delay,
		Multiplier:  2,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			metrics.RetriesTotal.WithLabelValues("image").Inc()
			f.logger.Warn("image fetch failed, retrying", "url", imageURL, "attempt", attempt, "wait", wait, "err", err)
		},
	}
	out := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		b, err := f.fetchOnce(ctx, imageURL)
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	if !out.OK() {
		return nil, out.Err
	}
	return body, nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, imageURL string) ([]byte, error) {
	if err := f.cfg.Limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	start := time.Now()
	resp, err := f.client.Get(ctx, imageURL)
	if err != nil {
		metrics.RecordImageFetch(0, 0)
		return nil, fmt.Errorf("%w: %v", ErrTransientFetch, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		metrics.RecordImageFetch(0, 0)
		return nil, fmt.Errorf("%w: read body: %v", ErrTransientFetch, err)
	}
	metrics.RecordImageFetch(resp.StatusCode, len(body))
	f.logger.Debug("image fetched", "url", imageURL, "status", resp.StatusCode, "bytes", len(body), "duration_ms", time.Since(start).Milliseconds())

	if detected, src := bypass.Analyze(&bypass.Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, f.detectors); detected {
		metrics.ChallengesTotal.WithLabelValues(src).Inc()
		return nil, retry.Permanent(fmt.Errorf("%w by %s: %s", ErrChallenged, src, imageURL))
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: %s returned %d", ErrTransientFetch, imageURL, resp.StatusCode)
	default:
		// A missing page (documents with a single page) will not appear on retry.
		return nil, retry.Permanent(fmt.Errorf("scraper: %s returned %d", imageURL, resp.StatusCode))
	}
}
