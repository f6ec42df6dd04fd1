package scraper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/chromedp"
)

// ChromeOptions configures the headless browser.
type ChromeOptions struct {
	UserAgent string
	// Timeout bounds one Render call, navigation through extraction.
	Timeout time.Duration
	// Settle is slept after the awaited element appears so late scripts can finish.
	Settle time.Duration
	// Flags are extra command-line switches, each "name" or "name=value".
	Flags []string
}

// ChromeRenderer renders pages in headless Chrome. Each Render opens a
// fresh tab that is closed when the call returns.
type ChromeRenderer struct {
	opts          ChromeOptions
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

// NewChromeRenderer launches the browser. It fails if Chrome cannot start.
func NewChromeRenderer(ctx context.Context, opts ChromeOptions) (*ChromeRenderer, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
	}
	for _, f := range opts.Flags {
		name, value, ok := strings.Cut(f, "=")
		if !ok {
			allocOpts = append(allocOpts, chromedp.Flag(name, true))
			continue
		}
		allocOpts = append(allocOpts, chromedp.Flag(name, value))
	}

	// The browser outlives any single request context.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), allocOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("scraper: start chrome: %w", err)
	}

	return &ChromeRenderer{
		opts:          opts,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}, nil
}

// Render navigates a new tab to url and returns the DOM once waitSelector is ready.
func (r *ChromeRenderer) Render(ctx context.Context, url, waitSelector string) (*goquery.Document, error) {
	tabCtx, tabCancel := chromedp.NewContext(r.browserCtx)
	defer tabCancel()
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	tabCtx, timeoutCancel := context.WithTimeout(tabCtx, r.opts.Timeout)
	defer timeoutCancel()

	actions := []chromedp.Action{chromedp.Navigate(url)}
	if waitSelector != "" {
		actions = append(actions, chromedp.WaitReady(waitSelector, chromedp.ByQuery))
	}
	if r.opts.Settle > 0 {
		actions = append(actions, chromedp.Sleep(r.opts.Settle))
	}
	var html string
	actions = append(actions, chromedp.OuterHTML("html", &html, chromedp.ByQuery))

	if err := chromedp.Run(tabCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) && waitSelector != "" {
			return nil, fmt.Errorf("%w: %q on %s: %v", ErrElementNotFound, waitSelector, url, err)
		}
		return nil, fmt.Errorf("%w: render %s: %v", ErrTransientFetch, url, err)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("scraper: parse %s: %w", url, err)
	}
	return doc, nil
}

// Close shuts the browser down.
func (r *ChromeRenderer) Close() error {
	r.browserCancel()
	r.allocCancel()
	return nil
}
