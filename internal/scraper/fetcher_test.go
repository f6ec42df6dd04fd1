package scraper

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/FranksOps/deedscan/internal/config"
	"github.com/FranksOps/deedscan/pkg/httpclient"
)

func TestFetcher_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("png-bytes"))
	}))
	defer ts.Close()

	client, _ := httpclient.New(httpclient.Config{})
	f := NewFetcher(client, FetchConfig{Attempts: 2, Delay: time.Millisecond}, nil)

	body, err := f.Fetch(context.Background(), ts.URL+"/a_1.png")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(body) != "png-bytes" {
		t.Errorf("unexpected body %q", body)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 calls, got %d", calls.Load())
	}
}

func TestFetcher_PermanentFailures(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		switch r.URL.Path {
		case "/missing.png":
			w.WriteHeader(http.StatusNotFound)
		case "/expired.png":
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	defer ts.Close()

	client, _ := httpclient.New(httpclient.Config{})
	f := NewFetcher(client, FetchConfig{Attempts: 3, Delay: time.Millisecond}, nil)
	ctx := context.Background()

	if _, err := f.Fetch(ctx, ts.URL+"/missing.png"); err == nil {
		t.Fatal("expected error for 404")
	}
	if calls.Load() != 1 {
		t.Errorf("404 should not be retried, got %d calls", calls.Load())
	}

	calls.Store(0)
	_, err := f.Fetch(ctx, ts.URL+"/expired.png")
	if !errors.Is(err, ErrChallenged) {
		t.Fatalf("expected ErrChallenged for 401, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("401 should not be retried, got %d calls", calls.Load())
	}
}

func TestNewPortalClient_SendsFixedHeaders(t *testing.T) {
	var got http.Header
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Write([]byte("ok"))
	}))
	defer ts.Close()

	cfg := config.Default()
	cfg.Portal.AuthCookie = "authToken=xyz"

	// verify_tls is off by default, so the self-signed test certificate is accepted.
	client, err := NewPortalClient(cfg.Portal, cfg.Images)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f := NewFetcher(client, FetchConfig{}, nil)
	if _, err := f.Fetch(context.Background(), ts.URL+"/img_1.png"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got.Get("Cookie") != "authToken=xyz" {
		t.Errorf("expected auth cookie, got %q", got.Get("Cookie"))
	}
	if got.Get("User-Agent") != config.DefaultUserAgent {
		t.Errorf("expected portal user agent, got %q", got.Get("User-Agent"))
	}
	if got.Get("Referer") != config.DefaultReferer {
		t.Errorf("expected portal referer, got %q", got.Get("Referer"))
	}

	cfg.Images.VerifyTLS = true
	strict, err := NewPortalClient(cfg.Portal, cfg.Images)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := NewFetcher(strict, FetchConfig{}, nil).Fetch(context.Background(), ts.URL+"/img_1.png"); err == nil {
		t.Error("expected certificate verification failure")
	}
}
