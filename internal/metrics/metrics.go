package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deedscan_pages_total",
			Help: "Result pages processed, by outcome",
		},
		[]string{"outcome"},
	)

	DocumentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deedscan_documents_total",
			Help: "Result rows processed, by outcome",
		},
		[]string{"outcome"},
	)

	ImageFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deedscan_image_fetches_total",
			Help: "Page image downloads, by HTTP status or error",
		},
		[]string{"status"},
	)

	ImageBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deedscan_image_bytes_total",
			Help: "Total bytes of page images downloaded",
		},
	)

	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deedscan_retries_total",
			Help: "Retried attempts, by operation",
		},
		[]string{"op"},
	)

	ChallengesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deedscan_challenges_total",
			Help: "Responses classified as bot challenges, by source",
		},
		[]string{"source"},
	)

	OCRDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deedscan_ocr_duration_seconds",
			Help:    "Recognition time per page image",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)

	DocumentDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deedscan_document_duration_seconds",
			Help:    "End-to-end processing time per result row",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
		},
	)
)

// RecordImageFetch counts one image download attempt. status is the HTTP
// status code, or 0 when no response arrived.
func RecordImageFetch(status int, bytes int) {
	label := "error"
	if status > 0 {
		label = fmt.Sprintf("%d", status)
	}
	ImageFetchesTotal.WithLabelValues(label).Inc()
	if bytes > 0 {
		ImageBytesTotal.Add(float64(bytes))
	}
}

// Server encapsulates an HTTP server for Prometheus metrics.
type Server struct {
	srv *http.Server
}

// Start begins listening on the specified port and exposes /metrics.
func Start(port int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "port", port, "err", err)
		}
	}()

	return &Server{srv: srv}
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	if s == nil || s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
