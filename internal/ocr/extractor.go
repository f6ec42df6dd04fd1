// Package ocr extracts the largest currency amount from document page images.
package ocr

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/FranksOps/deedscan/internal/config"
	"github.com/FranksOps/deedscan/internal/metrics"
	"github.com/shopspring/decimal"
)

// PageResult is the outcome for one page image.
type PageResult struct {
	Text     string
	Amounts  []decimal.Decimal
	Max      decimal.Decimal
	Found    bool
	Duration time.Duration
}

// DocumentResult aggregates the pages of one document.
type DocumentResult struct {
	// PageMaxima holds one entry per page that yielded an amount. It is nil
	// when no page could be recognized at all.
	PageMaxima []float64
	// Max is nil when no page yielded an amount.
	Max      *float64
	Failures int
}

// Extractor runs preprocessing, recognition and amount parsing.
type Extractor struct {
	scale   float64
	rec     Recognizer
	amounts *AmountParser
	logger  *slog.Logger
}

// NewExtractor builds an Extractor from cfg. rec defaults to a Tesseract
// recognizer configured from cfg.
func NewExtractor(cfg config.OCRConfig, rec Recognizer, logger *slog.Logger) (*Extractor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	amounts, err := NewAmountParser(cfg.CurrencyPattern)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		rec = &Tesseract{
			Binary:   cfg.Binary,
			Language: cfg.Language,
			PSM:      cfg.PSM,
			Runner:   ExecRunner{Logger: logger},
		}
	}
	scale := cfg.ScaleFactor
	if scale <= 0 {
		scale = DefaultScale
	}
	return &Extractor{scale: scale, rec: rec, amounts: amounts, logger: logger}, nil
}

// ExtractPage recognizes one page image. A page with no amount is not an
// error: Found is false and Max is zero-valued.
func (e *Extractor) ExtractPage(ctx context.Context, data []byte) (PageResult, error) {
	start := time.Now()
	img, err := Decode(data)
	if err != nil {
		return PageResult{}, err
	}
	text, err := e.rec.Recognize(ctx, Upscale(img, e.scale))
	if err != nil {
		return PageResult{}, fmt.Errorf("ocr: recognize: %w", err)
	}

	res := PageResult{Text: text, Amounts: e.amounts.Parse(text)}
	res.Max, res.Found = maxOf(res.Amounts)
	res.Duration = time.Since(start)
	metrics.OCRDuration.Observe(res.Duration.Seconds())
	return res, nil
}

// ExtractDocument runs each page independently. Pages that fail or yield no
// amount are excluded from the maximum rather than counted as zero. If every
// page fails, PageMaxima is nil so the document is not taken as read.
func (e *Extractor) ExtractDocument(ctx context.Context, pages [][]byte) DocumentResult {
	out := DocumentResult{PageMaxima: []float64{}}
	var maxima []decimal.Decimal
	for i, data := range pages {
		res, err := e.ExtractPage(ctx, data)
		if err != nil {
			out.Failures++
			e.logger.Warn("page extraction failed", "page", i+1, "err", err)
			continue
		}
		if !res.Found {
			e.logger.Debug("no amount on page", "page", i+1, "duration_ms", res.Duration.Milliseconds())
			continue
		}
		maxima = append(maxima, res.Max)
		out.PageMaxima = append(out.PageMaxima, res.Max.InexactFloat64())
	}
	if len(pages) > 0 && out.Failures == len(pages) {
		out.PageMaxima = nil
		return out
	}
	if m, ok := maxOf(maxima); ok {
		f := m.InexactFloat64()
		out.Max = &f
	}
	return out
}
