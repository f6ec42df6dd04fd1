package ocr

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"

	"github.com/FranksOps/deedscan/internal/config"
)

// scriptedRecognizer returns texts in call order.
type scriptedRecognizer struct {
	mu    sync.Mutex
	texts []string
	errs  []error
	calls int
	sizes []image.Rectangle
}

func (s *scriptedRecognizer) Recognize(ctx context.Context, img image.Image) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	s.sizes = append(s.sizes, img.Bounds())
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	if i < len(s.texts) {
		return s.texts[i], err
	}
	return "", err
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	data, err := EncodePNG(testImage(70, 70))
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func newTestExtractor(t *testing.T, rec Recognizer) *Extractor {
	t.Helper()
	cfg := config.Default().OCR
	e, err := NewExtractor(cfg, rec, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return e
}

func TestExtractPage_Upscales(t *testing.T) {
	rec := &scriptedRecognizer{texts: []string{"$1,234.56"}}
	e := newTestExtractor(t, rec)

	res, err := e.ExtractPage(context.Background(), pngBytes(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Found || res.Max.String() != "1234.56" {
		t.Errorf("unexpected result %+v", res)
	}
	if rec.sizes[0].Dx() != 150 {
		t.Errorf("expected upscaled width 150, got %d", rec.sizes[0].Dx())
	}
}

func TestExtractPage_NoValueIsNotZero(t *testing.T) {
	e := newTestExtractor(t, &scriptedRecognizer{texts: []string{"DEED OF TRUST"}})

	res, err := e.ExtractPage(context.Background(), pngBytes(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Found {
		t.Errorf("expected no value, got %s", res.Max)
	}
}

func TestExtractDocument(t *testing.T) {
	tests := []struct {
		name     string
		texts    []string
		errs     []error
		pages    int
		want     *float64
		maxima   []float64
		failures int
	}{
		{
			name:   "max over pages",
			texts:  []string{"fee $45.00", "principal $320,000.00"},
			pages:  2,
			want:   ptr(320000),
			maxima: []float64{45, 320000},
		},
		{
			name:   "miss excluded not zero",
			texts:  []string{"no amounts here", "$12.00"},
			pages:  2,
			want:   ptr(12),
			maxima: []float64{12},
		},
		{
			name:   "all miss",
			texts:  []string{"nothing", "nothing"},
			pages:  2,
			maxima: []float64{},
		},
		{
			name:     "failed page skipped",
			texts:    []string{"", "$7,500"},
			errs:     []error{errors.New("tesseract crashed")},
			pages:    2,
			want:     ptr(7500),
			maxima:   []float64{7500},
			failures: 1,
		},
		{
			name:   "no pages",
			maxima: []float64{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestExtractor(t, &scriptedRecognizer{texts: tt.texts, errs: tt.errs})
			pages := make([][]byte, tt.pages)
			for i := range pages {
				pages[i] = pngBytes(t)
			}

			got := e.ExtractDocument(context.Background(), pages)
			if (got.Max == nil) != (tt.want == nil) || (got.Max != nil && *got.Max != *tt.want) {
				t.Errorf("Max = %v, want %v", deref(got.Max), deref(tt.want))
			}
			if len(got.PageMaxima) != len(tt.maxima) {
				t.Fatalf("PageMaxima = %v, want %v", got.PageMaxima, tt.maxima)
			}
			for i := range tt.maxima {
				if got.PageMaxima[i] != tt.maxima[i] {
					t.Errorf("PageMaxima[%d] = %v, want %v", i, got.PageMaxima[i], tt.maxima[i])
				}
			}
			if got.Failures != tt.failures {
				t.Errorf("Failures = %d, want %d", got.Failures, tt.failures)
			}
		})
	}
}

func TestExtractDocument_UndecodablePage(t *testing.T) {
	e := newTestExtractor(t, &scriptedRecognizer{texts: []string{"$10.00"}})
	got := e.ExtractDocument(context.Background(), [][]byte{[]byte("not an image"), pngBytes(t)})
	if got.Failures != 1 || got.Max == nil || *got.Max != 10 {
		t.Errorf("unexpected result %+v", got)
	}
}

func TestExtractDocument_AllPagesFail(t *testing.T) {
	missing := errors.New(`exec: "tesseract": executable file not found in $PATH`)
	e := newTestExtractor(t, &scriptedRecognizer{errs: []error{missing, missing}})

	got := e.ExtractDocument(context.Background(), [][]byte{pngBytes(t), pngBytes(t)})
	if got.Failures != 2 {
		t.Errorf("Failures = %d, want 2", got.Failures)
	}
	if got.PageMaxima != nil || got.Max != nil {
		t.Errorf("expected nil maxima when nothing was recognized, got %v / %v", got.PageMaxima, deref(got.Max))
	}
}

func ptr(f float64) *float64 { return &f }

func deref(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
