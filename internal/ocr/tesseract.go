package ocr

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"strconv"
	"strings"
)

// Recognizer turns an image into best-effort text.
type Recognizer interface {
	Recognize(ctx context.Context, img image.Image) (string, error)
}

// Tesseract is a Recognizer backed by the tesseract CLI, fed over stdin.
type Tesseract struct {
	Binary   string // default "tesseract"
	Language string // default "eng"
	PSM      int    // default 6, a single uniform block of text
	Runner   Runner
}

// Recognize runs `tesseract stdin stdout -l <lang> --psm <psm>`.
func (t *Tesseract) Recognize(ctx context.Context, img image.Image) (string, error) {
	data, err := EncodePNG(img)
	if err != nil {
		return "", err
	}

	bin, lang, psm := t.Binary, t.Language, t.PSM
	if bin == "" {
		bin = "tesseract"
	}
	if lang == "" {
		lang = "eng"
	}
	if psm <= 0 {
		psm = 6
	}
	runner := t.Runner
	if runner == nil {
		runner = ExecRunner{}
	}

	args := []string{"stdin", "stdout", "-l", lang, "--psm", strconv.Itoa(psm)}
	out, errb, err := runner.Run(ctx, bytes.NewReader(data), bin, args...)
	if err != nil {
		return "", fmt.Errorf("tesseract: %w: %s", err, strings.TrimSpace(truncate(string(errb), 512)))
	}
	return string(out), nil
}
