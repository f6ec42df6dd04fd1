package ocr

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

type fakeRunner struct {
	name   string
	args   []string
	stdin  []byte
	stdout string
	stderr string
	err    error
}

func (f *fakeRunner) Run(ctx context.Context, stdin io.Reader, name string, args ...string) ([]byte, []byte, error) {
	f.name = name
	f.args = args
	f.stdin, _ = io.ReadAll(stdin)
	return []byte(f.stdout), []byte(f.stderr), f.err
}

func TestTesseract_Recognize(t *testing.T) {
	r := &fakeRunner{stdout: "NOTE AMOUNT $100,000.00\n"}
	tess := &Tesseract{Runner: r}

	text, err := tess.Recognize(context.Background(), testImage(10, 10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != r.stdout {
		t.Errorf("unexpected text %q", text)
	}
	if r.name != "tesseract" {
		t.Errorf("expected default binary, got %q", r.name)
	}
	if got := strings.Join(r.args, " "); got != "stdin stdout -l eng --psm 6" {
		t.Errorf("unexpected args %q", got)
	}
	if !bytes.HasPrefix(r.stdin, []byte("\x89PNG")) {
		t.Errorf("expected PNG on stdin")
	}
}

func TestTesseract_Failure(t *testing.T) {
	r := &fakeRunner{err: errors.New("exit status 1"), stderr: "Error opening data file eng.traineddata"}
	tess := &Tesseract{Binary: "/opt/tess", Language: "spa", PSM: 4, Runner: r}

	_, err := tess.Recognize(context.Background(), testImage(5, 5))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "traineddata") {
		t.Errorf("expected stderr in error, got %v", err)
	}
	if got := strings.Join(r.args, " "); got != "stdin stdout -l spa --psm 4" {
		t.Errorf("unexpected args %q", got)
	}
}
