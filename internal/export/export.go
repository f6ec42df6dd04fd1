// Package export writes the stored deed records to CSV, NDJSON or XLSX.
package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/FranksOps/deedscan/internal/storage"
	"github.com/xuri/excelize/v2"
)

// Format is an export file format.
type Format string

const (
	FormatCSV    Format = "csv"
	FormatNDJSON Format = "ndjson"
	FormatXLSX   Format = "xlsx"
)

// ParseFormat accepts a format name; an empty name is inferred from path.
func ParseFormat(name, path string) (Format, error) {
	if name == "" {
		name = strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	}
	switch strings.ToLower(name) {
	case "csv", "":
		return FormatCSV, nil
	case "ndjson", "jsonl", "json":
		return FormatNDJSON, nil
	case "xlsx":
		return FormatXLSX, nil
	default:
		return "", fmt.Errorf("export: unknown format %q", name)
	}
}

// Header is the column order of every export.
func Header() []string {
	return append([]string{"doc_url"}, storage.ColumnNames()...)
}

// RecordWriter receives records one at a time. Close flushes buffered output.
type RecordWriter interface {
	Write(rec *storage.DocumentRecord) error
	Close() error
}

// New returns a RecordWriter for format writing to w.
func New(format Format, w io.Writer) (RecordWriter, error) {
	switch format {
	case FormatCSV:
		return NewCSV(w)
	case FormatNDJSON:
		return NewNDJSON(w), nil
	case FormatXLSX:
		return NewXLSX(w)
	default:
		return nil, fmt.Errorf("export: unknown format %q", format)
	}
}

// Run streams every record in store to w and returns how many were written.
func Run(ctx context.Context, store storage.Store, format Format, w io.Writer, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	start := time.Now()

	rw, err := New(format, w)
	if err != nil {
		return 0, err
	}
	n := 0
	err = store.Each(ctx, func(rec *storage.DocumentRecord) error {
		if err := rw.Write(rec); err != nil {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		rw.Close()
		return n, fmt.Errorf("export: %w", err)
	}
	if err := rw.Close(); err != nil {
		return n, fmt.Errorf("export: %w", err)
	}

	logger.Info("export finished", "format", format, "records", n, "duration_ms", time.Since(start).Milliseconds())
	return n, nil
}

// cells renders rec in Header order. NULL becomes an empty string.
func cells(rec *storage.DocumentRecord) []string {
	out := []string{rec.DocURL}
	for _, v := range rec.Values() {
		switch t := v.(type) {
		case nil:
			out = append(out, "")
		case float64:
			out = append(out, strconv.FormatFloat(t, 'f', -1, 64))
		default:
			out = append(out, fmt.Sprint(t))
		}
	}
	return out
}

// CSVWriter writes a header row followed by one row per record.
type CSVWriter struct {
	w *csv.Writer
}

func NewCSV(w io.Writer) (*CSVWriter, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header()); err != nil {
		return nil, fmt.Errorf("export: csv header: %w", err)
	}
	return &CSVWriter{w: cw}, nil
}

func (c *CSVWriter) Write(rec *storage.DocumentRecord) error {
	if err := c.w.Write(cells(rec)); err != nil {
		return fmt.Errorf("csv: %w", err)
	}
	return nil
}

func (c *CSVWriter) Close() error {
	c.w.Flush()
	return c.w.Error()
}

// ndjsonRecord is the JSON shape of one exported record.
type ndjsonRecord struct {
	DocURL          string    `json:"doc_url"`
	ImageURLs       []string  `json:"image_urls"`
	DocumentNumber  *string   `json:"document_number"`
	RecordedDate    *string   `json:"recorded_date"`
	LotNumber       *string   `json:"lot_number"`
	BlockNumber     *string   `json:"block_number"`
	AllDollarValues []float64 `json:"all_dollar_values"`
	MaxDollarValue  *float64  `json:"max_dollar_value"`
	Town            *string   `json:"town"`
	Subdivision     *string   `json:"subdivision"`
	DocType         *string   `json:"doc_type"`
}

// NDJSONWriter writes one JSON object per line.
type NDJSONWriter struct {
	enc *json.Encoder
}

func NewNDJSON(w io.Writer) *NDJSONWriter {
	return &NDJSONWriter{enc: json.NewEncoder(w)}
}

func (n *NDJSONWriter) Write(rec *storage.DocumentRecord) error {
	if err := n.enc.Encode(ndjsonRecord(*rec)); err != nil {
		return fmt.Errorf("ndjson: %w", err)
	}
	return nil
}

func (n *NDJSONWriter) Close() error { return nil }

const sheetName = "Deeds"

// XLSXWriter builds a workbook in memory and writes it to w on Close.
type XLSXWriter struct {
	out  io.Writer
	file *excelize.File
	row  int
}

func NewXLSX(w io.Writer) (*XLSXWriter, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return nil, fmt.Errorf("xlsx: %w", err)
	}
	header := make([]any, 0, len(Header()))
	for _, h := range Header() {
		header = append(header, h)
	}
	if err := f.SetSheetRow(sheetName, "A1", &header); err != nil {
		return nil, fmt.Errorf("xlsx: header: %w", err)
	}
	_ = f.SetColWidth(sheetName, "A", "B", 48)
	return &XLSXWriter{out: w, file: f, row: 2}, nil
}

func (x *XLSXWriter) Write(rec *storage.DocumentRecord) error {
	vals := []any{rec.DocURL}
	for _, v := range rec.Values() {
		if v == nil {
			v = ""
		}
		vals = append(vals, v)
	}
	cell, err := excelize.CoordinatesToCellName(1, x.row)
	if err != nil {
		return fmt.Errorf("xlsx: %w", err)
	}
	if err := x.file.SetSheetRow(sheetName, cell, &vals); err != nil {
		return fmt.Errorf("xlsx: row %d: %w", x.row, err)
	}
	x.row++
	return nil
}

func (x *XLSXWriter) Close() error {
	defer x.file.Close()
	if _, err := x.file.WriteTo(x.out); err != nil {
		return fmt.Errorf("xlsx: write: %w", err)
	}
	return nil
}
