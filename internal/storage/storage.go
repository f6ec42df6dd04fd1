// Package storage defines the deed record model and the dedup store contract
// shared by the SQLite and Postgres backends.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Table is the physical table holding one row per document URL.
const Table = "deeds"

var (
	// ErrNotFound is returned by Lookup when no record exists for a URL.
	ErrNotFound = errors.New("storage: record not found")
	// ErrDuplicateKey is returned by Insert when doc_url already exists.
	ErrDuplicateKey = errors.New("storage: duplicate doc_url")
	// ErrSchemaDrift wraps any failure to bring the table up to the known column set.
	ErrSchemaDrift = errors.New("storage: schema migration failed")
)

// DocumentRecord is the durable entity, one per unique document URL.
// Nil pointers and nil slices are stored as NULL.
type DocumentRecord struct {
	DocURL          string
	ImageURLs       []string
	DocumentNumber  *string
	RecordedDate    *string
	LotNumber       *string
	BlockNumber     *string
	AllDollarValues []float64
	MaxDollarValue  *float64
	Town            *string
	Subdivision     *string
	DocType         *string
}

// Status classifies a record's completeness.
type Status int

const (
	StatusAbsent Status = iota
	StatusPartial
	StatusComplete
)

func (s Status) String() string {
	switch s {
	case StatusAbsent:
		return "absent"
	case StatusPartial:
		return "partial"
	case StatusComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Status reports whether r has been through image extraction. A nil record is absent.
// MaxDollarValue may remain nil on a complete record when no amount was recognized.
func (r *DocumentRecord) Status() Status {
	if r == nil {
		return StatusAbsent
	}
	if r.ImageURLs == nil || r.AllDollarValues == nil {
		return StatusPartial
	}
	return StatusComplete
}

// Column is one optional column of the deeds table.
type Column struct {
	Name    string
	Numeric bool
}

// Columns is the known optional column set, in schema order. Columns are
// only ever appended to this list.
var Columns = []Column{
	{Name: "image_urls"},
	{Name: "document_number"},
	{Name: "recorded_date"},
	{Name: "lot_number"},
	{Name: "block_number"},
	{Name: "all_dollar_values"},
	{Name: "max_dollar_value", Numeric: true},
	{Name: "town"},
	{Name: "subdivision"},
	{Name: "doc_type"},
}

// ColumnNames returns the optional column names in schema order.
func ColumnNames() []string {
	names := make([]string, len(Columns))
	for i, c := range Columns {
		names[i] = c.Name
	}
	return names
}

func (r *DocumentRecord) text(col string) **string {
	switch col {
	case "document_number":
		return &r.DocumentNumber
	case "recorded_date":
		return &r.RecordedDate
	case "lot_number":
		return &r.LotNumber
	case "block_number":
		return &r.BlockNumber
	case "town":
		return &r.Town
	case "subdivision":
		return &r.Subdivision
	case "doc_type":
		return &r.DocType
	}
	return nil
}

// Value returns the driver value stored for col: nil, a string or a float64.
func (r *DocumentRecord) Value(col string) any {
	switch col {
	case "image_urls":
		if r.ImageURLs == nil {
			return nil
		}
		b, _ := json.Marshal(r.ImageURLs)
		return string(b)
	case "all_dollar_values":
		if r.AllDollarValues == nil {
			return nil
		}
		b, _ := json.Marshal(r.AllDollarValues)
		return string(b)
	case "max_dollar_value":
		if r.MaxDollarValue == nil {
			return nil
		}
		return *r.MaxDollarValue
	}
	if p := r.text(col); p != nil && *p != nil {
		return **p
	}
	return nil
}

// Values returns the driver values for every optional column in schema order.
func (r *DocumentRecord) Values() []any {
	vals := make([]any, len(Columns))
	for i, c := range Columns {
		vals[i] = r.Value(c.Name)
	}
	return vals
}

// Decode rebuilds a record from values scanned into `any` destinations.
// cols names each entry of vals.
func Decode(docURL string, cols []string, vals []any) (*DocumentRecord, error) {
	if len(cols) != len(vals) {
		return nil, fmt.Errorf("storage: decode: %d columns, %d values", len(cols), len(vals))
	}
	r := &DocumentRecord{DocURL: docURL}
	for i, col := range cols {
		v := vals[i]
		if v == nil {
			continue
		}
		switch col {
		case "image_urls":
			s, err := asString(v)
			if err != nil {
				return nil, fmt.Errorf("storage: decode %s: %w", col, err)
			}
			urls, err := decodeStrings(s)
			if err != nil {
				return nil, fmt.Errorf("storage: decode %s: %w", col, err)
			}
			r.ImageURLs = urls
		case "all_dollar_values":
			s, err := asString(v)
			if err != nil {
				return nil, fmt.Errorf("storage: decode %s: %w", col, err)
			}
			amounts, err := decodeFloats(s)
			if err != nil {
				return nil, fmt.Errorf("storage: decode %s: %w", col, err)
			}
			r.AllDollarValues = amounts
		case "max_dollar_value":
			f, err := asFloat(v)
			if err != nil {
				return nil, fmt.Errorf("storage: decode %s: %w", col, err)
			}
			r.MaxDollarValue = &f
		default:
			p := r.text(col)
			if p == nil {
				// Columns added by a newer release are ignored.
				continue
			}
			s, err := asString(v)
			if err != nil {
				return nil, fmt.Errorf("storage: decode %s: %w", col, err)
			}
			*p = &s
		}
	}
	return r, nil
}

// Pending lists, in schema order, the columns that are NULL in existing and
// non-NULL in proposed. These are the only columns a backfill may write.
func Pending(existing, proposed *DocumentRecord) []string {
	var cols []string
	for _, c := range Columns {
		if existing.Value(c.Name) == nil && proposed.Value(c.Name) != nil {
			cols = append(cols, c.Name)
		}
	}
	return cols
}

func asString(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	default:
		return "", fmt.Errorf("unexpected type %T", v)
	}
}

func asFloat(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case string:
		return strconv.ParseFloat(t, 64)
	case []byte:
		return strconv.ParseFloat(string(t), 64)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

// decodeStrings accepts a JSON array. Rows written by the earlier script
// hold a Python list repr, which is tolerated when it uses single quotes.
func decodeStrings(s string) ([]string, error) {
	out := []string{}
	if err := json.Unmarshal([]byte(s), &out); err == nil {
		return out, nil
	}
	if err := json.Unmarshal([]byte(pyListToJSON(s)), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeFloats(s string) ([]float64, error) {
	out := []float64{}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func pyListToJSON(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c == '\'' {
			b[i] = '"'
		}
	}
	return string(b)
}

// Store is the dedup store keyed by doc_url.
type Store interface {
	// EnsureSchema creates the table if absent and adds any missing optional
	// column. It is idempotent and safe to run concurrently with itself.
	EnsureSchema(ctx context.Context) error
	// Session acquires a dedicated connection for one worker.
	Session(ctx context.Context) (Session, error)
	// Latest returns the n most recently inserted records, newest first.
	Latest(ctx context.Context, n int) ([]*DocumentRecord, error)
	// Each calls fn for every record in insertion order until fn returns an error.
	Each(ctx context.Context, fn func(*DocumentRecord) error) error
	Close() error
}

// Session is a single worker's connection. It must not be shared across goroutines.
type Session interface {
	// Lookup returns the stored record or ErrNotFound.
	Lookup(ctx context.Context, docURL string) (*DocumentRecord, error)
	// Insert stores a new record, failing with ErrDuplicateKey if doc_url exists.
	Insert(ctx context.Context, rec *DocumentRecord) error
	// Backfill writes only the columns that are NULL in storage and non-NULL
	// in proposed, returning the names of the columns it changed.
	Backfill(ctx context.Context, proposed *DocumentRecord) ([]string, error)
	Close() error
}
