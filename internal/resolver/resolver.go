// Package resolver turns search-result rows into document identities and row metadata.
package resolver

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/FranksOps/deedscan/internal/config"
	"github.com/FranksOps/deedscan/internal/storage"
	"github.com/PuerkitoBio/goquery"
)

// ErrMalformedRow is returned when a row carries no usable document identifier.
var ErrMalformedRow = errors.New("resolver: malformed row")

// Row holds the raw text of one search-result row as scraped.
type Row struct {
	CheckboxID     string
	DocType        string
	RecordedDate   string
	DocumentNumber string
	Town           string
	Legal          string
}

// Document is a resolved row: its identifier, canonical URL and metadata.
type Document struct {
	ID  string
	URL string
	// Meta holds the row metadata only; extraction fields are nil.
	Meta *storage.DocumentRecord
	// Missing names the metadata fields that did not parse.
	Missing []string
}

// Legal is the structured form of a subdivision/lot/block composite.
type Legal struct {
	Subdivision *string
	Lot         *string
	Block       *string
}

// LegalParser parses the free-text legal description column.
type LegalParser interface {
	Parse(text string) Legal
}

// PatternParser is a LegalParser driven by two configurable expressions.
// The subdivision pattern captures the name in group 1; the lot/block pattern
// captures lot and block in groups 1 and 2.
type PatternParser struct {
	subdivision *regexp.Regexp
	lotBlock    *regexp.Regexp
}

// NewPatternParser compiles the legal-description patterns.
func NewPatternParser(subdivision, lotBlock string) (*PatternParser, error) {
	sub, err := regexp.Compile(subdivision)
	if err != nil {
		return nil, fmt.Errorf("resolver: subdivision pattern: %w", err)
	}
	lb, err := regexp.Compile(lotBlock)
	if err != nil {
		return nil, fmt.Errorf("resolver: lot/block pattern: %w", err)
	}
	if sub.NumSubexp() < 1 {
		return nil, fmt.Errorf("resolver: subdivision pattern needs one capture group")
	}
	if lb.NumSubexp() < 2 {
		return nil, fmt.Errorf("resolver: lot/block pattern needs two capture groups")
	}
	return &PatternParser{subdivision: sub, lotBlock: lb}, nil
}

// Parse extracts whatever parts of the composite match; the rest stay nil.
func (p *PatternParser) Parse(text string) Legal {
	var l Legal
	if m := p.subdivision.FindStringSubmatch(text); m != nil {
		l.Subdivision = nonEmpty(m[1])
	}
	if m := p.lotBlock.FindStringSubmatch(text); m != nil {
		l.Lot = nonEmpty(m[1])
		l.Block = nonEmpty(m[2])
	}
	return l
}

// Resolver derives document identities from rows of one portal.
type Resolver struct {
	portal config.PortalConfig
	legal  LegalParser
}

// New returns a Resolver for portal using legal for the composite column.
func New(portal config.PortalConfig, legal LegalParser) *Resolver {
	return &Resolver{portal: portal, legal: legal}
}

// Rows reads every result row from a rendered results page.
func (r *Resolver) Rows(doc *goquery.Document) []Row {
	var rows []Row
	doc.Find(r.portal.RowSelector).Each(func(_ int, s *goquery.Selection) {
		rows = append(rows, r.ReadRow(s))
	})
	return rows
}

// ReadRow reads the raw cell text of a single row.
func (r *Resolver) ReadRow(s *goquery.Selection) Row {
	id, _ := s.Find(r.portal.CheckboxSel).First().Attr("id")
	c := r.portal.Columns
	return Row{
		CheckboxID:     strings.TrimSpace(id),
		DocType:        cellText(s, c.DocType),
		RecordedDate:   cellText(s, c.RecordedDate),
		DocumentNumber: cellText(s, c.DocumentNumber),
		Town:           cellText(s, c.Town),
		Legal:          cellText(s, c.Legal),
	}
}

// Resolve maps a row to its document. It fails only when the identifier
// cannot be derived; unparsed metadata fields are left nil.
func (r *Resolver) Resolve(row Row) (*Document, error) {
	id, ok := strings.CutPrefix(row.CheckboxID, r.portal.CheckboxPrefix)
	id = strings.TrimSpace(id)
	if !ok || id == "" {
		return nil, fmt.Errorf("%w: checkbox id %q", ErrMalformedRow, row.CheckboxID)
	}

	url := r.portal.DocURL(id)
	legal := r.legal.Parse(row.Legal)
	meta := &storage.DocumentRecord{
		DocURL:         url,
		DocType:        nonEmpty(row.DocType),
		RecordedDate:   nonEmpty(row.RecordedDate),
		DocumentNumber: nonEmpty(row.DocumentNumber),
		Town:           nonEmpty(row.Town),
		Subdivision:    legal.Subdivision,
		LotNumber:      legal.Lot,
		BlockNumber:    legal.Block,
	}

	doc := &Document{ID: id, URL: url, Meta: meta}
	for _, f := range []struct {
		name string
		v    *string
	}{
		{"doc_type", meta.DocType},
		{"recorded_date", meta.RecordedDate},
		{"document_number", meta.DocumentNumber},
		{"town", meta.Town},
		{"subdivision", meta.Subdivision},
		{"lot_number", meta.LotNumber},
		{"block_number", meta.BlockNumber},
	} {
		if f.v == nil {
			doc.Missing = append(doc.Missing, f.name)
		}
	}
	return doc, nil
}

func cellText(s *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	return strings.TrimSpace(s.Find(selector).First().Text())
}

func nonEmpty(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
