package ocr

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// AmountParser finds currency amounts in recognized text.
type AmountParser struct {
	re *regexp.Regexp
}

// NewAmountParser compiles pattern. Each match is stripped of "$" and ","
// before being parsed as a decimal.
func NewAmountParser(pattern string) (*AmountParser, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("ocr: currency pattern: %w", err)
	}
	return &AmountParser{re: re}, nil
}

var amountStrip = strings.NewReplacer("$", "", ",", "", " ", "")

// Parse returns every amount in text, in order of appearance.
func (p *AmountParser) Parse(text string) []decimal.Decimal {
	var out []decimal.Decimal
	for _, m := range p.re.FindAllString(text, -1) {
		d, err := decimal.NewFromString(amountStrip.Replace(m))
		if err != nil {
			continue
		}
		out = append(out, d)
	}
	return out
}

// Max returns the largest amount in text and false when there is none.
func (p *AmountParser) Max(text string) (decimal.Decimal, bool) {
	return maxOf(p.Parse(text))
}

func maxOf(ds []decimal.Decimal) (decimal.Decimal, bool) {
	if len(ds) == 0 {
		return decimal.Decimal{}, false
	}
	m := ds[0]
	for _, d := range ds[1:] {
		if d.GreaterThan(m) {
			m = d
		}
	}
	return m, true
}
