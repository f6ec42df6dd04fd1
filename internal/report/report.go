package report

import (
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	texttemplate "text/template"
	"time"

	"github.com/FranksOps/deedscan/internal/pipeline"
	"github.com/FranksOps/deedscan/internal/scraper"
)

// Summary contains aggregated figures about one crawl run.
type Summary struct {
	RunID      string          `json:"run_id"`
	StartTime  time.Time       `json:"start_time"`
	EndTime    time.Time       `json:"end_time"`
	Duration   time.Duration   `json:"duration"`
	Pages      int             `json:"pages"`
	NextOffset int             `json:"next_offset"`
	Total      int             `json:"total"`
	LowerBound bool            `json:"lower_bound"`
	Documents  pipeline.Counts `json:"documents"`
	// Error is the reason the crawl stopped early, empty on a clean finish.
	Error string `json:"error,omitempty"`
}

// GenerateSummary combines the crawler result and the pipeline tallies.
func GenerateSummary(runID string, start, end time.Time, crawl scraper.CrawlResult, counts pipeline.Counts, crawlErr error) Summary {
	s := Summary{
		RunID:      runID,
		StartTime:  start,
		EndTime:    end,
		Duration:   end.Sub(start).Round(time.Millisecond),
		Pages:      crawl.Pages,
		NextOffset: crawl.NextOffset,
		Total:      crawl.Total,
		LowerBound: crawl.LowerBound,
		Documents:  counts,
	}
	if crawlErr != nil {
		s.Error = crawlErr.Error()
	}
	return s
}

// TotalLabel renders the portal's result count, with "+" for a lower bound.
func (s Summary) TotalLabel() string {
	if s.LowerBound {
		return fmt.Sprintf("%d+", s.Total)
	}
	return fmt.Sprintf("%d", s.Total)
}

// WriteJSON writes the summary to the provided writer in JSON format.
func WriteJSON(w io.Writer, summary Summary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("report: %w", err)
	}
	return nil
}

// WriteText writes a human-readable text summary to the provided writer.
func WriteText(w io.Writer, summary Summary) error {
	const textTmpl = `Deedscan Run Summary
--------------------
Run:           {{.RunID}}
Time:          {{.StartTime.Format "2006-01-02 15:04:05"}} - {{.EndTime.Format "2006-01-02 15:04:05"}}
Duration:      {{.Duration}}
Pages:         {{.Pages}} (results: {{.TotalLabel}}, next offset: {{.NextOffset}})

Documents:     {{.Documents.Rows}} rows
  Inserted:    {{.Documents.Inserted}}
  Backfilled:  {{.Documents.Backfilled}}
  Skipped:     {{.Documents.Skipped}}
  Malformed:   {{.Documents.Malformed}}
  Failed:      {{.Documents.Failed}}

Extraction:
  No images:   {{.Documents.ExtractionSkipped}}
  No value:    {{.Documents.NoValue}}
  Page misses: {{.Documents.PageFailures}}
  OCR failed:  {{.Documents.OCRFailures}}
  Races:       {{.Documents.Raced}}
{{- if .Error}}

Stopped:       {{.Error}}
{{- end}}
`

	t, err := texttemplate.New("textReport").Parse(textTmpl)
	if err != nil {
		return fmt.Errorf("report: %w", err)
	}

	if err := t.Execute(w, summary); err != nil {
		return fmt.Errorf("report: %w", err)
	}

	return nil
}

// WriteHTML writes a basic HTML report to the provided writer.
func WriteHTML(w io.Writer, summary Summary) error {
	const htmlTmpl = `<!DOCTYPE html>
<html>
<head>
<title>Deedscan Run {{.RunID}}</title>
<style>
  body { font-family: sans-serif; margin: 40px; color: #333; }
  h1 { border-bottom: 2px solid #ccc; padding-bottom: 10px; }
  .stat-card { display: inline-block; padding: 20px; margin: 10px 10px 10px 0; background: #f4f4f4; border-radius: 5px; min-width: 150px; }
  .stat-val { font-size: 24px; font-weight: bold; }
  table { border-collapse: collapse; margin-top: 10px; }
  th, td { padding: 8px 12px; border: 1px solid #ccc; text-align: left; }
  th { background: #eaeaea; }
</style>
</head>
<body>
  <h1>Deedscan Run Report</h1>
  <p><strong>Time:</strong> {{.StartTime.Format "2006-01-02 15:04:05"}} to {{.EndTime.Format "2006-01-02 15:04:05"}} ({{.Duration}})</p>
  <p><strong>Pages:</strong> {{.Pages}} of {{.TotalLabel}} results, next offset {{.NextOffset}}</p>
  {{- if .Error}}
  <p style="color: red;"><strong>Stopped:</strong> {{.Error}}</p>
  {{- end}}

  <div class="stat-card">
    <div>Rows</div>
    <div class="stat-val">{{.Documents.Rows}}</div>
  </div>
  <div class="stat-card">
    <div>Inserted</div>
    <div class="stat-val">{{.Documents.Inserted}}</div>
  </div>
  <div class="stat-card">
    <div>Backfilled</div>
    <div class="stat-val">{{.Documents.Backfilled}}</div>
  </div>
  <div class="stat-card">
    <div>Failed</div>
    <div class="stat-val" style="color: {{if gt .Documents.Failed 0}}red{{else}}green{{end}};">{{.Documents.Failed}}</div>
  </div>

  <h3>Extraction</h3>
  <table>
    <tr><th>Outcome</th><th>Count</th></tr>
    <tr><td>Skipped (already stored)</td><td>{{.Documents.Skipped}}</td></tr>
    <tr><td>Malformed rows</td><td>{{.Documents.Malformed}}</td></tr>
    <tr><td>No images located</td><td>{{.Documents.ExtractionSkipped}}</td></tr>
    <tr><td>No value found</td><td>{{.Documents.NoValue}}</td></tr>
    <tr><td>Page images missing</td><td>{{.Documents.PageFailures}}</td></tr>
    <tr><td>OCR failed</td><td>{{.Documents.OCRFailures}}</td></tr>
    <tr><td>Insert races</td><td>{{.Documents.Raced}}</td></tr>
  </table>
</body>
</html>
`
	t, err := template.New("htmlReport").Parse(htmlTmpl)
	if err != nil {
		return fmt.Errorf("report: %w", err)
	}

	if err := t.Execute(w, summary); err != nil {
		return fmt.Errorf("report: %w", err)
	}

	return nil
}
