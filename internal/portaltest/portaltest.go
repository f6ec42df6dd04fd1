// Package portaltest serves a fake public-records portal for tests.
package portaltest

import (
	"bytes"
	"fmt"
	"html/template"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/FranksOps/deedscan/internal/config"
)

// FirstID is the document id of the first result row.
const FirstID = 99887766

// Options shapes the fake portal.
type Options struct {
	// Total is the number of documents in the result set.
	Total int
	// LowerBound renders the summary as "N+ results".
	LowerBound bool
	// SummaryTotal overrides the count shown in the summary (0 = Total).
	SummaryTotal int
	// PageFailures makes the results page at an offset answer 503 this many times.
	PageFailures map[int]int
	// DocFailures makes a viewer page omit its image this many times.
	DocFailures map[string]int
	// Cookie, when set, must be sent with image requests.
	Cookie string
	// PagesPerDoc is the number of images each document has (default 2).
	PagesPerDoc int
}

// Server is a running fake portal.
type Server struct {
	*httptest.Server
	opts Options

	mu   sync.Mutex
	hits map[string]int
}

// New starts a fake portal that is closed with t.
func New(t *testing.T, opts Options) *Server {
	t.Helper()
	if opts.PagesPerDoc <= 0 {
		opts.PagesPerDoc = 2
	}
	s := &Server{opts: opts, hits: map[string]int{}}

	mux := http.NewServeMux()
	mux.HandleFunc("/results", s.results)
	mux.HandleFunc("/doc/{id}", s.doc)
	mux.HandleFunc("/images/{name}", s.image)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// Portal returns a portal configuration pointing at s.
func (s *Server) Portal() config.PortalConfig {
	cfg := config.Default().Portal
	cfg.SearchURL = s.URL + "/results?searchValue=deed%20of%20trust"
	cfg.DocURLTemplate = s.URL + "/doc/{id}"
	cfg.Referer = s.URL + "/search/property"
	cfg.AuthCookie = s.opts.Cookie
	return cfg
}

// DocURL is the canonical URL of document id.
func (s *Server) DocURL(id int) string {
	return fmt.Sprintf("%s/doc/%d", s.URL, id)
}

// Hits reports how many requests hit path (query excluded).
func (s *Server) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func (s *Server) hit(r *http.Request) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := r.URL.Path
	if r.URL.Path == "/results" {
		key = "/results?offset=" + r.URL.Query().Get("offset")
	}
	s.hits[key]++
	return s.hits[key]
}

var resultsTmpl = template.Must(template.New("results").Parse(`<html><body><main id="main-content"><div><div>
<p data-testid="resultsSummary">{{.From}}-{{.To}} of {{.Summary}} results</p>
<div class="search-results__results-wrap"><div class="a11y-table"><table><tbody>
{{range .Rows}}<tr>
  <td><input type="checkbox" data-testid="searchResultCheckbox" id="table-checkbox-{{.ID}}"></td>
  <td class="col-5"><span>DEED OF TRUST</span></td>
  <td class="col-6"><span>04/{{.Day}}/2024</span></td>
  <td class="col-7"><span>2024{{.ID}}</span></td>
  <td class="col-9"><span>DALLAS</span></td>
  <td class="col-10"><span>Name: OAK CLIFF ADDN, Lot: {{.Lot}} Block: 4</span></td>
</tr>
{{end}}</tbody></table></div></div>
</div></div></main></body></html>`))

type row struct {
	ID, Day, Lot int
}

func (s *Server) results(w http.ResponseWriter, r *http.Request) {
	n := s.hit(r)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if n <= s.opts.PageFailures[offset] {
		http.Error(w, "upstream timeout", http.StatusServiceUnavailable)
		return
	}
	if limit <= 0 {
		limit = 250
	}

	var rows []row
	for i := offset; i < offset+limit && i < s.opts.Total; i++ {
		rows = append(rows, row{ID: FirstID + i, Day: i%28 + 1, Lot: i + 1})
	}
	summary := s.opts.SummaryTotal
	if summary == 0 {
		summary = s.opts.Total
	}
	label := formatCount(summary)
	if s.opts.LowerBound {
		label += "+"
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = resultsTmpl.Execute(w, map[string]any{
		"From":    offset + 1,
		"To":      offset + len(rows),
		"Summary": label,
		"Rows":    rows,
	})
}

func (s *Server) doc(w http.ResponseWriter, r *http.Request) {
	n := s.hit(r)
	id := r.PathValue("id")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if n <= s.opts.DocFailures[id] {
		fmt.Fprint(w, `<html><body><main id="main-content"><section><p>Loading...</p></section></main></body></html>`)
		return
	}
	fmt.Fprintf(w, `<html><body><main id="main-content"><section><div class="css-wnovuq"><section>
<svg xmlns="http://www.w3.org/2000/svg" xmlns:xlink="http://www.w3.org/1999/xlink"><g>
<image xlink:href="/images/%s_1.png" width="850" height="1100"></image>
</g></svg></section></div></section></main></body></html>`, id)
}

func (s *Server) image(w http.ResponseWriter, r *http.Request) {
	s.hit(r)
	if s.opts.Cookie != "" && r.Header.Get("Cookie") != s.opts.Cookie {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	name := strings.TrimSuffix(r.PathValue("name"), ".png")
	_, pageStr, ok := strings.Cut(name, "_")
	page, err := strconv.Atoi(pageStr)
	if !ok || err != nil || page < 1 || page > s.opts.PagesPerDoc {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(PNG(page))
}

// PNG returns a small grayscale page image 40+20*page pixels wide.
func PNG(page int) []byte {
	img := image.NewGray(image.Rect(0, 0, 40+20*page, 30))
	for x := 0; x < img.Bounds().Dx(); x++ {
		img.SetGray(x, 15, color.Gray{Y: 200})
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}

func formatCount(n int) string {
	s := strconv.Itoa(n)
	var out []byte
	for i, c := range []byte(s) {
		if i > 0 && (len(s)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, c)
	}
	return string(out)
}
