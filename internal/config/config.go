// Package config loads the deedscan run configuration from YAML.
package config

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the single object threaded through a crawl run.
type Config struct {
	Portal   PortalConfig   `yaml:"portal"`
	Crawl    CrawlConfig    `yaml:"crawl"`
	Images   ImagesConfig   `yaml:"images"`
	OCR      OCRConfig      `yaml:"ocr"`
	Resolver ResolverConfig `yaml:"resolver"`
	Store    StoreConfig    `yaml:"store"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
	Pipeline PipelineConfig `yaml:"pipeline"`
}

// PortalConfig describes the records portal being crawled.
type PortalConfig struct {
	// SearchURL is the results listing without limit/offset parameters.
	SearchURL string `yaml:"search_url"`
	// DocURLTemplate contains a single {id} placeholder.
	DocURLTemplate  string          `yaml:"doc_url_template"`
	CheckboxPrefix  string          `yaml:"checkbox_prefix"`
	RowSelector     string          `yaml:"row_selector"`
	CheckboxSel     string          `yaml:"checkbox_selector"`
	SummarySelector string          `yaml:"summary_selector"`
	ImageSelector   string          `yaml:"image_selector"`
	Columns         ColumnSelectors `yaml:"columns"`
	AuthCookie      string          `yaml:"auth_cookie"`
	UserAgent       string          `yaml:"user_agent"`
	Referer         string          `yaml:"referer"`
}

// ColumnSelectors locate the text cells within one result row.
type ColumnSelectors struct {
	DocType        string `yaml:"doc_type"`
	RecordedDate   string `yaml:"recorded_date"`
	DocumentNumber string `yaml:"document_number"`
	Town           string `yaml:"town"`
	Legal          string `yaml:"legal"`
}

// CrawlConfig controls pagination.
type CrawlConfig struct {
	PageSize    int           `yaml:"page_size"`
	StartOffset int           `yaml:"start_offset"`
	PageRetries int           `yaml:"page_retries"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	PageTimeout time.Duration `yaml:"page_timeout"`
	Workers     int           `yaml:"workers"`
	Renderer    string        `yaml:"renderer"` // chrome, http
	ChromeFlags []string      `yaml:"chrome_flags"`
	SettleDelay time.Duration `yaml:"settle_delay"`
	MaxPages    int           `yaml:"max_pages"` // 0 = until exhausted
}

// ImagesConfig controls image discovery and download.
type ImagesConfig struct {
	PagesPerDocument  int           `yaml:"pages_per_document"`
	PageSuffix        string        `yaml:"page_suffix"`
	LocatorAttempts   int           `yaml:"locator_attempts"`
	LocatorDelay      time.Duration `yaml:"locator_delay"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	Jitter            float64       `yaml:"jitter"`
	FetchTimeout      time.Duration `yaml:"fetch_timeout"`
	FetchAttempts     int           `yaml:"fetch_attempts"`
	TLSProfile        string        `yaml:"tls_profile"`
	VerifyTLS         bool          `yaml:"verify_tls"`
}

// OCRConfig configures recognition and amount parsing.
type OCRConfig struct {
	Binary          string  `yaml:"binary"`
	Language        string  `yaml:"language"`
	PSM             int     `yaml:"psm"`
	ScaleFactor     float64 `yaml:"scale_factor"`
	CurrencyPattern string  `yaml:"currency_pattern"`
}

// ResolverConfig holds the legal-description patterns.
type ResolverConfig struct {
	SubdivisionPattern string `yaml:"subdivision_pattern"`
	LotBlockPattern    string `yaml:"lot_block_pattern"`
}

// StoreConfig selects the dedup store backend.
type StoreConfig struct {
	Driver       string `yaml:"driver"` // sqlite, postgres
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// ArchiveConfig controls optional persistence of downloaded page images.
type ArchiveConfig struct {
	Kind      string `yaml:"kind"` // none, dir, minio
	Dir       string `yaml:"dir"`
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
	Prefix    string `yaml:"prefix"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Port int `yaml:"port"` // 0 disables the endpoint
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// PipelineConfig holds per-document processing policy.
type PipelineConfig struct {
	// ReextractIncomplete re-runs image extraction for stored records whose
	// image_urls column is still null.
	ReextractIncomplete *bool `yaml:"reextract_incomplete"`
}

// Defaults for the Dallas County public-search portal.
const (
	DefaultSearchURL       = "https://dallas.tx.publicsearch.us/results?_docTypes=DT&_recordedYears=2020-Present&department=RP&searchOcrText=false&searchType=quickSearch&searchValue=deed%20of%20trust&sort=desc&sortBy=recordedDate"
	DefaultDocURLTemplate  = "https://dallas.tx.publicsearch.us/doc/{id}"
	DefaultCheckboxPrefix  = "table-checkbox-"
	DefaultRowSelector     = "div.search-results__results-wrap div.a11y-table table tbody tr"
	DefaultCheckboxSel     = `input[data-testid="searchResultCheckbox"]`
	DefaultSummarySelector = `p[data-testid="resultsSummary"]`
	DefaultImageSelector   = "section svg g image"
	DefaultUserAgent       = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/96.0.4664.110 Safari/537.36"
	DefaultReferer         = "https://dallas.tx.publicsearch.us/search/property"
	DefaultCurrencyPattern = `\$?\b\d{1,3}(?:,\d{3})*(?:\.\d{2})?\b`
	DefaultSubdivision     = `Name:\s*([^,]+),`
	DefaultLotBlock        = `Lot:\s*(\w+)\s*Block:\s*(\w+)`
)

// Load reads, expands and validates the YAML file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML document after ${VAR} substitution.
func Parse(data []byte) (Config, error) {
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() Config {
	var cfg Config
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	p := &c.Portal
	if p.SearchURL == "" {
		p.SearchURL = DefaultSearchURL
	}
	if p.DocURLTemplate == "" {
		p.DocURLTemplate = DefaultDocURLTemplate
	}
	if p.CheckboxPrefix == "" {
		p.CheckboxPrefix = DefaultCheckboxPrefix
	}
	if p.RowSelector == "" {
		p.RowSelector = DefaultRowSelector
	}
	if p.CheckboxSel == "" {
		p.CheckboxSel = DefaultCheckboxSel
	}
	if p.SummarySelector == "" {
		p.SummarySelector = DefaultSummarySelector
	}
	if p.ImageSelector == "" {
		p.ImageSelector = DefaultImageSelector
	}
	if p.Columns.DocType == "" {
		p.Columns.DocType = "td.col-5 span"
	}
	if p.Columns.RecordedDate == "" {
		p.Columns.RecordedDate = "td.col-6 span"
	}
	if p.Columns.DocumentNumber == "" {
		p.Columns.DocumentNumber = "td.col-7 span"
	}
	if p.Columns.Town == "" {
		p.Columns.Town = "td.col-9 span"
	}
	if p.Columns.Legal == "" {
		p.Columns.Legal = "td.col-10 span"
	}
	if p.UserAgent == "" {
		p.UserAgent = DefaultUserAgent
	}
	if p.Referer == "" {
		p.Referer = DefaultReferer
	}

	if c.Crawl.PageSize <= 0 {
		c.Crawl.PageSize = 250
	}
	if c.Crawl.PageRetries <= 0 {
		c.Crawl.PageRetries = 3
	}
	if c.Crawl.RetryDelay <= 0 {
		c.Crawl.RetryDelay = 5 * time.Second
	}
	if c.Crawl.PageTimeout <= 0 {
		c.Crawl.PageTimeout = 30 * time.Second
	}
	if c.Crawl.Workers <= 0 {
		c.Crawl.Workers = 7
	}
	if c.Crawl.Renderer == "" {
		c.Crawl.Renderer = "chrome"
	}
	if c.Crawl.SettleDelay <= 0 {
		c.Crawl.SettleDelay = time.Second
	}

	if c.Images.PagesPerDocument <= 0 {
		c.Images.PagesPerDocument = 2
	}
	if c.Images.PageSuffix == "" {
		c.Images.PageSuffix = "_1.png"
	}
	if c.Images.LocatorAttempts <= 0 {
		c.Images.LocatorAttempts = 3
	}
	if c.Images.LocatorDelay <= 0 {
		c.Images.LocatorDelay = 5 * time.Second
	}
	if c.Images.Burst <= 0 {
		c.Images.Burst = 1
	}
	if c.Images.FetchTimeout <= 0 {
		c.Images.FetchTimeout = 60 * time.Second
	}
	if c.Images.FetchAttempts <= 0 {
		c.Images.FetchAttempts = 2
	}
	if c.Images.TLSProfile == "" {
		c.Images.TLSProfile = "go"
	}

	if c.OCR.Binary == "" {
		c.OCR.Binary = "tesseract"
	}
	if c.OCR.Language == "" {
		c.OCR.Language = "eng"
	}
	if c.OCR.PSM <= 0 {
		c.OCR.PSM = 6
	}
	if c.OCR.ScaleFactor <= 0 {
		c.OCR.ScaleFactor = 150.0 / 70.0
	}
	if c.OCR.CurrencyPattern == "" {
		c.OCR.CurrencyPattern = DefaultCurrencyPattern
	}

	if c.Resolver.SubdivisionPattern == "" {
		c.Resolver.SubdivisionPattern = DefaultSubdivision
	}
	if c.Resolver.LotBlockPattern == "" {
		c.Resolver.LotBlockPattern = DefaultLotBlock
	}

	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Store.DSN == "" && c.Store.Driver == "sqlite" {
		c.Store.DSN = "deed_data.db"
	}
	if c.Store.MaxOpenConns <= 0 {
		c.Store.MaxOpenConns = c.Crawl.Workers + 1
	}

	if c.Archive.Kind == "" {
		c.Archive.Kind = "none"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	if c.Pipeline.ReextractIncomplete == nil {
		v := true
		c.Pipeline.ReextractIncomplete = &v
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if !strings.Contains(c.Portal.DocURLTemplate, "{id}") {
		return fmt.Errorf("portal.doc_url_template must contain {id}, got %q", c.Portal.DocURLTemplate)
	}
	switch c.Crawl.Renderer {
	case "chrome", "http":
	default:
		return fmt.Errorf("crawl.renderer must be \"chrome\" or \"http\", got %q", c.Crawl.Renderer)
	}
	if c.Crawl.StartOffset < 0 {
		return fmt.Errorf("crawl.start_offset must be >= 0, got %d", c.Crawl.StartOffset)
	}
	if c.Images.Jitter < 0 || c.Images.Jitter > 1 {
		return fmt.Errorf("images.jitter must be between 0 and 1, got %v", c.Images.Jitter)
	}
	for name, pat := range map[string]string{
		"ocr.currency_pattern":         c.OCR.CurrencyPattern,
		"resolver.subdivision_pattern": c.Resolver.SubdivisionPattern,
		"resolver.lot_block_pattern":   c.Resolver.LotBlockPattern,
	} {
		if _, err := regexp.Compile(pat); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("store.driver must be \"sqlite\" or \"postgres\", got %q", c.Store.Driver)
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required")
	}
	switch c.Archive.Kind {
	case "none":
	case "dir":
		if c.Archive.Dir == "" {
			return fmt.Errorf("archive.dir is required for kind \"dir\"")
		}
	case "minio":
		if c.Archive.Endpoint == "" || c.Archive.Bucket == "" {
			return fmt.Errorf("archive.endpoint and archive.bucket are required for kind \"minio\"")
		}
	default:
		return fmt.Errorf("archive.kind must be one of none, dir, minio, got %q", c.Archive.Kind)
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 0 and 65535, got %d", c.Metrics.Port)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format)
	}
	return nil
}

// DocURL substitutes id into the document URL template.
func (p PortalConfig) DocURL(id string) string {
	return strings.ReplaceAll(p.DocURLTemplate, "{id}", id)
}

// PageURL appends limit and offset to the search URL.
func (p PortalConfig) PageURL(limit, offset int) string {
	sep := "&"
	if !strings.Contains(p.SearchURL, "?") {
		sep = "?"
	}
	return fmt.Sprintf("%s%slimit=%d&offset=%d", p.SearchURL, sep, limit, offset)
}

// Headers returns the fixed header set sent with every image request.
func (p PortalConfig) Headers() http.Header {
	h := http.Header{}
	h.Set("User-Agent", p.UserAgent)
	if p.Referer != "" {
		h.Set("Referer", p.Referer)
	}
	if p.AuthCookie != "" {
		h.Set("Cookie", p.AuthCookie)
	}
	return h
}

// Reextract reports whether incomplete records are re-extracted.
func (c PipelineConfig) Reextract() bool {
	return c.ReextractIncomplete == nil || *c.ReextractIncomplete
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1])
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
