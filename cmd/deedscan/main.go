package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/FranksOps/deedscan/internal/app"
	"github.com/FranksOps/deedscan/internal/config"
	"github.com/FranksOps/deedscan/internal/export"
	"github.com/FranksOps/deedscan/internal/metrics"
	"github.com/FranksOps/deedscan/internal/report"
	"github.com/FranksOps/deedscan/internal/storage"
	"github.com/urfave/cli/v2"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "deedscan:", err)
		stop()
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "deedscan",
		Usage: "crawl recorded deeds, extract dollar amounts and keep a deduplicated record store",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML config file", EnvVars: []string{"DEEDSCAN_CONFIG"}},
			&cli.StringFlag{Name: "log-level", Usage: "override logging.level"},
			&cli.StringFlag{Name: "log-format", Usage: "override logging.format (text, json)"},
			&cli.StringFlag{Name: "dsn", Usage: "override store.dsn"},
		},
		Commands: []*cli.Command{
			{
				Name:  "crawl",
				Usage: "walk the result pages and store every document",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "start-offset", Value: -1, Usage: "first result offset (default from config)"},
					&cli.IntFlag{Name: "max-pages", Usage: "stop after this many pages (0 = all)"},
					&cli.StringFlag{Name: "renderer", Usage: "chrome or http"},
					&cli.StringFlag{Name: "report", Value: "text", Usage: "run summary format: text, json, html"},
					&cli.StringFlag{Name: "report-file", Usage: "write the run summary here instead of stdout"},
				},
				Action: crawlAction,
			},
			{
				Name:   "migrate",
				Usage:  "create the deeds table or add missing columns",
				Action: migrateAction,
			},
			{
				Name:  "latest",
				Usage: "show the most recently stored records",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "n", Value: 10, Usage: "number of records"},
				},
				Action: latestAction,
			},
			{
				Name:  "export",
				Usage: "write every stored record to a file",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Value: "-", Usage: "output path, - for stdout"},
					&cli.StringFlag{Name: "format", Aliases: []string{"f"}, Usage: "csv, ndjson or xlsx (default from the output extension)"},
				},
				Action: exportAction,
			},
		},
	}
}

// setup loads the configuration, applies global overrides and builds the logger.
func setup(c *cli.Context) (config.Config, *slog.Logger, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return cfg, nil, err
		}
		cfg = loaded
	}
	if v := c.String("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	if v := c.String("log-format"); v != "" {
		cfg.Logging.Format = v
	}
	if v := c.String("dsn"); v != "" {
		cfg.Store.DSN = v
	}
	if err := cfg.Validate(); err != nil {
		return cfg, nil, fmt.Errorf("invalid config: %w", err)
	}

	logger, err := app.NewLogger(cfg.Logging, os.Stderr)
	if err != nil {
		return cfg, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// openStore opens the store and brings its schema up to date.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Store, error) {
	st, err := app.OpenStore(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.EnsureSchema(ctx); err != nil {
		st.Close()
		return nil, err
	}
	logger.Debug("store ready", "driver", cfg.Store.Driver)
	return st, nil
}

func crawlAction(c *cli.Context) error {
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	if v := c.Int("start-offset"); v >= 0 {
		cfg.Crawl.StartOffset = v
	}
	if v := c.Int("max-pages"); v > 0 {
		cfg.Crawl.MaxPages = v
	}
	if v := c.String("renderer"); v != "" {
		cfg.Crawl.Renderer = v
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx := c.Context
	var metricsSrv *metrics.Server
	if cfg.Metrics.Port > 0 {
		metricsSrv = metrics.Start(cfg.Metrics.Port, logger)
		logger.Info("metrics endpoint listening", "port", cfg.Metrics.Port)
	}
	defer metricsSrv.Stop(context.WithoutCancel(ctx))

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	crawl, err := app.NewCrawl(ctx, cfg, st, logger, app.Options{})
	if err != nil {
		return err
	}
	defer crawl.Close()

	summary, runErr := crawl.Run(ctx)
	if err := writeReport(c.String("report"), c.String("report-file"), summary); err != nil {
		logger.Error("failed to write run summary", "err", err)
	}
	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			return cli.Exit(fmt.Sprintf("interrupted; resume with --start-offset %d", summary.NextOffset), 130)
		}
		return runErr
	}
	return nil
}

func writeReport(format, path string, summary report.Summary) error {
	var w io.Writer = os.Stdout
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	switch format {
	case "json":
		return report.WriteJSON(w, summary)
	case "html":
		return report.WriteHTML(w, summary)
	default:
		return report.WriteText(w, summary)
	}
}

func migrateAction(c *cli.Context) error {
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	st, err := openStore(c.Context, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	logger.Info("schema up to date", "driver", cfg.Store.Driver, "table", storage.Table)
	return nil
}

func latestAction(c *cli.Context) error {
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	st, err := openStore(c.Context, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	recs, err := st.Latest(c.Context, c.Int("n"))
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Println("No records found")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DOC URL\tRECORDED\tDOC NUMBER\tTOWN\tMAX VALUE\tSTATUS")
	for _, r := range recs {
		value := "-"
		if r.MaxDollarValue != nil {
			value = fmt.Sprintf("%.2f", *r.MaxDollarValue)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.DocURL, deref(r.RecordedDate), deref(r.DocumentNumber), deref(r.Town), value, r.Status())
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Printf("\nTotal: %d records\n", len(recs))
	return nil
}

func exportAction(c *cli.Context) error {
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	out := c.String("output")
	format, err := export.ParseFormat(c.String("format"), out)
	if err != nil {
		return err
	}

	st, err := openStore(c.Context, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	var w io.Writer = os.Stdout
	if out != "-" {
		f, err := os.Create(out)
		if err != nil {
			return fmt.Errorf("create %s: %w", out, err)
		}
		defer f.Close()
		w = f
	}
	_, err = export.Run(c.Context, st, format, w, logger)
	return err
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
