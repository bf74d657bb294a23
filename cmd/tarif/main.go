package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/tarif/pgsink"
	"github.com/hazyhaar/tarif/pipeline"
	"github.com/hazyhaar/tarif/runlog"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	_ = godotenv.Load() // load .env if present; not fatal if missing

	// Logging goes to stderr; stdout carries command output and, in mcp
	// mode, the protocol stream.
	var lvl slog.Level
	switch env("LOG_LEVEL", "info") {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	switch os.Args[1] {
	case "healthcheck":
		fmt.Println(pipeline.Healthcheck(time.Now()))
	case "scrape":
		cmdScrape(os.Args[2:])
	case "run":
		cmdRun(os.Args[2:])
	case "watch":
		cmdWatch(os.Args[2:])
	case "serve":
		cmdServe(os.Args[2:])
	case "mcp":
		cmdMCP(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `tarif — iPhone catalog price tracker

usage:
  tarif healthcheck
  tarif scrape [-config file]
  tarif run    [-config file]
  tarif watch  [-config file]
  tarif serve  [-config file]
  tarif mcp    [-config file]

healthcheck  Prints a liveness line and exits.
scrape       Fetches the catalog once and prints the snapshots as JSON.
run          Executes one full cycle: scrape, merge, persist, report.
watch        Runs cycles at the configured interval until interrupted.
serve        Runs the watch loop plus the HTTP API and the report site.
mcp          Serves the pipeline tools over stdio.
`)
}

func loadConfig(args []string) pipeline.Config {
	fs := flag.NewFlagSet("tarif", flag.ExitOnError)
	path := fs.String("config", env("TARIF_CONFIG", ""), "YAML config file")
	fs.Parse(args)

	cfg, err := pipeline.Load(*path)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	return cfg
}

// newService wires the full production service: run log always, the
// Postgres mirror when a DSN is configured.
func newService(ctx context.Context, cfg pipeline.Config) (*pipeline.Service, func()) {
	opts := []pipeline.Option{pipeline.WithLogger(slog.Default())}
	var closers []func()

	runs, err := runlog.Open(cfg.RunLogPath())
	if err != nil {
		slog.Error("open run log", "error", err)
		os.Exit(1)
	}
	closers = append(closers, func() { runs.Close() })
	opts = append(opts, pipeline.WithRunLog(runs))

	if cfg.PostgresDSN != "" {
		sink, err := pgsink.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			slog.Error("open postgres mirror", "error", err)
			os.Exit(1)
		}
		closers = append(closers, sink.Close)
		opts = append(opts, pipeline.WithMirror(sink))
	}

	svc, err := pipeline.New(cfg, opts...)
	if err != nil {
		slog.Error("init service", "error", err)
		os.Exit(1)
	}
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	return svc, cleanup
}

func cmdScrape(args []string) {
	cfg := loadConfig(args)
	svc, err := pipeline.New(cfg, pipeline.WithLogger(slog.Default()))
	if err != nil {
		slog.Error("init service", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	snaps, err := svc.Scrape(ctx)
	if err != nil {
		slog.Error("scrape", "error", err)
		os.Exit(1)
	}
	printJSON(snaps)
}

func cmdRun(args []string) {
	cfg := loadConfig(args)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svc, cleanup := newService(ctx, cfg)
	defer cleanup()

	sum, err := svc.Run(ctx)
	if err != nil {
		slog.Error("run", "error", err)
		os.Exit(1)
	}
	printJSON(struct {
		*pipeline.Summary
		HistoryPath string `json:"history_path"`
		CSVPath     string `json:"csv_path"`
		ReportDir   string `json:"report_dir"`
	}{sum, cfg.HistoryPath(), cfg.CSVPath(), cfg.ReportDir})
}

func cmdWatch(args []string) {
	cfg := loadConfig(args)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svc, cleanup := newService(ctx, cfg)
	defer cleanup()

	slog.Info("watch starting", "interval", cfg.Interval.String())
	if err := svc.Watch(ctx); err != nil {
		slog.Error("watch", "error", err)
		os.Exit(1)
	}
	slog.Info("watch stopped")
}

func cmdServe(args []string) {
	cfg := loadConfig(args)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svc, cleanup := newService(ctx, cfg)
	defer cleanup()

	// Scrape cycles run in the background while the API serves.
	go func() {
		if err := svc.Watch(ctx); err != nil {
			slog.Error("watch loop", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

func cmdMCP(args []string) {
	cfg := loadConfig(args)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svc, cleanup := newService(ctx, cfg)
	defer cleanup()

	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "tarif",
		Version: "1.0.0",
	}, nil)
	svc.RegisterMCP(srv)

	slog.Info("MCP serving on stdio")
	if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
		slog.Error("mcp server", "error", err)
		os.Exit(1)
	}
}

// --- Helpers ---

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
