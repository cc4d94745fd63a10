package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hazyhaar/moraltorture/internal/analytics"
	"github.com/hazyhaar/moraltorture/internal/api"
	"github.com/hazyhaar/moraltorture/internal/auth"
	"github.com/hazyhaar/moraltorture/internal/config"
	"github.com/hazyhaar/moraltorture/internal/db"
	"github.com/hazyhaar/moraltorture/internal/dilemma"
	"github.com/hazyhaar/moraltorture/internal/export"
	"github.com/hazyhaar/moraltorture/internal/llm"
	"github.com/hazyhaar/moraltorture/internal/mcp"
	"github.com/hazyhaar/moraltorture/internal/metrics"
	"github.com/hazyhaar/moraltorture/internal/seed"
	"github.com/hazyhaar/moraltorture/internal/story"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = cmdServe(os.Args[2:])
	case "seed":
		err = cmdSeed(os.Args[2:])
	case "export":
		err = cmdExport(os.Args[2:])
	case "token":
		err = cmdToken(os.Args[2:])
	case "hash-password":
		err = cmdHashPassword(os.Args[2:])
	case "mcp":
		err = cmdMCP(os.Args[2:])
	case "version":
		fmt.Printf("moraltorture %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		slog.Error(os.Args[1]+" failed", "error", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`moraltorture: the Moral Torture Machine backend

Usage:
  moraltorture serve [--config config.toml] [--addr :8080] [--service all|dilemma|story]
  moraltorture seed [--config config.toml] --language en [--dilemmas file.json] [--flows file.json] [--clear]
  moraltorture export [--config config.toml] [--language en] [--out file.jsonl]
  moraltorture token [--config config.toml] [--subject admin]
  moraltorture hash-password < password
  moraltorture mcp [--config config.toml]
  moraltorture version
  moraltorture help

Commands:
  serve          Start the HTTP server
  seed           Bulk-load dilemmas and story flows for one language
  export         Write dilemmas and flows with vote tallies as JSONL
  token          Print an admin bearer token
  hash-password  Print the bcrypt hash of the password read from stdin
  mcp            Serve the game as MCP tools over stdio
  version        Print version
  help           Show this help`)
}

// loadConfig reads the config file and installs the configured logger.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	slog.SetDefault(newLogger(cfg.Log, os.Stderr))
	return cfg, nil
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func cmdServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config.toml")
	addr := fs.String("addr", "", "listen address (overrides config)")
	service := fs.String("service", "", "all, dilemma or story (overrides config)")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *service != "" {
		cfg.Server.Service = *service
	}

	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer database.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.MustNew(reg)

	observers := []llm.Observer{m}
	var callLog *metrics.CallLog
	if cfg.Database.MetricsPath != "" {
		mdb, err := db.OpenMetrics(cfg.Database.MetricsPath)
		if err != nil {
			return fmt.Errorf("opening metrics database: %w", err)
		}
		defer mdb.Close()
		callLog = metrics.NewCallLog(mdb)
		observers = append(observers, callLog)
	}
	client := llm.NewFromConfig(cfg.LLM, observers...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checks := []api.HealthCheck{
		{Name: "dilemmas", Critical: true, Check: database.Ping},
		{Name: "llm_credentials", Check: func(ctx context.Context) error {
			_, err := client.Credential().Get(ctx)
			return err
		}},
	}

	var recorder *analytics.Recorder
	if cfg.Analytics.Enabled {
		adb, err := db.OpenAnalytics(cfg.Database.AnalyticsPath)
		if err != nil {
			return fmt.Errorf("opening analytics database: %w", err)
		}
		defer adb.Close()
		recorder = analytics.New(adb, analytics.Options{
			Salt:         cfg.Analytics.Salt,
			TTL:          time.Duration(cfg.Analytics.TTLDays) * 24 * time.Hour,
			UserAgentMax: cfg.Analytics.UserAgentMax,
			Buffer:       cfg.Analytics.Buffer,
			Drops:        m,
		})
		// Closed before adb: pending events are flushed first.
		defer recorder.Close()
		if cfg.Analytics.PurgeIntervalMin > 0 {
			go analytics.PurgeLoop(ctx, adb, time.Duration(cfg.Analytics.PurgeIntervalMin)*time.Minute)
		}
		checks = append(checks, api.HealthCheck{Name: "analytics", Check: adb.Ping})
		if cfg.Analytics.Salt == "" {
			slog.Warn("analytics salt is empty; client fingerprints are unkeyed")
		}
	}

	admin := auth.FromConfig(cfg.Auth)
	if admin == nil {
		slog.Warn("jwt secret not set, admin endpoints disabled")
	}

	a := api.New(api.Deps{
		Dilemmas:     dilemma.New(database, client, m),
		Stories:      story.New(database, m),
		Store:        database,
		Auth:         admin,
		Analytics:    recorder,
		Metrics:      m,
		CallLog:      callLog,
		Gatherer:     reg,
		Checks:       checks,
		LLMRateLimit: cfg.LLM.RateLimitPerMin,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           a.Handler(cfg.Server.Service, cfg.Server.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
		// A fully exhausted fallback chain must still be able to write its 429.
		WriteTimeout: cfg.LLM.ChainTimeout() + 30*time.Second,
	}

	if counts, err := database.CountDilemmas(ctx); err == nil {
		slog.Info("content loaded", "dilemmas", counts)
	}
	slog.Info("moraltorture listening",
		"version", version,
		"addr", cfg.Server.Addr,
		"service", cfg.Server.Service,
		"models", len(cfg.LLM.Models),
		"analytics", cfg.Analytics.Enabled)

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	return nil
}

func cmdSeed(args []string) error {
	fs := flag.NewFlagSet("seed", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config.toml")
	language := fs.String("language", "en", "language of the documents")
	dilemmasPath := fs.String("dilemmas", "", "JSON array of dilemmas")
	flowsPath := fs.String("flows", "", "JSON array of story flows")
	clearFirst := fs.Bool("clear", false, "delete existing content of the language first")
	fs.Parse(args)

	if *dilemmasPath == "" && *flowsPath == "" {
		return errors.New("nothing to load: pass --dilemmas and/or --flows")
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer database.Close()

	ctx := context.Background()
	opts := seed.Options{Clear: *clearFirst}
	if *dilemmasPath != "" {
		n, err := loadFile(*dilemmasPath, func(r io.Reader) (int, error) {
			return seed.LoadDilemmas(ctx, database, r, *language, opts)
		})
		if err != nil {
			return err
		}
		slog.Info("dilemmas loaded", "language", *language, "count", n)
	}
	if *flowsPath != "" {
		n, err := loadFile(*flowsPath, func(r io.Reader) (int, error) {
			return seed.LoadFlows(ctx, database, r, *language, opts)
		})
		if err != nil {
			return err
		}
		slog.Info("story flows loaded", "language", *language, "count", n)
	}
	return nil
}

func loadFile(path string, load func(io.Reader) (int, error)) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n, err := load(bufio.NewReader(f))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	return n, nil
}

func cmdExport(args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config.toml")
	language := fs.String("language", "", "only this language (default all)")
	out := fs.String("out", "", "output file (default stdout)")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer database.Close()

	var w io.Writer = os.Stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	bw := bufio.NewWriter(w)
	n, err := export.NewExporter(database).Export(context.Background(), bw, *language)
	if err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	slog.Info("export done", "records", n)
	return nil
}

func cmdToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config.toml")
	subject := fs.String("subject", "admin", "token subject")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not set")
	}
	token, err := auth.New(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiryMin, "").GenerateToken(*subject)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func cmdHashPassword(_ []string) error {
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return errors.New("empty password")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}

func cmdMCP(args []string) error {
	fs := flag.NewFlagSet("mcp", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config.toml")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer database.Close()

	deps := mcp.Deps{
		Dilemmas: dilemma.New(database, nil, nil),
		Stories:  story.New(database, nil),
		Counter:  database,
	}
	if cfg.Database.MetricsPath != "" {
		mdb, err := db.OpenMetrics(cfg.Database.MetricsPath)
		if err != nil {
			return fmt.Errorf("opening metrics database: %w", err)
		}
		defer mdb.Close()
		auditLog := metrics.NewAuditLog(mdb)
		defer auditLog.Close()
		deps.Audit = auditLog
	}
	return mcp.ServeStdio(mcp.NewServer(deps, version))
}
