// Command orchestrator runs the voice chat orchestrator.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/MrWong99/voxflow/internal/config"
	"github.com/MrWong99/voxflow/internal/llm"
	"github.com/MrWong99/voxflow/internal/observe"
	"github.com/MrWong99/voxflow/internal/orchestrator"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (optional)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	// A .env file is a convenience for local runs; real environment variables
	// always win.
	_ = godotenv.Load()

	cfg, err := config.Resolve(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator: %v\n", err)
		return 1
	}
	if cfg.Orchestrator.LLM.APIKey == "" {
		fmt.Fprintln(os.Stderr, "orchestrator: orchestrator.llm.api_key (SGLANG_API_KEY) is required")
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Log.Level.Slog())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		slog.Error("failed to initialize telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── LLM client ────────────────────────────────────────────────────────────
	llmClient, err := llm.New(
		cfg.Orchestrator.LLM.BaseURL,
		cfg.Orchestrator.LLM.APIKey,
		cfg.Orchestrator.LLM.Model,
		llm.WithLogger(logger),
	)
	if err != nil {
		slog.Error("failed to build llm client", "err", err)
		return 1
	}

	// ── Config watcher ────────────────────────────────────────────────────────
	// Only the log level applies live; everything else is wired at startup.
	if *configPath != "" {
		watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
			applyConfigChange(level, config.Diff(old, new))
		}, config.WithWatcherLogger(logger))
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer watcher.Stop()
		}
	}

	// ── Orchestrator service ──────────────────────────────────────────────────
	srv := orchestrator.NewServer(orchestrator.ServerConfig{
		LLM:            llmClient,
		Metrics:        observe.DefaultMetrics(),
		Logger:         logger,
		APIKey:         cfg.Orchestrator.APIKey,
		TTSURL:         cfg.Orchestrator.TTSURL,
		TTSAPIKey:      cfg.Orchestrator.TTSAPIKey,
		AllowClientTTS: cfg.Orchestrator.AllowClientTTSURL,
		FlushMinChars:  cfg.Orchestrator.TTSFlushMinChars,
		FlushOnPunct:   cfg.Orchestrator.TTSFlushOnPunct,
	})

	mux := http.NewServeMux()
	srv.Register(mux)

	// The chat upgrade hijacks the connection and lives far longer than a
	// request, so it bypasses the request instrumentation.
	root := http.NewServeMux()
	root.Handle("GET /chat", mux)
	root.Handle("/", observe.Middleware(observe.DefaultMetrics())(mux))

	addr := fmt.Sprintf("%s:%d", cfg.Orchestrator.Host, cfg.Orchestrator.Port)
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- httpSrv.ListenAndServe() }()

	slog.Info("orchestrator listening",
		"addr", addr,
		"llm_model", cfg.Orchestrator.LLM.Model,
		"tts_url", cfg.Orchestrator.TTSURL,
	)

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", "err", err)
			return 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

func applyConfigChange(level *slog.LevelVar, d config.ConfigDiff) {
	if d.LogLevelChanged {
		level.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.RestartRequired {
		slog.Warn("config change requires a restart to take effect")
	}
}
