// Command ttsgateway runs the streaming TTS WebSocket gateway.
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
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/MrWong99/voxflow/internal/config"
	"github.com/MrWong99/voxflow/internal/gateway"
	"github.com/MrWong99/voxflow/pkg/tts"
	"github.com/MrWong99/voxflow/pkg/tts/dummy"
	"github.com/MrWong99/voxflow/pkg/tts/piper"
	"github.com/MrWong99/voxflow/pkg/tts/remote"
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
		fmt.Fprintf(os.Stderr, "ttsgateway: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Log.Level.Slog())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// ── Synthesis engine ──────────────────────────────────────────────────────
	engine, err := buildEngine(cfg.Gateway, logger)
	if err != nil {
		slog.Error("failed to build synthesis engine", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	// ── Gateway service ───────────────────────────────────────────────────────
	srv := gateway.NewServer(gateway.ServerConfig{
		Engine:       engine,
		EngineName:   string(cfg.Gateway.Engine),
		Version:      cfg.Gateway.Version,
		Logger:       logger,
		SessionTTL:   time.Duration(cfg.Gateway.SessionTTLSeconds) * time.Second,
		CacheSize:    cfg.Gateway.CacheSize,
		SendQueueMax: cfg.Gateway.SendQueueMax,
	})
	srv.Start(ctx)

	mux := http.NewServeMux()
	srv.Register(mux)

	addr := fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- httpSrv.ListenAndServe() }()

	slog.Info("tts gateway listening",
		"addr", addr,
		"engine", cfg.Gateway.Engine,
		"version", cfg.Gateway.Version,
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

// buildEngine constructs the synthesis engine selected in cfg.
func buildEngine(cfg config.GatewayConfig, logger *slog.Logger) (tts.Engine, error) {
	switch cfg.Engine {
	case config.EngineDummy:
		return dummy.New(), nil

	case config.EngineLocalCLI:
		opts := []piper.Option{piper.WithLogger(logger)}
		if cfg.Piper.SpeakerID >= 0 {
			opts = append(opts, piper.WithSpeaker(cfg.Piper.SpeakerID))
		}
		if cfg.Piper.ExtraArgs != "" {
			opts = append(opts, piper.WithExtraArgs(strings.Fields(cfg.Piper.ExtraArgs)...))
		}
		if cfg.Piper.OutputMode != "" {
			opts = append(opts, piper.WithOutputMode(piper.OutputMode(cfg.Piper.OutputMode)))
		}
		return piper.New(cfg.Piper.Bin, cfg.Piper.Model, opts...)

	case config.EngineRemoteRPC:
		opts := []remote.Option{remote.WithLogger(logger)}
		if cfg.Remote.APIKey != "" {
			opts = append(opts, remote.WithAPIKey(cfg.Remote.APIKey))
		}
		if cfg.Remote.TimeoutSeconds > 0 {
			opts = append(opts, remote.WithTimeout(time.Duration(cfg.Remote.TimeoutSeconds)*time.Second))
		}
		return remote.New(cfg.Remote.URL, opts...)

	default:
		return nil, fmt.Errorf("unknown engine %q", cfg.Engine)
	}
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
