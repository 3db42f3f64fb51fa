// Kestrel - Bill screening that deploys in 60 seconds.
// Copyright (c) 2026 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/opensource-finance/kestrel/internal/anomaly"
	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/modelstore"
	"github.com/opensource-finance/kestrel/internal/notify"
	"github.com/opensource-finance/kestrel/internal/ocr"
	"github.com/opensource-finance/kestrel/internal/parse"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Load .env if present (keys for Vision, OpenAI, Telegram)
	_ = godotenv.Load()

	cfg := domain.FromEnv()

	logLevel := slog.LevelInfo
	if cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Model persistence + anomaly detector
	store, err := modelstore.NewFileStore(cfg.Anomaly.DataDir)
	if err != nil {
		slog.Error("failed to initialize model store", "error", err)
		os.Exit(1)
	}

	detector := anomaly.NewDetector(cfg.Anomaly, store, logger)
	if err := detector.Restore(); err != nil {
		slog.Warn("failed to restore model, starting unfitted", "error", err)
	}
	slog.Info("anomaly detector initialized", "fitted", detector.Fitted())

	// CEL rule engine, rules loaded from the database
	engine, err := rules.NewEngine()
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	if err := loadRulesFromDatabase(ctx, repo, engine); err != nil {
		slog.Error("failed to load rules", "error", err)
		os.Exit(1)
	}
	slog.Info("rule engine initialized", "rules_count", engine.RulesCount())

	// Screening pipeline
	checker := anomaly.NewChecker(detector, engine, logger)
	hist := history.NewService(repo, cacheImpl)

	// Bill extraction collaborators
	extractor := ocr.New(cfg.OCR, logger)
	parser := parse.New(cfg.Parser, logger)

	// Telegram notifications, driven off the checked topic
	notifier := notify.NewTelegram(cfg.Notify, logger)
	if sub, err := notifier.Subscribe(ctx, busImpl); err != nil {
		slog.Warn("failed to subscribe notifier", "error", err)
	} else {
		defer sub.Unsubscribe()
	}

	// Async screening worker for bus-ingested bills
	asyncWorker := worker.NewWorker(busImpl, checker, hist, logger)
	if err := asyncWorker.Start(); err != nil {
		slog.Error("failed to start async worker", "error", err)
		os.Exit(1)
	}

	// HTTP server
	srv := api.NewServer(cfg.Server, api.Deps{
		Repo:      repo,
		Cache:     cacheImpl,
		Bus:       busImpl,
		Engine:    engine,
		Detector:  detector,
		Checker:   checker,
		History:   hist,
		Extractor: extractor,
		Parser:    parser,
		Version:   Version,
	})

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	<-ctx.Done()
	slog.Info("shutting down...")

	if err := asyncWorker.Stop(); err != nil {
		slog.Error("failed to stop async worker", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// loadRulesFromDatabase loads screening rules into the engine. Rules
// are configured via POST /rules - there are no hardcoded defaults.
func loadRulesFromDatabase(ctx context.Context, repo domain.Repository, engine *rules.Engine) error {
	dbRules, err := repo.ListRuleConfigs(ctx)
	if err != nil {
		slog.Warn("failed to list rules from database", "error", err)
		return nil // Start with empty rules - they can be added via API
	}

	if len(dbRules) > 0 {
		slog.Info("loading rules from database", "count", len(dbRules))
		return engine.LoadRules(dbRules)
	}

	slog.Info("no rules in database - configure via POST /rules API")
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🦅 KESTREL                  ║")
	fmt.Println("  ║        Bill Screening Engine              ║")
	fmt.Println("  ║       Eyes on every invoice.              ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST  /bills/process         - Screen a bill image")
	fmt.Println("    POST  /bills/process-base64  - Screen a base64 image")
	fmt.Println("    POST  /bills/check           - Screen a parsed bill")
	fmt.Println("    GET   /bills                 - List stored bills")
	fmt.Println("    GET   /bills/{id}            - Get bill with report")
	fmt.Println("    GET   /bills/summary         - Spending summary")
	fmt.Println("    GET   /bills/due-soon        - Upcoming due bills")
	fmt.Println("    GET   /bills/anomalies       - Flagged bills")
	fmt.Println("    PATCH /bills/{id}/status     - Update payment status")
	fmt.Println("    POST  /train                 - Retrain the model")
	fmt.Println("    GET   /model                 - Model info")
	fmt.Println("    GET   /rules                 - List screening rules")
	fmt.Println("    POST  /rules                 - Create a rule")
	fmt.Println("    POST  /rules/reload          - Hot-reload rules")
	fmt.Println("    POST  /chat                  - Ask about your bills")
	fmt.Println("    GET   /health                - Health check")
	fmt.Println()
}
