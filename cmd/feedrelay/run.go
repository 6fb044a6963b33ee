package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"feedrelay/internal/config"
	"feedrelay/internal/dispatch"
	"feedrelay/internal/fetcher"
	"feedrelay/internal/lock"
	"feedrelay/internal/metrics"
	"feedrelay/internal/render"
	"feedrelay/internal/scheduler"
	"feedrelay/internal/storage"
	"feedrelay/internal/translate"
)

const (
	httpTimeout = 30 * time.Second
	pushTimeout = 10 * time.Second
)

func runCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Poll every due group once and deliver new entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts.configPath)
		},
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	l, err := lock.Acquire(cfg.LockPath)
	if errors.Is(err, lock.ErrAlreadyRunning) {
		log.Warn("another instance is running, exiting", "lock", cfg.LockPath)
		return nil
	}
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer func() {
		if err := l.Release(); err != nil {
			log.Error("release lock", "error", err)
		}
	}()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	tr, closeTranslator := newTranslator(ctx, cfg, log)
	defer closeTranslator()

	client := &http.Client{Timeout: httpTimeout}
	f := fetcher.New(client, fetcher.Options{
		AggregatorHost: cfg.Aggregator.Host,
		BackupHosts:    cfg.Aggregator.BackupHosts,
		Timeout:        httpTimeout,
	})
	r := render.New(tr, cfg.Translate.SourceLanguage, cfg.Translate.TargetLanguage, log)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	sched := scheduler.New(store, f, r, dispatch.NewTelegram(client, log), collector, log)
	if err := sched.Run(ctx, cfg.ModelGroups()); err != nil {
		log.Warn("run interrupted", "error", err)
	}

	if cfg.Metrics.PushgatewayURL != "" {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pushTimeout)
		defer cancel()
		if err := metrics.Push(pctx, cfg.Metrics.PushgatewayURL, cfg.Metrics.Job, reg); err != nil {
			log.Warn("push metrics", "url", cfg.Metrics.PushgatewayURL, "error", err)
		}
	}
	return nil
}

func openStore(cfg *config.Config) (storage.Storage, error) {
	if err := ensureDataDir(cfg); err != nil {
		return nil, err
	}
	store, err := storage.Open(cfg.Database.Driver, cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return store, nil
}

func ensureDataDir(cfg *config.Config) error {
	if cfg.Database.Driver != config.DriverSQLite || cfg.Database.Path == ":memory:" {
		return nil
	}
	if dir := filepath.Dir(cfg.Database.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create data directory %s: %w", dir, err)
		}
	}
	return nil
}

// newTranslator builds the fallback chain from the configured API keys. It
// returns a nil Translator when none is usable.
func newTranslator(ctx context.Context, cfg *config.Config, log *slog.Logger) (translate.Translator, func()) {
	var (
		providers []translate.Translator
		closers   []func() error
	)
	for _, key := range []string{cfg.Translate.APIKey, cfg.Translate.SecondaryAPIKey} {
		if key == "" {
			continue
		}
		g, err := translate.NewGemini(ctx, key, cfg.Translate.Model)
		if err != nil {
			log.Warn("translation provider unavailable", "error", err)
			continue
		}
		providers = append(providers, g)
		closers = append(closers, g.Close)
	}
	closeAll := func() {
		for _, c := range closers {
			_ = c()
		}
	}

	if len(providers) == 0 {
		for _, g := range cfg.Groups {
			if g.Processor.Translate {
				log.Warn("translation requested but TRANSLATE_API_KEY is not set", "group", g.Key)
			}
		}
		return nil, closeAll
	}
	return translate.NewFallback(log, providers...), closeAll
}
