package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	cancel()
	if err != nil {
		slog.Error("feedrelay", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	run := runCmd(opts)

	root := &cobra.Command{
		Use:           "feedrelay",
		Short:         "Relay new RSS and Atom entries to Telegram chats",
		Long:          "Polls the configured feed groups once, drops entries seen before and delivers the rest to Telegram, immediately or in batches.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run.RunE,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c",
		envOrDefault("FEEDRELAY_CONFIG", "config.yaml"), "path to the configuration file")

	root.AddCommand(
		run,
		migrateCmd(opts),
		statusCmd(opts),
		validateCmd(opts),
	)
	return root
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
