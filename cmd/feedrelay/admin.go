package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"feedrelay/internal/config"
	"feedrelay/internal/model"
	"feedrelay/internal/storage"
	"feedrelay/migrations"
)

func migrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate <up|up-one|down|status|version|reset>",
		Short:     "Manage the database schema",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"up", "up-one", "down", "status", "version", "reset"},
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if err := ensureDataDir(cfg); err != nil {
				return err
			}

			db, d, err := storage.OpenDB(cfg.Database.Driver, cfg.Database.DSN())
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			if err := migrations.Setup(d); err != nil {
				return err
			}
			return migrate(db, d.Dir, args[0])
		},
	}
}

func migrate(db *sql.DB, dir, command string) error {
	var err error
	switch command {
	case "up":
		err = goose.Up(db, dir)
	case "up-one":
		err = goose.UpByOne(db, dir)
	case "down":
		err = goose.Down(db, dir)
	case "status":
		err = goose.Status(db, dir)
	case "version":
		err = goose.Version(db, dir)
	case "reset":
		err = goose.Reset(db, dir)
	default:
		return fmt.Errorf("unknown migrate command %q", command)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", command, err)
	}
	return nil
}

func statusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the persisted run state of every group",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			return printStatus(cmd.Context(), cmd.OutOrStdout(), store, cfg.ModelGroups(), time.Now())
		},
	}
}

func printStatus(ctx context.Context, w io.Writer, store storage.Storage, groups []model.Group, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "GROUP\tMODE\tLAST RUN\tNEXT RUN\tLAST BATCH\tPENDING\tLAST CLEANUP")

	for _, g := range groups {
		st, err := store.RunState(ctx, g.Key)
		if err != nil {
			return err
		}
		pending, err := store.ListPending(ctx, g.Key)
		if err != nil {
			return err
		}

		mode, lastBatch := "immediate", "-"
		if g.Batched() {
			mode = "batch every " + g.BatchInterval.String()
			lastBatch = ago(st.LastBatchSent, now)
		}
		next := "due"
		if due := st.LastRun.Add(g.Interval); due.After(now) {
			next = humanize.RelTime(due, now, "ago", "from now")
		}

		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			g.Key, mode, ago(st.LastRun, now), next, lastBatch,
			humanize.Comma(int64(len(pending))), ago(st.LastCleanup, now))
	}
	return tw.Flush()
}

func ago(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

func validateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and print it with defaults applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(cfg.Redacted())
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			w := cmd.OutOrStdout()
			if _, err := w.Write(out); err != nil {
				return err
			}
			_, err = fmt.Fprintf(w, "# configuration OK: %d groups\n", len(cfg.Groups))
			return err
		},
	}
}
