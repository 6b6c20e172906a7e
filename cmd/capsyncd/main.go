package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/api"
	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/config"
	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/engine"
	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/notion"
	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/queue"
	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/resolver"
	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/store"
	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/todoist"
	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/version"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "capsyncd",
	Short: "One-way Todoist → Notion task sync daemon",
	Long: `capsyncd mirrors Todoist tasks carrying the sync label into Notion,
keeping the mirror eventually consistent under webhook loss, partial
failure, and operator edits.`,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.AddCommand(serveCmd, reconcileCmd, stateCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the capsyncd version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Effective())
	},
}

func setupLogging(cfg config.Config) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.LogFormat) == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// buildEngine wires the adapters, store, queue, and resolver into an
// engine. Callers own closing the returned store.
func buildEngine(cfg config.Config) (*engine.Engine, *store.Store, error) {
	if cfg.TodoistToken == "" {
		return nil, nil, fmt.Errorf("todoist_token is required")
	}
	dbs := notion.Databases{
		Tasks:    cfg.NotionTasksDB,
		Projects: cfg.NotionProjectsDB,
		Areas:    cfg.NotionAreasDB,
		People:   cfg.NotionPeopleDB,
	}
	if err := dbs.Validate(); err != nil {
		return nil, nil, err
	}

	st, err := store.Open(cfg.StoreDSN, cfg.Namespace)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}

	source := todoist.New(todoist.Options{
		Token:      cfg.TodoistToken,
		Timeout:    cfg.RequestTimeout,
		MaxRetries: cfg.RetryMax,
		BaseDelay:  cfg.RetryBaseDelay,
	})
	dest := notion.New(notion.Options{
		Token:      cfg.NotionToken,
		Databases:  dbs,
		Timeout:    cfg.RequestTimeout,
		MaxRetries: cfg.RetryMax,
		BaseDelay:  cfg.RetryBaseDelay,
	})

	q := queue.NewSQL(st.DB(), st.Namespace(), st.Postgres(), queue.Options{
		BaseDelay:   cfg.RetryBaseDelay,
		MaxAttempts: cfg.RetryMax + 1,
	})
	res := resolver.New(dest, st)

	return engine.New(cfg, source, dest, st, q, res), st, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		setupLogging(cfg)

		eng, st, err := buildEngine(cfg)
		if err != nil {
			slog.Error("startup failed", "err", err)
			return err
		}
		defer st.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv := api.NewServer(cfg, eng)
		if err := srv.Start(); err != nil {
			slog.Error("start server", "err", err)
			return err
		}
		slog.Info("server started", "addr", cfg.ListenAddr, "version", version.Effective())

		done := make(chan struct{})
		go func() {
			eng.Run(ctx)
			close(done)
		}()

		<-ctx.Done()
		slog.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown", "err", err)
		}
		<-done
		return nil
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one reconciliation pass and drain the queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		setupLogging(cfg)

		eng, st, err := buildEngine(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		summary, err := eng.Reconcile(ctx)
		if err != nil {
			return fmt.Errorf("reconcile: %w", err)
		}
		fmt.Printf("active_found=%d upserted=%d archived=%d errors=%d duration_s=%.1f\n",
			summary.ActiveFound, summary.Upserted, summary.Archived, summary.Errors, summary.DurationS)

		// Drain what the pass enqueued so a cron invocation completes the work.
		runCtx, cancel := context.WithCancel(ctx)
		go func() {
			eng.Run(runCtx)
		}()
		waitForDrain(ctx, eng)
		cancel()
		return nil
	},
}

var stateCmd = &cobra.Command{
	Use:   "state [task-id]",
	Short: "Inspect stored sync state",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		setupLogging(cfg)

		st, err := store.Open(cfg.StoreDSN, cfg.Namespace)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		ctx := context.Background()
		if len(args) == 1 {
			ts, err := st.GetTaskState(ctx, args[0])
			if err != nil {
				return err
			}
			if ts == nil {
				fmt.Println("no state for task", args[0])
				return nil
			}
			fmt.Printf("task=%s page=%s status=%s source=%s synced=%s error=%q\n",
				ts.TodoistTaskID, ts.NotionPageID, ts.SyncStatus, ts.SyncSource,
				ts.LastSyncedAt.Format("2006-01-02T15:04:05Z"), ts.ErrorNote)
			return nil
		}

		states, err := st.ListTaskStates(ctx, "")
		if err != nil {
			return err
		}
		for _, ts := range states {
			fmt.Printf("task=%s page=%s status=%s synced=%s\n",
				ts.TodoistTaskID, ts.NotionPageID, ts.SyncStatus,
				ts.LastSyncedAt.Format("2006-01-02T15:04:05Z"))
		}
		fmt.Printf("%d task state(s)\n", len(states))
		return nil
	},
}
