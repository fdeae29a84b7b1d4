// ABOUTME: Entry point for a branch terminal
// ABOUTME: Runs the local store, mutation queue, background sync, and realtime channel

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/solterra/branchsync/internal/branch"
	"github.com/solterra/branchsync/internal/config"
	"github.com/solterra/branchsync/internal/engine"
	"github.com/solterra/branchsync/internal/entities"
	"github.com/solterra/branchsync/internal/localstore"
	"github.com/solterra/branchsync/internal/metrics"
	"github.com/solterra/branchsync/internal/queue"
	"github.com/solterra/branchsync/internal/realtime"
	"github.com/solterra/branchsync/internal/reconcile"
	"github.com/solterra/branchsync/internal/resolver"
	"github.com/solterra/branchsync/internal/retry"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _                          _
| |__  _ __ __ _ _ __   ___| |__  ___ _   _ _ __   ___
| '_ \| '__/ _' | '_ \ / __| '_ \/ __| | | | '_ \ / __|
| |_) | | | (_| | | | | (__| | | \__ \ |_| | | | | (__
|_.__/|_|  \__,_|_| |_|\___|_| |_|___/\__, |_| |_|\___|
                                      |___/   terminal
`

// getConfigPath returns the path to the config file.
// Priority: BRANCHSYNC_CONFIG env var > ./branchsync.yaml
func getConfigPath() string {
	if envPath := os.Getenv("BRANCHSYNC_CONFIG"); envPath != "" {
		return envPath
	}
	return "branchsync.yaml"
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: branchsync-terminal <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  run     Start the terminal sync engine")
		fmt.Println("  sync    Run one sync pass and exit")
		fmt.Println("  queue   Show the number of pending mutations")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "run":
		err = runRun(ctx)
	case "sync":
		err = runSync(ctx)
	case "queue":
		err = runQueue(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// terminal bundles the wired-up components shared by the commands.
type terminal struct {
	cfg    *config.Config
	store  *localstore.SQLiteStore
	queue  *queue.Queue
	engine *engine.Engine
}

func buildTerminal(logger *slog.Logger, cfg *config.Config, m *metrics.Metrics) (*terminal, error) {
	identity := branch.Identity{
		UserID:    cfg.Branch.UserID,
		BranchIDs: cfg.Branch.BranchIDs,
		IsMaster:  cfg.Branch.Master,
	}

	store, err := localstore.NewSQLiteStore(cfg.Database.Path, identity, entities.Collections())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	q, err := queue.New(store.DB(), retry.Default, &engine.EvictionLog{Logger: logger, Metrics: m})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("opening mutation queue: %w", err)
	}

	res := resolver.New(store, entities.Policies(cfg.Fees.PerPassenger))
	client := reconcile.New(store, q, res, reconcile.Options{
		BaseURL: cfg.Authority.BaseURL,
		Token:   cfg.Authority.Token,
		Timeout: cfg.Authority.Timeout,
		Metrics: m,
		OnAuthExpired: func() {
			logger.Warn("authority session expired, sign in again to resume sync")
		},
	})

	eng := engine.New(store, q, res, client, engine.Options{
		SyncInterval: cfg.Sync.Interval,
		SyncDebounce: cfg.Sync.Debounce,
		Metrics:      m,
	})

	return &terminal{cfg: cfg, store: store, queue: q, engine: eng}, nil
}

func runRun(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Authority: %s\n", cfg.Authority.BaseURL)
	green.Print("    ▶ ")
	fmt.Printf("Branches:  %s\n", strings.Join(cfg.Branch.BranchIDs, ", "))
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	fmt.Println()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	term, err := buildTerminal(logger, cfg, m)
	if err != nil {
		return err
	}
	defer term.store.Close()

	logger.Info("starting terminal",
		"user_id", cfg.Branch.UserID,
		"branches", cfg.Branch.BranchIDs,
		"authority", cfg.Authority.BaseURL,
	)

	var wg sync.WaitGroup
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := term.engine.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("sync loop stopped", "error", err)
		}
	}()

	if cfg.Authority.RealtimeURL != "" {
		rt := realtime.NewClient(realtime.ClientOptions{
			URL:         cfg.Authority.RealtimeURL,
			Token:       cfg.Authority.Token,
			Applier:     term.engine,
			OnConnected: term.engine.OnConnected,
			OnState: func(s realtime.State) {
				logger.Info("realtime state changed", "state", s)
			},
			Metrics: m,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := rt.Run(runCtx)
			switch {
			case errors.Is(err, realtime.ErrAuthRejected):
				logger.Error("realtime credential rejected, running offline until re-login")
			case err != nil && !errors.Is(err, context.Canceled):
				logger.Warn("realtime channel stopped, queue sync continues on the timer", "error", err)
			}
		}()
	}

	<-ctx.Done()
	cancel()
	wg.Wait()
	logger.Info("terminal stopped")
	return nil
}

func runSync(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	term, err := buildTerminal(logger, cfg, nil)
	if err != nil {
		return err
	}
	defer term.store.Close()

	res, err := term.engine.SyncNow(ctx)
	if err != nil {
		if errors.Is(err, reconcile.ErrAuthExpired) {
			return fmt.Errorf("session expired, sign in again")
		}
		return err
	}

	fmt.Printf("synced: %d succeeded, %d failed, %d evicted\n",
		res.Succeeded, res.Failed, res.Evicted)
	return nil
}

func runQueue(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	term, err := buildTerminal(logger, cfg, nil)
	if err != nil {
		return err
	}
	defer term.store.Close()

	size, err := term.queue.Size(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%d pending mutation(s)\n", size)
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
