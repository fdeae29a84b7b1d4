// ABOUTME: Entry point for the branchsync authority server
// ABOUTME: Serves the entity API, realtime hub, and metrics for all branch terminals

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
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/solterra/branchsync/internal/auth"
	"github.com/solterra/branchsync/internal/branch"
	"github.com/solterra/branchsync/internal/config"
	"github.com/solterra/branchsync/internal/entities"
	"github.com/solterra/branchsync/internal/localstore"
	"github.com/solterra/branchsync/internal/metrics"
	"github.com/solterra/branchsync/internal/realtime"
	"github.com/solterra/branchsync/internal/resolver"
	"github.com/solterra/branchsync/internal/server"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _                          _
| |__  _ __ __ _ _ __   ___| |__  ___ _   _ _ __   ___
| '_ \| '__/ _' | '_ \ / __| '_ \/ __| | | | '_ \ / __|
| |_) | | | (_| | | | | (__| | | \__ \ |_| | | | | (__
|_.__/|_|  \__,_|_| |_|\___|_| |_|___/\__, |_| |_|\___|
                                      |___/  authority
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
		fmt.Println("Usage: branchsync-server <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                              Start the authority server")
		fmt.Println("  health                             Check server health")
		fmt.Println("  token --user ID [--branches a,b]   Issue a terminal credential")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	case "token":
		err = runToken()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required to serve")
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	fmt.Println()

	logger.Info("starting branchsync authority",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"database", cfg.Database.Path,
	)

	// The authority store runs with a master identity: every branch's
	// records are reachable and untagged records stay untagged.
	master := branch.Identity{UserID: "authority", IsMaster: true}
	store, err := localstore.NewSQLiteStore(cfg.Database.Path, master, entities.Collections())
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer store.Close()

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating verifier: %w", err)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	hub := realtime.NewHub(verifier, m, logger)
	defer hub.Close()

	res := resolver.New(store, entities.Policies(cfg.Fees.PerPassenger))
	srv := server.New(store, res, hub, verifier, m)

	httpServer := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: srv.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

// runToken issues a JWT for a terminal, signed with the configured secret.
func runToken() error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	user := fs.String("user", "", "terminal user id")
	branches := fs.String("branches", "", "comma-separated branch ids")
	master := fs.Bool("master", false, "issue a master-scope credential")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "credential lifetime")
	if err := fs.Parse(os.Args[2:]); err != nil {
		return err
	}

	if *user == "" {
		return fmt.Errorf("--user is required")
	}
	if !*master && *branches == "" {
		return fmt.Errorf("--branches is required unless --master is set")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating signer: %w", err)
	}

	identity := branch.Identity{UserID: *user, IsMaster: *master}
	if *branches != "" {
		identity.BranchIDs = strings.Split(*branches, ",")
	}

	token, err := verifier.Generate(identity, *ttl)
	if err != nil {
		return fmt.Errorf("signing token: %w", err)
	}
	fmt.Println(token)
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
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
