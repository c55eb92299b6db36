// Package main is the CLI entry point for gridledger, the tamper-evident
// audit ledger behind the grid operations dashboard.
//
// Every safety-relevant action (operator overrides, AI actuations, safety
// switch toggles, configuration changes) is appended to a SHA-256 hash
// chain stored in SQLite. The running server is the single writer; other
// commands either talk to it over HTTP or read the store directly.
//
// CLI commands (cobra):
//
//	gridledger start          - Start the ledger server
//	gridledger log            - Record an event (via the server)
//	gridledger tail [-f]      - Show recent entries, optionally follow
//	gridledger query          - Filter stored entries
//	gridledger verify         - Verify the chain or an exported file
//	gridledger export         - Export the chain as CSV or JSON
//	gridledger compliance     - Print a compliance artifact
//	gridledger reset          - Clear the ledger (via the server)
//	gridledger interlock      - List/engage/release safety switches
//	gridledger config         - Show or generate configuration
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gridops/gridledger/internal/audit"
	"github.com/gridops/gridledger/internal/config"
	"github.com/gridops/gridledger/internal/interlock"
	"github.com/gridops/gridledger/internal/server"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
)

// defaultConfigDir returns ~/.gridledger, where config.yaml,
// interlocks.yaml and the ledger/ directory live.
func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".gridledger"
	}
	return filepath.Join(home, ".gridledger")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

var configDir string

var rootCmd = &cobra.Command{
	Use:   "gridledger",
	Short: "gridledger: tamper-evident audit ledger for grid operations",
	Long: `gridledger records every safety-relevant action taken on the grid
operations dashboard in an append-only SHA-256 hash chain. Editing,
removing or reordering any stored entry is detected by 'gridledger verify'.

Run 'gridledger start' to start the ledger server.`,
	Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&configDir,
		"config-dir",
		defaultConfigDir(),
		"Path to gridledger config and state directory",
	)

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(complianceCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(interlockCmd)
	rootCmd.AddCommand(configCmd)
}

// loadConfig reads <config-dir>/config.yaml, falling back to defaults.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(filepath.Join(configDir, config.ConfigFile))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// ============================================================================
// gridledger start: run the ledger server
// ============================================================================

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gridledger server",
	Long: `Start the gridledger server in the foreground. The server owns the
ledger: it recovers the chain tip from disk, verifies the stored chain,
records a system-boot entry, and serves the HTTP API and live feed on
the address configured in config.yaml (default 127.0.0.1:3200).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStart(cmd, args)
	},
}

// runStart wires config, logging, the ledger, interlocks, the HTTP server
// and the config watcher, then blocks until SIGINT/SIGTERM.
func runStart(cmd *cobra.Command, args []string) error {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Log level is hot-reloaded from config.yaml.
	var level slog.LevelVar
	level.Set(cfg.Logging.SlogLevel())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ledger, err := audit.Open(ctx, audit.Options{
		Dir:            cfg.LedgerDir(configDir),
		MemoryOnly:     cfg.Ledger.Store.MemoryOnly,
		WorkingSetSize: cfg.Ledger.WorkingSetSize,
		QueueDepth:     cfg.Ledger.QueueDepth,
		Retry: audit.RetryPolicy{
			Retries: cfg.Ledger.Store.Retries,
			Backoff: cfg.Ledger.Store.Backoff(),
			Timeout: cfg.Ledger.Store.Timeout(),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to open audit ledger: %w", err)
	}
	defer ledger.Close()

	st := ledger.Status()
	fmt.Printf("[gridledger] Ledger opened: %d entries, tip %s\n", st.Entries, st.Tip)
	if st.Storage.Degraded {
		fmt.Fprintf(os.Stderr, "[gridledger] Warning: running memory-only (%s)\n", st.Storage.Reason)
	}

	if _, err := ledger.Log(ctx, audit.Draft{
		Operator: audit.OperatorSystem,
		Kind:     audit.KindSystemBoot,
		Resource: "gridledger",
		Details:  fmt.Sprintf("gridledger %s started", version),
		Metadata: audit.Metadata{
			"version":    version,
			"commit":     commit,
			"host":       cfg.Server.Host,
			"port":       cfg.Server.Port,
			"memoryOnly": st.Storage.Degraded,
		},
	}); err != nil {
		return fmt.Errorf("failed to record system boot: %w", err)
	}

	interlocks, err := interlock.Open(filepath.Join(configDir, config.InterlocksFile), ledger)
	if err != nil {
		return fmt.Errorf("failed to load interlocks: %w", err)
	}

	srv := server.New(server.Options{
		Ledger:     ledger,
		Interlocks: interlocks,
		Compliance: server.ComplianceDefaults{
			Standard:      cfg.Compliance.Standard,
			RecentEntries: cfg.Compliance.RecentEntries,
		},
		RateLimit: server.RateLimitConfig{
			RequestsPerSecond: cfg.API.RateLimit.RequestsPerSecond,
			Burst:             cfg.API.RateLimit.Burst,
		},
	})
	defer srv.Close()

	watcher, err := config.NewWatcher(configDir, config.WatchTargets{
		OnConfigChange: func() {
			reloaded, reloadErr := loadConfig()
			if reloadErr != nil {
				fmt.Fprintf(os.Stderr, "[gridledger] Warning: failed to reload config: %v\n", reloadErr)
				return
			}
			if newLevel := reloaded.Logging.SlogLevel(); newLevel != level.Level() {
				old := level.Level()
				level.Set(newLevel)
				fmt.Printf("[gridledger] Log level set to %s\n", newLevel)
				if _, logErr := ledger.Log(context.Background(), audit.Draft{
					Operator: audit.OperatorSystem,
					Kind:     audit.KindConfigChange,
					Resource: config.ConfigFile,
					Details:  fmt.Sprintf("Log level changed from %s to %s", old, newLevel),
					Metadata: audit.Metadata{"setting": "logging.level", "from": old.String(), "to": newLevel.String()},
				}); logErr != nil {
					slog.Error("failed to record config change", "error", logErr)
				}
			}
		},
		OnInterlocksChange: func() {
			if reloadErr := interlocks.Reload(); reloadErr != nil {
				fmt.Fprintf(os.Stderr, "[gridledger] Warning: failed to reload interlocks: %v\n", reloadErr)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("failed to start config watcher: %w", err)
	}
	defer watcher.Close()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		fmt.Printf("[gridledger] Listening on http://%s\n", addr)
		fmt.Println("[gridledger] Press Ctrl+C to stop")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		fmt.Println("\n[gridledger] Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	fmt.Println("[gridledger] Stopped")
	return nil
}
