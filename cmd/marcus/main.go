package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus-agent/marcus/pkg/board"
	"github.com/marcus-agent/marcus/pkg/config"
	"github.com/marcus-agent/marcus/pkg/coordinator"
	"github.com/marcus-agent/marcus/pkg/events"
	"github.com/marcus-agent/marcus/pkg/graph"
	"github.com/marcus-agent/marcus/pkg/inference"
	"github.com/marcus-agent/marcus/pkg/lease"
	"github.com/marcus-agent/marcus/pkg/ledger"
	"github.com/marcus-agent/marcus/pkg/log"
	"github.com/marcus-agent/marcus/pkg/metrics"
	"github.com/marcus-agent/marcus/pkg/monitor"
	"github.com/marcus-agent/marcus/pkg/oracle"
	"github.com/marcus-agent/marcus/pkg/rpc"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const drainBudget = 30 * time.Second

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "marcus",
	Short: "Marcus - Task coordination server for autonomous agents",
	Long: `Marcus coordinates a pool of autonomous coding agents against a shared
kanban board. Agents register, request work, report progress and blockers,
and release tasks over JSON-RPC on stdin/stdout; Marcus keeps every task
owned by at most one agent at a time.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Marcus version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	serveCmd.Flags().String("config", "", "path to YAML config file")
	serveCmd.Flags().String("data-dir", "", "override data directory")
	serveCmd.Flags().String("board", "", "board backend: kanban or memory")
	serveCmd.Flags().String("log-level", "", "log level: debug, info, warn, error")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Marcus version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordination server on stdin/stdout",
	Long: `Start the Marcus server. The JSON-RPC tool surface owns stdin and
stdout; all diagnostics go to stderr. The process exits when the peer
closes stdin or on SIGINT/SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
			cfg.DataDir = v
		}
		if v, _ := cmd.Flags().GetString("board"); v != "" {
			cfg.BoardBackend = v
		}
		if v, _ := cmd.Flags().GetString("log-level"); v != "" {
			cfg.LogLevel = v
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		return serve(cfg)
	},
}

func serve(cfg *config.Config) error {
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("main")
	logger.Info().Str("version", Version).Str("data_dir", cfg.DataDir).Msg("starting marcus")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	metrics.Register()
	metrics.SetVersion(Version)

	// Board provider, wrapped with timeouts and a circuit breaker.
	var inner board.Board
	switch cfg.BoardBackend {
	case "memory":
		inner = board.NewMemoryBoard()
	default:
		dbPath := cfg.BoardDBPath
		if dbPath == "" {
			dbPath = filepath.Join(cfg.DataDir, "board.db")
		}
		kb, err := board.NewKanbanBoard(dbPath)
		if err != nil {
			return fmt.Errorf("open kanban board: %w", err)
		}
		inner = kb
	}
	brd := board.NewResilient(inner, cfg.BoardTimeout())
	defer brd.Close()
	metrics.RegisterComponent("board", true, cfg.BoardBackend)

	// Assignment ledger.
	var store ledger.Store
	switch cfg.LedgerBackend {
	case "bolt":
		s, err := ledger.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("open ledger store: %w", err)
		}
		store = s
	default:
		s, err := ledger.NewFileStore(cfg.DataDir, cfg.LedgerFsync)
		if err != nil {
			return fmt.Errorf("open ledger store: %w", err)
		}
		store = s
	}
	led := ledger.New(ledger.WithTimeout(store, cfg.LedgerTimeout()))
	assignments, err := led.Load()
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	defer led.Close()
	logger.Info().Int("assignments", len(assignments)).Str("backend", cfg.LedgerBackend).Msg("ledger loaded")
	metrics.RegisterComponent("ledger", true, cfg.LedgerBackend)

	broker := events.NewBroker(cfg.EventQueueMax)
	broker.Start()
	defer broker.Stop()

	leases := lease.NewManager(lease.Options{
		DefaultDuration:    cfg.LeaseDefault(),
		MaxDuration:        cfg.LeaseMax(),
		AutoRenewThreshold: cfg.AutoRenewThreshold(),
		MaxRenewals:        cfg.MaxRenewals,
		HeartbeatTimeout:   cfg.HeartbeatTimeout(),
	}, broker, nil)

	var orc oracle.Oracle
	if cfg.OracleEnabled && cfg.OracleAPIKey != "" {
		orc = oracle.NewAnthropicOracle(cfg.OracleAPIKey, cfg.OracleModel, cfg.OracleTimeout())
		metrics.RegisterComponent("oracle", true, cfg.OracleModel)
		logger.Info().Str("model", cfg.OracleModel).Msg("oracle enabled")
	} else {
		logger.Info().Msg("oracle disabled, pattern inference only")
	}

	inf := inference.New(inference.Options{
		PatternConfidenceThreshold: cfg.PatternConfidenceThreshold,
		AIConfidenceThreshold:      cfg.AIConfidenceThreshold,
		CombinedConfidenceBoost:    cfg.CombinedConfidenceBoost,
		MaxPairsPerBatch:           cfg.MaxAIPairsPerBatch,
		OracleEnabled:              orc != nil,
	}, orc, inference.NewCache(led, cfg.CacheTTL()), broker)

	coord := coordinator.New(cfg, brd, orc, led, leases, graph.New(), inf, broker)
	leases.SetExpireFunc(coord.HandleLeaseExpiry)
	leases.Start()
	defer leases.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Reconcile persisted assignments against the board before taking
	// traffic, then keep watching in the background.
	mon := monitor.New(brd, led, leases, broker, cfg.CheckInterval())
	report, err := mon.Reconcile(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("startup reconciliation incomplete")
	} else {
		logger.Info().
			Int("verified", len(report.Verified)).
			Int("removed", len(report.Removed)).
			Int("restored", len(report.Restored)).
			Msg("startup reconciliation done")
	}
	mon.Start(ctx)
	defer mon.Stop()

	srv := rpc.NewServer(coord)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ServeStdio(ctx)
	}()

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("rpc loop failed")
		} else {
			logger.Info().Msg("peer disconnected, shutting down")
		}
	}

	srv.Shutdown(drainBudget)
	cancel()

	logger.Info().Msg("shutdown complete")
	return nil
}
