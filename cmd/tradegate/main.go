package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/naveenvino/tradegate/internal/audit"
	"github.com/naveenvino/tradegate/internal/broker/paper"
	"github.com/naveenvino/tradegate/internal/clock"
	"github.com/naveenvino/tradegate/internal/config"
	"github.com/naveenvino/tradegate/internal/gateway"
	httpapi "github.com/naveenvino/tradegate/internal/interfaces/http"
	"github.com/naveenvino/tradegate/internal/persistence"
	"github.com/naveenvino/tradegate/internal/persistence/postgres"
	"github.com/naveenvino/tradegate/internal/ratelimit"
	"github.com/naveenvino/tradegate/internal/risk"
	"github.com/naveenvino/tradegate/internal/safety"
	"github.com/naveenvino/tradegate/internal/store"
)

const (
	appName = "TradeGate"
	version = "v1.0.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	rootCmd := &cobra.Command{
		Use:     "tradegate",
		Short:   "Risk and safety admission control for index options trading",
		Version: version,
		Long: `TradeGate sits between strategy signals and the broker: every order
passes the rate limiter, the safety controller and the risk tracker
before a single rupee of margin is committed.`,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the admission plane HTTP server",
		RunE:  runServe,
	}
	serveCmd.Flags().String("config", "", "Path to YAML config (defaults apply when omitted)")

	initCmd := &cobra.Command{
		Use:   "init-config",
		Short: "Write the default configuration to a file",
		RunE:  runInitConfig,
	}
	initCmd.Flags().String("out", "config.yaml", "Output path")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log.Info().Str("version", version).Msg(appName + " starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.New()

	// Optional redis-backed safety state, memory otherwise.
	var st store.Store = store.NewMemoryStore()
	if cfg.Store.Enabled {
		redisStore, err := store.Connect(ctx, cfg.Store.Addr, cfg.Store.Password, cfg.Store.DB, 0)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		st = redisStore
		log.Info().Str("addr", cfg.Store.Addr).Msg("safety state persisted to redis")
	}

	// Optional postgres ledger and audit trail.
	var sink audit.Sink = audit.NewLogSink()
	var ledgerRepo persistence.LedgerRepo
	if cfg.Database.Enabled {
		db, err := postgres.Connect(cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer db.Close()

		ledgerRepo = postgres.NewLedgerRepo(db, 5*time.Second)
		auditRepo := postgres.NewAuditRepo(db, 5*time.Second)
		sink = audit.NewMultiSink(sink, audit.NewRepoSink(auditRepo, 5*time.Second))
		log.Info().Msg("trade ledger and audit trail persisted to postgres")
	}

	tracker, err := risk.NewTracker(cfg.Risk, cfg.Session, clk)
	if err != nil {
		return fmt.Errorf("risk tracker: %w", err)
	}

	safetyCtl := safety.NewController(cfg.Safety, clk, tracker, sink, st)
	limiter := ratelimit.New(cfg.RateLimit, clk)

	broker := paper.New()
	gw := gateway.New(limiter, safetyCtl, tracker, broker, sink, clk, cfg.Broker)
	if ledgerRepo != nil {
		gw.SetLedger(persistence.NewLedgerWriter(ledgerRepo, 5*time.Second))
	}

	metrics := httpapi.NewMetricsRegistry()
	server, err := httpapi.NewServer(cfg.Server, gw, tracker, safetyCtl, limiter, metrics)
	if err != nil {
		return err
	}
	if ledgerRepo != nil {
		server.SetLedgerRepo(ledgerRepo)
	}

	monitor := safety.NewMonitor(safetyCtl)
	go monitor.Run(ctx)

	// Periodic eviction of idle rate-limit buckets.
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := limiter.PruneIdle(time.Hour); n > 0 {
					log.Debug().Int("pruned", n).Msg("idle rate-limit clients evicted")
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}

func runInitConfig(cmd *cobra.Command, args []string) error {
	out, _ := cmd.Flags().GetString("out")
	if err := config.Save(config.Default(), out); err != nil {
		return err
	}
	log.Info().Str("path", out).Msg("default config written")
	return nil
}
