// File: cmd/app/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"telegram-vpn-subscription/internal/config"
	"telegram-vpn-subscription/internal/infra/db/postgres"
	"telegram-vpn-subscription/internal/infra/logging"
	"telegram-vpn-subscription/internal/infra/metrics"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
)

var (
	cfgPath string
	devMode bool
)

var rootCmd = &cobra.Command{
	Use:     "vpnsub",
	Short:   "Telegram Stars VPN subscription service",
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bot, the HTTP API, the payment consumer and the schedulers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(cfgPath, false)
		if err != nil {
			return err
		}
		logger := logging.New(cfg.Log, false)
		pool, err := postgres.Connect(cmd.Context(), &cfg.Database)
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := postgres.Migrate(cmd.Context(), pool, logger); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		logger.Info().Msg("migrations applied")
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one expiry sweep and one panel retry pass, then exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(cfgPath, devMode)
		if err != nil {
			return err
		}
		logger := logging.New(cfg.Log, cfg.Runtime.Dev)
		a, err := build(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()

		report, err := a.sweep.Sweep(cmd.Context())
		if err != nil {
			return fmt.Errorf("sweep: %w", err)
		}
		retries, err := a.sweep.RetryDue(cmd.Context())
		if err != nil {
			return fmt.Errorf("retry: %w", err)
		}
		logger.Info().
			Int("scanned", report.Scanned).
			Int("reminded", report.Reminded).
			Int("expired", report.Expired).
			Int("abandoned", report.Abandoned).
			Int("failed", report.Failed).
			Int("retried", retries.Attempted).
			Int("retry_succeeded", retries.Succeeded).
			Msg("sweep finished")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "path to YAML config file")
	rootCmd.PersistentFlags().BoolVar(&devMode, "dev", false, "developer mode: in-memory store, log-only notifications")
	rootCmd.AddCommand(serveCmd, migrateCmd, sweepCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.LoadConfig(cfgPath, devMode)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	if cfg.Runtime.Dev {
		logger.Warn().Msg("developer mode enabled")
	}
	metrics.MustRegister()
	metrics.SetBuildInfo(Version, GitCommit)

	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	intake, intakeCtx := errgroup.WithContext(ctx)
	intake.Go(func() error { return a.server.Start() })
	if a.bot != nil {
		intake.Go(func() error { return a.bot.StartPolling(intakeCtx) })
	}
	if a.consumer != nil {
		intake.Go(func() error { return a.consumer.Start(intakeCtx) })
	}

	workers, workerCtx := errgroup.WithContext(intakeCtx)
	workers.Go(func() error { return a.sweepWorker.Run(workerCtx) })
	workers.Go(func() error { return a.retryWorker.Run(workerCtx) })
	workers.Go(func() error { return a.reconciler.Run(workerCtx) })
	if a.pool != nil {
		workers.Go(func() error {
			t := time.NewTicker(15 * time.Second)
			defer t.Stop()
			for {
				metrics.ObservePool(a.pool)
				select {
				case <-workerCtx.Done():
					return workerCtx.Err()
				case <-t.C:
				}
			}
		})
	}

	logger.Info().Str("version", Version).Str("addr", cfg.HTTP.Addr).Msg("service started")
	<-intakeCtx.Done()
	logger.Info().Msg("shutdown requested")

	// Intake stops first so nothing new reaches the state machine, then the
	// workers drain, then the pools close in a.close.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown failed")
	}
	if a.bot != nil {
		a.bot.StopPolling()
	}
	if a.consumer != nil {
		if err := a.consumer.Close(); err != nil {
			logger.Error().Err(err).Msg("amqp close failed")
		}
	}

	var errs []error
	if err := intake.Wait(); ignoreCanceled(err) != nil {
		errs = append(errs, err)
	}
	if err := workers.Wait(); ignoreCanceled(err) != nil {
		errs = append(errs, err)
	}
	logger.Info().Msg("service stopped")
	return errors.Join(errs...)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
