/**
 * @description
 * This is the main entry point for the stokvel service. `serve` runs the HTTP API,
 * the messaging webhook, the outbox dispatcher and the cron scheduler in one process.
 * `migrate` applies the database migrations and `tick` runs a single schedule tick,
 * which is useful for operators and external schedulers.
 */
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/stokvel/stokvel-service/internal/api"
	"github.com/stokvel/stokvel-service/internal/app"
	"github.com/stokvel/stokvel-service/internal/config"
	"github.com/stokvel/stokvel-service/internal/store"
	"github.com/stokvel/stokvel-service/pkg/logging"
)

var Version = "dev"

func main() {
	// A missing .env file is fine; the environment is authoritative.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:          "stokvel",
		Short:        "Stokvel group savings service",
		Version:      Version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", ".", "Directory containing an optional .env file")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tickCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the outbox dispatcher and the cron scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := logging.New(cfg.LogFormat, cfg.LogLevel)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			svc, err := newService(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer svc.Close()

			go svc.dispatcher.Run(ctx)

			scheduler := app.NewScheduler(svc.jobs, logger, cfg)
			scheduler.Start()
			logger.Info("scheduler started", "entries", scheduler.Entries())

			router := api.NewRouter(svc.handler, promhttp.HandlerFor(svc.registry, promhttp.HandlerOpts{}))
			server := &http.Server{
				Addr:              ":" + cfg.ServerPort,
				Handler:           router,
				ReadHeaderTimeout: 10 * time.Second,
			}

			serverErr := make(chan error, 1)
			go func() {
				logger.Info("stokvel service starting", "port", cfg.ServerPort)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serverErr <- err
				}
			}()

			select {
			case <-ctx.Done():
				logger.Info("shutdown signal received")
			case err := <-serverErr:
				logger.Error("http server failed", "error", err)
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Error("server shutdown failed", "error", err)
			}

			stopCtx := scheduler.Stop()
			<-stopCtx.Done()
			logger.Info("stokvel service stopped gracefully")
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := logging.New(cfg.LogFormat, cfg.LogLevel)
			if cfg.StoreDriver != "postgres" {
				return fmt.Errorf("migrate requires STORE_DRIVER=postgres, got %q", cfg.StoreDriver)
			}

			ctx := cmd.Context()
			pool, err := openPool(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()

			applied, err := store.ApplyMigrations(ctx, pool)
			if err != nil {
				return err
			}
			logger.Info("migrations applied", "count", len(applied), "versions", applied)
			return nil
		},
	}
}

func tickCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run one schedule engine tick and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := logging.New(cfg.LogFormat, cfg.LogLevel)
			withInterest, _ := cmd.Flags().GetBool("interest")

			ctx := cmd.Context()
			svc, err := newService(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer svc.Close()

			if withInterest {
				if err := svc.interest.AccrueAll(ctx, app.SystemClock{}.Now()); err != nil {
					return fmt.Errorf("interest accrual failed: %w", err)
				}
			}

			report, err := svc.engine.Tick(ctx)
			if err != nil {
				return fmt.Errorf("schedule tick failed: %w", err)
			}
			logger.Info("schedule tick finished",
				"stokvels", report.Stokvels,
				"contributions", report.Contributions,
				"payouts", report.Payouts,
				"stalled", len(report.Stalled),
				"errors", len(report.Errors),
			)

			if _, err := svc.dispatcher.FlushOnce(ctx); err != nil {
				logger.Warn("outbox flush failed", "error", err)
			}
			return nil
		},
	}
	cmd.Flags().Bool("interest", false, "Accrue due interest before the tick")
	return cmd
}
