package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/requestlog/internal/migrate"
	"github.com/ethpandaops/requestlog/internal/service"
	"github.com/ethpandaops/requestlog/internal/version"
)

var (
	cfgFile  string
	logLevel string
	dsn      string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "requestlog",
		Short: "Per-request telemetry records, batched into time windows",
		Long: `requestlog collects one flat telemetry record per unit of work,
groups finished records into time buckets and delivers each bucket to the
configured sinks. Undelivered records are saved to disk on shutdown and
recovered by the next process.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	cmd.PersistentFlags().StringVar(
		&cfgFile, "config", "",
		"path to config file (required)",
	)
	cmd.PersistentFlags().StringVar(
		&logLevel, "log-level", "",
		"override log level (debug, info, warn, error)",
	)

	cmd.AddCommand(versionCmd(), recoverCmd(), migrateCmd())

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.FullWithPlatform())
		},
	}
}

func recoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Deliver records left on disk by earlier processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, cfg, err := setup()
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			n, err := service.Recover(ctx, log, cfg)
			if err != nil {
				return fmt.Errorf("recovering records: %w", err)
			}

			log.WithField("records", n).Info("Recovery complete")

			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the ClickHouse request_log schema",
	}

	cmd.PersistentFlags().StringVar(
		&dsn, "dsn", "",
		"ClickHouse DSN (defaults to the clickhouse sink settings)",
	)

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				m, err := migrator()
				if err != nil {
					return err
				}

				return m.Up(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last migration",
			RunE: func(cmd *cobra.Command, args []string) error {
				m, err := migrator()
				if err != nil {
					return err
				}

				return m.Down(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Print the applied migration version",
			RunE: func(cmd *cobra.Command, args []string) error {
				m, err := migrator()
				if err != nil {
					return err
				}

				current, dirty, err := m.Status(cmd.Context())
				if err != nil {
					return err
				}

				latest, err := migrate.Latest()
				if err != nil {
					return err
				}

				fmt.Printf("version: %d (latest %d) dirty: %t\n", current, latest, dirty)

				return nil
			},
		},
	)

	return cmd
}

func migrator() (migrate.Migrator, error) {
	log, cfg, err := setup()
	if err != nil {
		return nil, err
	}

	target := dsn
	if target == "" {
		if cfg.Sinks.ClickHouse.Endpoint == "" {
			return nil, errors.New("no --dsn given and sinks.clickhouse.endpoint is not set")
		}

		target = migrate.DSN(cfg.Sinks.ClickHouse.ClickHouseConfig)
	}

	return migrate.New(log, target), nil
}

func setup() (*logrus.Logger, *service.Config, error) {
	if cfgFile == "" {
		return nil, nil, errors.New("--config is required")
	}

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	cfg, err := service.LoadConfig(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	// CLI flag overrides config file.
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing log level %q: %w", cfg.LogLevel, err)
	}

	log.SetLevel(level)

	return log, cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
}

func run(cmd *cobra.Command, args []string) error {
	log, cfg, err := setup()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	svc, err := service.New(log, cfg)
	if err != nil {
		return fmt.Errorf("creating service: %w", err)
	}

	log.WithField("version", version.Short()).Info("Starting requestlog")

	if err := svc.Start(ctx); err != nil {
		if stopErr := svc.Stop(); stopErr != nil {
			log.WithError(stopErr).Error("Error cleaning up after failed start")
		}

		return fmt.Errorf("starting service: %w", err)
	}

	<-ctx.Done()

	log.Info("Shutting down requestlog")

	if err := svc.Stop(); err != nil {
		log.WithError(err).Error("Error during shutdown")
		return fmt.Errorf("stopping service: %w", err)
	}

	log.Info("Shutdown complete")

	return nil
}
