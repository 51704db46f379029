package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/transfa/settlement-service/internal/app"
	"github.com/transfa/settlement-service/internal/config"
	"github.com/transfa/settlement-service/internal/logging"
	"github.com/transfa/settlement-service/internal/store"
	"github.com/transfa/settlement-service/pkg/cache"
	"github.com/transfa/settlement-service/pkg/directoryclient"
	"github.com/transfa/settlement-service/pkg/keydir"
	"github.com/transfa/settlement-service/pkg/peerclient"
	rmrabbit "github.com/transfa/settlement-service/pkg/rabbitmq"
	"github.com/transfa/settlement-service/pkg/retry"
)

func loadConfig() (config.Config, error) {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newDirectoryClient(cfg config.Config) (*directoryclient.Client, error) {
	if cfg.CentralBankURL == "" {
		return nil, errors.New("CENTRAL_BANK_URL is not set")
	}
	return directoryclient.NewClient(cfg.CentralBankURL, cfg.CentralBankAPIKey, cache.NewMemoryCache(),
		directoryclient.WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout()}),
		directoryclient.WithRetryPolicy(retry.Policy{Attempts: cfg.RetryAttempts, BaseDelay: cfg.RetryBaseDelay()}),
		directoryclient.WithLogger(logging.New(cfg.LogLevel, cfg.LogFormat)),
	), nil
}

func registerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "Announce this bank to the central bank directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client, err := newDirectoryClient(cfg)
			if err != nil {
				return err
			}
			bank, err := client.RegisterSelf(cmd.Context(), directoryclient.Registration{
				Name:    cfg.BankName,
				Prefix:  cfg.BankPrefix,
				JWKSURL: cfg.JWKSURL(),
				APIURL:  cfg.BaseURL,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), bank)
		},
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check connectivity to the central bank directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client, err := newDirectoryClient(cfg)
			if err != nil {
				return err
			}
			health := client.HealthCheck(cmd.Context())
			if err := printJSON(cmd.OutOrStdout(), health); err != nil {
				return err
			}
			if !health.Connected {
				return fmt.Errorf("directory unreachable: %s", health.Error)
			}
			return nil
		},
	}
}

func banksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "banks",
		Short: "List banks registered with the central bank",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client, err := newDirectoryClient(cfg)
			if err != nil {
				return err
			}
			banks, err := client.ListBanks(cmd.Context())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PREFIX\tNAME\tACTIVE\tAPI URL")
			for _, bank := range banks {
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", bank.Prefix, bank.Name, bank.IsActive, bank.APIURL)
			}
			return tw.Flush()
		},
	}
}

func reconcileCmd() *cobra.Command {
	var grace time.Duration
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation sweep over stranded outgoing transfers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is not set")
			}
			logger := logging.New(cfg.LogLevel, cfg.LogFormat)

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
			defer cancel()

			pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer pool.Close()

			directory, err := newDirectoryClient(cfg)
			if err != nil {
				return err
			}
			signingKey, err := keydir.LoadPrivateKey(cfg.PrivateKeyPath, cfg.KeyPassphrase)
			if err != nil {
				return err
			}
			keys, err := keydir.New(cfg.BankPrefix, cfg.SigningKeyID, signingKey, directory, nil, keydir.WithLogger(logger))
			if err != nil {
				return err
			}

			var publisher rmrabbit.Publisher
			if cfg.RabbitMQURL != "" {
				producer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL, cfg.SettlementExchange, logger)
				if err != nil {
					logger.Warn("rabbitmq producer unavailable; events will be logged only", "error", err)
				} else {
					defer producer.Close()
					publisher = producer
				}
			}

			svc := app.NewService(app.Dependencies{
				Repo:      store.NewPostgresRepository(pool),
				Keys:      keys,
				Directory: directory,
				Peers: peerclient.NewClient(
					peerclient.WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout()}),
					peerclient.WithLogger(logger),
				),
				Publisher: publisher,
				Logger:    logger,
			})
			if grace <= 0 {
				grace = cfg.ReconcileGrace()
			}

			report, err := app.NewReconciler(svc, grace, cfg.ReconcileBatchSize).Run(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}

	cmd.Flags().DurationVar(&grace, "grace", 0, "Only consider transfers untouched for this long (default RECONCILE_GRACE_MINUTES)")

	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
