/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/blnkfinance/payouts"
	"github.com/blnkfinance/payouts/config"
	"github.com/blnkfinance/payouts/database"
	"github.com/blnkfinance/payouts/internal/archive"
	"github.com/blnkfinance/payouts/internal/cache"
	"github.com/blnkfinance/payouts/internal/events"
	redlock "github.com/blnkfinance/payouts/internal/lock"
	"github.com/blnkfinance/payouts/internal/metrics"
	"github.com/blnkfinance/payouts/internal/notification"
	pgconn "github.com/blnkfinance/payouts/internal/pg-conn"
	redis_db "github.com/blnkfinance/payouts/internal/redis-db"
	"github.com/blnkfinance/payouts/ledger"
	"github.com/blnkfinance/payouts/provider"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const reconciliationLockKey = "payouts:reconciliation:lock"

// PayoutsCLI wraps the root cobra command.
type PayoutsCLI struct {
	cmd *cobra.Command
}

// payoutsInstance holds what every command needs once the config is loaded.
type payoutsInstance struct {
	payouts *payouts.Payouts
	cnf     *config.Configuration
	closers []func() error
}

func (app *payoutsInstance) close() {
	for i := len(app.closers) - 1; i >= 0; i-- {
		if err := app.closers[i](); err != nil {
			logrus.Warnf("error during shutdown: %v", err)
		}
	}
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

func preRun(app *payoutsInstance, configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := config.InitConfig(*configFile); err != nil {
			log.Fatal("error loading config ", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}
		app.cnf = cnf
		return nil
	}
}

// engine connects the payout engine on first use. Commands that only touch the
// schema or print the config never dial redis or the providers.
func (app *payoutsInstance) engine() *payouts.Payouts {
	if app.payouts != nil {
		return app.payouts
	}
	if err := setupPayouts(app, app.cnf); err != nil {
		notification.NotifyError(err)
		log.Fatal(err)
	}
	return app.payouts
}

func asynqRedisOpt(cfg *config.Configuration) (asynq.RedisClientOpt, error) {
	redisOption, err := redis_db.ParseRedisURL(cfg.Redis.Dns, cfg.Redis.SkipTLSVerify)
	if err != nil {
		return asynq.RedisClientOpt{}, fmt.Errorf("error parsing Redis URL: %v", err)
	}
	return asynq.RedisClientOpt{
		Addr:      redisOption.Addr,
		Password:  redisOption.Password,
		DB:        redisOption.DB,
		TLSConfig: redisOption.TLSConfig,
	}, nil
}

// newLedgerReader prefers the ledger's HTTP API and falls back to reading its
// database directly. Lookups are cached in redis.
func newLedgerReader(cfg *config.Configuration, rdb *redis_db.Redis) (ledger.Reader, func() error, error) {
	var (
		reader ledger.Reader
		closer = func() error { return nil }
	)
	if cfg.Ledger.BaseURL != "" {
		reader = ledger.NewHTTPReader(cfg.Ledger.BaseURL, cfg.Ledger.APIKey, cfg.Ledger.CashoutDestination, nil)
	} else {
		conn, err := pgconn.ConnectDB(config.DataSourceConfig{
			Dns:             cfg.Ledger.Dns,
			MaxOpenConns:    cfg.DataSource.MaxOpenConns,
			MaxIdleConns:    cfg.DataSource.MaxIdleConns,
			ConnMaxLifetime: cfg.DataSource.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.DataSource.ConnMaxIdleTime,
		}, pgconn.ReadOnly(), pgconn.ApplicationName("payouts-reconciler"))
		if err != nil {
			return nil, nil, fmt.Errorf("error connecting to ledger database: %v", err)
		}
		reader = ledger.NewPostgresReader(conn, cfg.Ledger.CashoutDestination)
		closer = conn.Close
	}
	return ledger.NewCachedReader(reader, cache.NewCache(rdb.Client()), cfg.Ledger.CacheTTL()), closer, nil
}

// setupPayouts connects every collaborator named in the config and builds the engine.
func setupPayouts(app *payoutsInstance, cfg *config.Configuration) error {
	metrics.Register()

	db, err := database.NewDataSource(cfg)
	if err != nil {
		return fmt.Errorf("error getting datasource: %v", err)
	}

	registry, err := provider.LoadRegistry(cfg.Providers.ConfigFile)
	if err != nil {
		return err
	}
	logrus.Infof("payout providers loaded: %s", strings.Join(registry.Names(), ", "))

	rdb, err := redis_db.NewRedisClient([]string{cfg.Redis.Dns}, cfg.Redis.SkipTLSVerify)
	if err != nil {
		return fmt.Errorf("error connecting to redis: %v", err)
	}
	app.closers = append(app.closers, rdb.Close)

	ledgerReader, closeLedger, err := newLedgerReader(cfg, rdb)
	if err != nil {
		return err
	}
	app.closers = append(app.closers, closeLedger)

	redisOpt, err := asynqRedisOpt(cfg)
	if err != nil {
		return err
	}
	notifier := payouts.NewQueueNotifier(redisOpt, cfg.Notification.Queue)
	app.closers = append(app.closers, notifier.Close)

	hostname, _ := os.Hostname()
	opts := []payouts.Option{
		payouts.WithNotifier(notifier),
		payouts.WithReconciliationLock(redlock.NewLocker(rdb.Client(), reconciliationLockKey, hostname+"-"+uuid.NewString())),
	}

	if cfg.Events.NatsURL != "" {
		publisher, err := events.Connect(cfg.Events.NatsURL, cfg.Events.Subject)
		if err != nil {
			return fmt.Errorf("error connecting to nats: %v", err)
		}
		app.closers = append(app.closers, publisher.Close)
		opts = append(opts, payouts.WithEventPublisher(publisher))
	}

	if cfg.Archive.Enabled() {
		archiver, err := archive.NewS3Archiver(cfg.Archive)
		if err != nil {
			return fmt.Errorf("error creating report archiver: %v", err)
		}
		opts = append(opts, payouts.WithReportArchiver(archiver))
	}

	p, err := payouts.NewPayouts(db, registry, ledgerReader, opts...)
	if err != nil {
		return fmt.Errorf("error creating payouts engine: %v", err)
	}
	app.payouts = p
	return nil
}

// NewCLI builds the root command and its subcommands.
func NewCLI() *PayoutsCLI {
	var configFile string
	app := &payoutsInstance{}

	var rootCmd = &cobra.Command{
		Use:   "payouts",
		Short: "Mobile money payout engine",
		Run:   func(cmd *cobra.Command, args []string) {},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			app.close()
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./payouts.json", "Configuration file for the payout engine")
	rootCmd.PersistentPreRunE = preRun(app, &configFile)

	rootCmd.AddCommand(serverCommands(app))
	rootCmd.AddCommand(workerCommands(app))
	rootCmd.AddCommand(reconcileCommands(app))
	rootCmd.AddCommand(migrateCommands(app))
	rootCmd.AddCommand(configCommands(app))

	return &PayoutsCLI{cmd: rootCmd}
}

func (w PayoutsCLI) executeCLI() {
	if err := w.cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
