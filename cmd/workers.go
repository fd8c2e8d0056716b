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
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/blnkfinance/payouts"
	"github.com/blnkfinance/payouts/config"
	pg_listener "github.com/blnkfinance/payouts/internal/pg-listener"
	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.elastic.co/apm/module/apmlogrus/v2"
)

func init() {
	logrus.AddHook(&apmlogrus.Hook{})
}

func initializeWorkerServer(conf *config.Configuration) (*asynq.Server, error) {
	redisOpt, err := asynqRedisOpt(conf)
	if err != nil {
		return nil, err
	}

	return asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: 2,
			Queues:      map[string]int{conf.Notification.Queue: 1},
		},
	), nil
}

func startMonitoring(conf *config.Configuration) {
	redisOpt, err := asynqRedisOpt(conf)
	if err != nil {
		logrus.Errorf("asynqmon disabled: %v", err)
		return
	}
	h := asynqmon.New(asynqmon.Options{
		RootPath:     "/monitoring",
		RedisConnOpt: redisOpt,
	})

	go func() {
		monitoringAddr := fmt.Sprintf(":%s", conf.Notification.MonitoringPort)
		log.Printf("Asynqmon server listening on %s/monitoring", monitoringAddr)
		if err := http.ListenAndServe(monitoringAddr, h); err != nil {
			logrus.Errorf("could not start asynqmon server: %v", err)
		}
	}()
}

// workerCommands runs the claim worker, the reconciler and the notification
// task server until the process is signalled.
func workerCommands(app *payoutsInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start payout workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			shutdown, err := initializeTracing(ctx, app.cnf)
			if err != nil {
				log.Fatal(err)
			}
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					log.Printf("Error during shutdown: %v", err)
				}
			}()

			engine := app.engine()

			worker := payouts.NewPayoutWorker(engine)
			worker.Start(ctx)
			defer worker.Stop()

			if app.cnf.Worker.ListenNotify {
				listener := pg_listener.NewDBListener(pg_listener.ListenerConfig{
					PgConnStr: app.cnf.DataSource.Dns,
				}, worker)
				go func() {
					if err := listener.Start(ctx); err != nil {
						logrus.Errorf("postgres listener stopped: %v", err)
					}
				}()
			}

			reconciler := payouts.NewReconciler(engine)
			reconciler.Start(ctx)
			defer reconciler.Stop()

			srv, err := initializeWorkerServer(app.cnf)
			if err != nil {
				log.Fatal(err)
			}
			mux := asynq.NewServeMux()
			mux.HandleFunc(app.cnf.Notification.Queue, payouts.ProcessStatusNotification)
			if err := srv.Start(mux); err != nil {
				log.Fatalf("could not run notification server: %v", err)
			}
			defer srv.Shutdown()

			startMonitoring(app.cnf)

			<-ctx.Done()
			logrus.Info("shutting down payout workers")
		},
	}

	return cmd
}
