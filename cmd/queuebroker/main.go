/*
Copyright 2026 The Screwdriver Authors.

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

// Command queuebroker wires the build-queue broker engine together: it is
// the thin entrypoint the core package treats as an external collaborator
// (spec.md §1) — it does not parse executor commands itself, it only
// loads configuration and runs the scheduler.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/screwdriver-cd/buildqueue/pkg/apiclient"
	"github.com/screwdriver-cd/buildqueue/pkg/breaker"
	"github.com/screwdriver-cd/buildqueue/pkg/broker"
	"github.com/screwdriver-cd/buildqueue/pkg/config"
	"github.com/screwdriver-cd/buildqueue/pkg/kv"
	"github.com/screwdriver-cd/buildqueue/pkg/queue"
	"github.com/screwdriver-cd/buildqueue/pkg/scheduler"
)

func main() {
	var configPath string
	var metricsAddr string

	root := &cobra.Command{
		Use:   "queuebroker",
		Short: "Run the Screwdriver build-queue broker's scheduler workers.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, metricsAddr)
		},
	}
	root.Flags().StringVar(&configPath, "config", "config.yaml", "path to the broker's YAML configuration")
	root.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "address to serve Prometheus metrics on")

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Fatal("queuebroker exited with error")
	}
}

func run(configPath, metricsAddr string) error {
	log := logrus.NewEntry(logrus.StandardLogger())

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	kvClient := kv.New(kv.Connection{
		Host:     cfg.RedisConnection.Host,
		Port:     cfg.RedisConnection.Port,
		Password: cfg.RedisConnection.Password,
		Database: cfg.RedisConnection.Database,
		Prefix:   cfg.Prefix,
	}, log)
	queueClient := queue.New(queue.Connection{
		Host:     cfg.RedisConnection.Host,
		Port:     cfg.RedisConnection.Port,
		Password: cfg.RedisConnection.Password,
		Database: cfg.RedisConnection.Database,
		Prefix:   cfg.Prefix,
	}, log)
	apiClient := apiclient.New(log)

	kvBreakerCfg := breaker.DefaultConfig("kv")
	kvBreakerCfg.Retries = cfg.Breaker.Retry.Retries
	queueBreakerCfg := breaker.DefaultConfig("queue")
	queueBreakerCfg.Retries = cfg.Breaker.Retry.Retries

	core := broker.New(kvClient, queueClient, apiClient, breaker.New(kvBreakerCfg), breaker.New(queueBreakerCfg), log)

	schedCfg := scheduler.DefaultConfig()
	if cfg.CheckTimeout > 0 {
		schedCfg.CheckTimeout = cfg.CheckTimeout
	}
	sched := scheduler.New(schedCfg, queueClient, core, core, log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	getCfg, setCfg := config.NewReloadable(cfg)
	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-reload:
				next, err := config.Load(configPath)
				if err != nil {
					log.WithError(err).Error("failed to reload configuration")
					continue
				}
				setCfg(next)
				log.WithField("retries", getCfg().Breaker.Retry.Retries).Info("reloaded configuration")
			}
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server stopped")
		}
	}()

	sched.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), schedCfg.CheckTimeout)
	defer shutdownCancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	_ = kvClient.Close()
	_ = queueClient.Close()
	return nil
}
