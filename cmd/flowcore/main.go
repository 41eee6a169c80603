// Copyright 2024-present FlowCore Contributors
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowcorehq/flowcore/internal/config"
	"github.com/flowcorehq/flowcore/internal/log"
	"github.com/flowcorehq/flowcore/internal/otel"
	"github.com/flowcorehq/flowcore/internal/profile"
	"github.com/flowcorehq/flowcore/pkg/bpmn"
	"github.com/flowcorehq/flowcore/pkg/bpmn/exporter"
	"github.com/flowcorehq/flowcore/pkg/storage/inmemory"
)

func main() {
	profile.InitProfile()
	log.Init()

	appContext, ctxCancel := context.WithCancel(context.Background())

	conf := config.InitConfig()

	openTelemetry, err := otel.SetupOtel(conf.Tracing)
	if err != nil {
		log.Error("Failed to set up OTEL: %s", err)
		os.Exit(1)
	}

	engine := bpmn.NewEngine(
		bpmn.EngineWithName(conf.Name),
		bpmn.EngineWithStorage(inmemory.NewStorage()),
		bpmn.EngineWithPartition(conf.Engine.PartitionId, conf.Engine.PartitionCount),
		bpmn.EngineWithMaxRecordSize(conf.Engine.MaxRecordSize),
		bpmn.EngineWithExporter(exporter.NewLogExporter(hclog.Default())),
	)
	log.Info("Engine %s ready on partition %d of %d", engine.Name(), conf.Engine.PartitionId, conf.Engine.PartitionCount)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: conf.Server.Addr, Handler: metricsMux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Metrics server failed: %s", err)
		}
	}()
	log.Info("Serving metrics on %s", conf.Server.Addr)

	appStop := make(chan os.Signal, 2)
	signal.Notify(appStop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	sig := <-appStop
	log.Info("Received %s. Shutting down", sig.String())

	ctxCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Failed to properly stop metrics server: %s", err)
	}
	openTelemetry.Stop(appContext)
}
