// Copyright 2024-present FlowCore Contributors
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package otel

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	metrics "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/flowcorehq/flowcore/internal/config"
)

var (
	CommandsTotal          metrics.Int64Counter
	CommandRejectionsTotal metrics.Int64Counter
	CreatedInstancesTotal  metrics.Int64Counter
	CanceledInstancesTotal metrics.Int64Counter
	MigratedInstancesTotal metrics.Int64Counter
	ModifiedInstancesTotal metrics.Int64Counter
	CommandDuration        metrics.Float64Histogram

	engineMeter string = "engine-meter"
)

type Otel struct {
	meterProvider  *metric.MeterProvider
	tracerprovider *trace.TracerProvider
}

func SetupOtel(conf config.Tracing) (*Otel, error) {
	o := Otel{}
	var err error

	o.meterProvider, err = setupMeterProvider(conf.Name)
	if err != nil {
		return nil, err
	}
	otel.SetMeterProvider(o.meterProvider)
	if conf.Enabled {
		o.tracerprovider, err = setupTraceProvider(conf)
		otel.SetTracerProvider(o.tracerprovider)
		if err != nil {
			return nil, fmt.Errorf("failed to set up tracer: %w", err)
		}
	}

	return &o, nil
}

func (o *Otel) Stop(ctx context.Context) {
	if o.meterProvider != nil {
		_ = o.meterProvider.Shutdown(ctx)
		o.meterProvider = nil
	}
	if o.tracerprovider != nil {
		_ = o.tracerprovider.Shutdown(ctx)
		o.tracerprovider = nil
	}
}

func setupMeterProvider(appName string) (*metric.MeterProvider, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to set up prometheus exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(appName),
		attribute.String("library.language", "go"),
	))
	if err != nil {
		return nil, err
	}

	meterProvider := metric.NewMeterProvider(
		metric.WithReader(exporter),
		metric.WithResource(res),
	)

	var errJoin error
	CommandsTotal, err = otel.Meter(engineMeter).Int64Counter("engine_commands_total", metrics.WithDescription("Total commands processed by the engine"))
	errJoin = errors.Join(errJoin, err)
	CommandRejectionsTotal, err = otel.Meter(engineMeter).Int64Counter("engine_command_rejections_total", metrics.WithDescription("Total commands that were rejected"))
	errJoin = errors.Join(errJoin, err)
	CreatedInstancesTotal, err = otel.Meter(engineMeter).Int64Counter("engine_created_process_instances_total", metrics.WithDescription("Total process instances created"))
	errJoin = errors.Join(errJoin, err)
	CanceledInstancesTotal, err = otel.Meter(engineMeter).Int64Counter("engine_canceled_process_instances_total", metrics.WithDescription("Total process instances canceled"))
	errJoin = errors.Join(errJoin, err)
	MigratedInstancesTotal, err = otel.Meter(engineMeter).Int64Counter("engine_migrated_process_instances_total", metrics.WithDescription("Total process instances migrated to another process definition"))
	errJoin = errors.Join(errJoin, err)
	ModifiedInstancesTotal, err = otel.Meter(engineMeter).Int64Counter("engine_modified_process_instances_total", metrics.WithDescription("Total process instances that were modified"))
	errJoin = errors.Join(errJoin, err)
	CommandDuration, err = otel.Meter(engineMeter).Float64Histogram("engine_command_duration", metrics.WithUnit("ms"), metrics.WithDescription("Time the engine took to process a command, milliseconds"))
	errJoin = errors.Join(errJoin, err)
	if errJoin != nil {
		return nil, fmt.Errorf("failed to create otel instruments: %w", err)
	}
	return meterProvider, nil
}
