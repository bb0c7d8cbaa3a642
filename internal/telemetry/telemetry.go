// Copyright 2024 The Tessera authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package telemetry wires a process-wide OpenTelemetry MeterProvider and
// text-map propagator the same way cmd/conformance/gcp/otel.go wires GCP's,
// generalized to autoexport/autoprop so the core package never hard-depends
// on a specific observability vendor: the exporter and propagator are
// selected entirely by the standard OTEL_* environment variables. When they
// are unset, autoexport and autoprop apply their own defaults (an OTLP
// metric exporter; tracecontext and baggage propagation), not no-ops.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/contrib/exporters/autoexport"
	"go.opentelemetry.io/contrib/propagators/autoprop"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"k8s.io/klog/v2"
)

// Setup installs a process-wide MeterProvider and propagator and returns a
// Meter for the ledger package to instrument, plus a shutdown func to call
// before process exit.
func Setup(ctx context.Context) (metric.Meter, func(context.Context) error, error) {
	reader, err := autoexport.NewMetricReader(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: create metric reader: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(autoprop.NewTextMapPropagator())

	shutdown := func(ctx context.Context) error {
		if err := mp.Shutdown(ctx); err != nil {
			klog.Errorf("telemetry: meter provider shutdown: %v", err)
			return err
		}
		return nil
	}

	return mp.Meter("github.com/converge-io/ledger"), shutdown, nil
}

// Noop returns a Meter from the process-wide global provider, for callers
// (tests, small CLI tools) that don't want to stand up exporters at all.
// That provider is a no-op only while nothing (such as Setup) has installed
// another one.
func Noop() metric.Meter {
	return otel.GetMeterProvider().Meter("github.com/converge-io/ledger")
}
