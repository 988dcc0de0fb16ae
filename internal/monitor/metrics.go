// Copyright 2024 Google LLC
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

// Package monitor wires the planner's rename2 outcomes into OpenTelemetry
// metrics, exported over Prometheus, mirroring the way the teacher threads
// a GCSMetricHandle through its GCS client calls.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/ovlfuse/overlayfs/internal/overlayops"
	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Recorder records rename2 outcomes as OpenTelemetry instruments. It
// satisfies overlay.MetricsRecorder.
type Recorder struct {
	count   metric.Int64Counter
	latency metric.Float64Histogram
}

// New builds a Recorder backed by a fresh meter provider, registering a
// Prometheus collector on reg so the counters are scrapeable.
func New(reg *promclient.Registry) (*Recorder, func(context.Context) error, error) {
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, nil, fmt.Errorf("monitor: new prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("github.com/ovlfuse/overlayfs/internal/overlay")

	count, err := meter.Int64Counter(
		"overlayfs.rename2.count",
		metric.WithDescription("Number of rename2 calls served, by outcome."))
	if err != nil {
		return nil, nil, err
	}

	latency, err := meter.Float64Histogram(
		"overlayfs.rename2.latency",
		metric.WithDescription("Latency of rename2 calls, in milliseconds."),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, nil, err
	}

	return &Recorder{count: count, latency: latency}, provider.Shutdown, nil
}

// RecordRename2 implements overlay.MetricsRecorder.
func (r *Recorder) RecordRename2(outcome overlayops.RenameOutcome, dur time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("outcome", outcome.String()))
	r.count.Add(ctx, 1, attrs)
	r.latency.Record(ctx, float64(dur.Microseconds())/1000.0, attrs)
}
