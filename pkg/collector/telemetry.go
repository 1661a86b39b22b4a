// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package collector

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/antimetal/gpuperf/pkg/collector"

// telemetry holds the collector's data-loss and throughput counters.
type telemetry struct {
	dropped  metric.Int64Counter
	ignored  metric.Int64Counter
	refused  metric.Int64Counter
	blobs    metric.Int64Counter
	contexts metric.Int64UpDownCounter
}

func newTelemetry(provider metric.MeterProvider) (*telemetry, error) {
	meter := provider.Meter(instrumentationName, metric.WithInstrumentationVersion("1.0.0"))

	var (
		t   telemetry
		err error
	)
	if t.dropped, err = meter.Int64Counter("gpuperf.collector.activity.dropped",
		metric.WithDescription("Activity records dropped by the profiling API"),
		metric.WithUnit("{record}")); err != nil {
		return nil, err
	}
	if t.ignored, err = meter.Int64Counter("gpuperf.collector.activity.ignored",
		metric.WithDescription("Activity records of kinds the collector does not handle"),
		metric.WithUnit("{record}")); err != nil {
		return nil, err
	}
	if t.refused, err = meter.Int64Counter("gpuperf.collector.activity.buffers_refused",
		metric.WithDescription("Activity buffer requests refused because the buffer cap was reached"),
		metric.WithUnit("{buffer}")); err != nil {
		return nil, err
	}
	if t.blobs, err = meter.Int64Counter("gpuperf.collector.blobs",
		metric.WithDescription("Performance-data blobs emitted"),
		metric.WithUnit("{blob}")); err != nil {
		return nil, err
	}
	if t.contexts, err = meter.Int64UpDownCounter("gpuperf.collector.contexts",
		metric.WithDescription("Live GPU contexts"),
		metric.WithUnit("{context}")); err != nil {
		return nil, err
	}
	return &t, nil
}

func (t *telemetry) recordDropped(n uint64, streamID uint32) {
	t.dropped.Add(context.Background(), int64(n),
		metric.WithAttributes(attribute.Int64("stream_id", int64(streamID))))
}

func (t *telemetry) recordIgnored(kind uint32) {
	t.ignored.Add(context.Background(), 1,
		metric.WithAttributes(attribute.Int64("record_kind", int64(kind))))
}

func (t *telemetry) recordRefused() {
	t.refused.Add(context.Background(), 1)
}

func (t *telemetry) recordBlob(source string) {
	t.blobs.Add(context.Background(), 1, metric.WithAttributes(attribute.String("source", source)))
}

func (t *telemetry) recordContext(delta int64) {
	t.contexts.Add(context.Background(), delta)
}
