// Package observe holds the OpenTelemetry instruments recorded by the
// capture pipeline. Tests should build their own Metrics with NewMetrics
// and a dedicated MeterProvider; production code uses DefaultMetrics.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/capsoftware/cap/packages/cli"

// Metrics holds every instrument. The OTel types are safe for concurrent use.
type Metrics struct {
	// FramesCaptured counts frames and audio buffers produced by sources.
	// Attributes: source.
	FramesCaptured metric.Int64Counter

	// FramesDropped counts items a drop-policy channel refused.
	// Attributes: channel.
	FramesDropped metric.Int64Counter

	// PacketsWritten counts packets accepted by a muxer. Attributes: stream.
	PacketsWritten metric.Int64Counter

	// EncodeDuration tracks time spent in one SendFrame call.
	// Attributes: encoder.
	EncodeDuration metric.Float64Histogram

	// TaskFailures counts pipeline tasks that ended with an error or panic.
	// Attributes: task, kind.
	TaskFailures metric.Int64Counter

	// ActiveTasks tracks running pipeline tasks.
	ActiveTasks metric.Int64UpDownCounter
}

var encodeBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.0167, 0.033, 0.05, 0.1, 0.25,
}

// NewMetrics creates every instrument from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FramesCaptured, err = m.Int64Counter("cap.frames.captured",
		metric.WithDescription("Frames and audio buffers produced by capture sources."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("cap.frames.dropped",
		metric.WithDescription("Items dropped because a bounded channel was full."),
	); err != nil {
		return nil, err
	}
	if met.PacketsWritten, err = m.Int64Counter("cap.packets.written",
		metric.WithDescription("Encoded packets written to a container."),
	); err != nil {
		return nil, err
	}
	if met.EncodeDuration, err = m.Float64Histogram("cap.encode.duration",
		metric.WithDescription("Time spent encoding one frame or buffer."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(encodeBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TaskFailures, err = m.Int64Counter("cap.task.failures",
		metric.WithDescription("Pipeline tasks that ended with an error or panic."),
	); err != nil {
		return nil, err
	}
	if met.ActiveTasks, err = m.Int64UpDownCounter("cap.tasks.active",
		metric.WithDescription("Pipeline tasks currently running."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level instance built from the global
// MeterProvider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is shorthand for attribute.String.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordDrop increments the drop counter for a channel.
func (m *Metrics) RecordDrop(ctx context.Context, channel string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(Attr("channel", channel)))
}

// RecordTaskFailure increments the failure counter for a task.
func (m *Metrics) RecordTaskFailure(ctx context.Context, task, kind string) {
	m.TaskFailures.Add(ctx, 1, metric.WithAttributes(Attr("task", task), Attr("kind", kind)))
}
