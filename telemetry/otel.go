// Package telemetry exports governor metrics through OpenTelemetry.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/hupe1980/memgov"
)

// ScopeName is the instrumentation scope of the meter.
const ScopeName = "github.com/hupe1980/memgov"

var _ memgov.MetricsCollector = (*OTelCollector)(nil)

// OTelCollector implements memgov.MetricsCollector with OpenTelemetry instruments.
type OTelCollector struct {
	ticks        metric.Int64Counter
	tickDuration metric.Float64Histogram
	pressure     metric.Float64Gauge

	evictions    metric.Int64Counter
	evictedItems metric.Int64Counter
	evictedBytes metric.Int64Counter

	clusterings        metric.Int64Counter
	clusteringDuration metric.Float64Histogram
	clusters           metric.Int64Histogram

	lodChanges metric.Int64Counter

	predictions metric.Int64Counter
	confidence  metric.Float64Histogram

	placements       metric.Int64Counter
	placementBytes   metric.Int64Counter
	placementLatency metric.Float64Histogram
}

// Option configures an OTelCollector.
type Option func(*options)

type options struct {
	provider metric.MeterProvider
}

// WithMeterProvider sets the provider. Defaults to the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		if mp != nil {
			o.provider = mp
		}
	}
}

// NewOTelCollector creates all instruments on the configured meter provider.
func NewOTelCollector(opts ...Option) (*OTelCollector, error) {
	o := options{provider: otel.GetMeterProvider()}
	for _, opt := range opts {
		opt(&o)
	}
	m := o.provider.Meter(ScopeName)

	c := &OTelCollector{}
	var err error

	if c.ticks, err = m.Int64Counter("memgov.ticks",
		metric.WithDescription("Control-loop ticks"), metric.WithUnit("1")); err != nil {
		return nil, fmt.Errorf("create ticks counter: %w", err)
	}
	if c.tickDuration, err = m.Float64Histogram("memgov.tick.duration",
		metric.WithDescription("Control-loop tick duration"), metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("create tick duration histogram: %w", err)
	}
	if c.pressure, err = m.Float64Gauge("memgov.pressure",
		metric.WithDescription("Memory pressure as used bytes over the level budget"), metric.WithUnit("1")); err != nil {
		return nil, fmt.Errorf("create pressure gauge: %w", err)
	}
	if c.evictions, err = m.Int64Counter("memgov.evictions",
		metric.WithDescription("Eviction passes that removed items"), metric.WithUnit("1")); err != nil {
		return nil, fmt.Errorf("create evictions counter: %w", err)
	}
	if c.evictedItems, err = m.Int64Counter("memgov.evicted.items",
		metric.WithDescription("Items evicted from pools"), metric.WithUnit("1")); err != nil {
		return nil, fmt.Errorf("create evicted items counter: %w", err)
	}
	if c.evictedBytes, err = m.Int64Counter("memgov.evicted.bytes",
		metric.WithDescription("Bytes evicted from pools"), metric.WithUnit("By")); err != nil {
		return nil, fmt.Errorf("create evicted bytes counter: %w", err)
	}
	if c.clusterings, err = m.Int64Counter("memgov.clusterings",
		metric.WithDescription("Clustering calls"), metric.WithUnit("1")); err != nil {
		return nil, fmt.Errorf("create clusterings counter: %w", err)
	}
	if c.clusteringDuration, err = m.Float64Histogram("memgov.clustering.duration",
		metric.WithDescription("Clustering duration"), metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("create clustering duration histogram: %w", err)
	}
	if c.clusters, err = m.Int64Histogram("memgov.clustering.clusters",
		metric.WithDescription("Clusters produced per call"), metric.WithUnit("1")); err != nil {
		return nil, fmt.Errorf("create clusters histogram: %w", err)
	}
	if c.lodChanges, err = m.Int64Counter("memgov.lod.changes",
		metric.WithDescription("Level-of-detail transitions"), metric.WithUnit("1")); err != nil {
		return nil, fmt.Errorf("create lod changes counter: %w", err)
	}
	if c.predictions, err = m.Int64Counter("memgov.predictions",
		metric.WithDescription("Usage predictions"), metric.WithUnit("1")); err != nil {
		return nil, fmt.Errorf("create predictions counter: %w", err)
	}
	if c.confidence, err = m.Float64Histogram("memgov.prediction.confidence",
		metric.WithDescription("Prediction confidence from 0 to 1"), metric.WithUnit("1")); err != nil {
		return nil, fmt.Errorf("create confidence histogram: %w", err)
	}
	if c.placements, err = m.Int64Counter("memgov.placements",
		metric.WithDescription("Cache layer reads and writes"), metric.WithUnit("1")); err != nil {
		return nil, fmt.Errorf("create placements counter: %w", err)
	}
	if c.placementBytes, err = m.Int64Counter("memgov.placement.bytes",
		metric.WithDescription("Bytes moved through cache layers"), metric.WithUnit("By")); err != nil {
		return nil, fmt.Errorf("create placement bytes counter: %w", err)
	}
	if c.placementLatency, err = m.Float64Histogram("memgov.placement.duration",
		metric.WithDescription("Cache layer operation latency"), metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("create placement latency histogram: %w", err)
	}
	return c, nil
}

func millis(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

func outcome(err error) attribute.KeyValue {
	if err != nil {
		return attribute.String("outcome", "error")
	}
	return attribute.String("outcome", "ok")
}

// RecordTick implements memgov.MetricsCollector.
func (c *OTelCollector) RecordTick(pressure float64, severity string, duration time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("severity", severityLabel(severity)))
	c.ticks.Add(ctx, 1, attrs)
	c.tickDuration.Record(ctx, millis(duration), attrs)
	c.pressure.Record(ctx, pressure)
}

func severityLabel(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

// RecordEviction implements memgov.MetricsCollector.
func (c *OTelCollector) RecordEviction(poolID string, items int, bytes int64) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("pool", poolID))
	c.evictions.Add(ctx, 1, attrs)
	c.evictedItems.Add(ctx, int64(items), attrs)
	c.evictedBytes.Add(ctx, bytes, attrs)
}

// RecordClustering implements memgov.MetricsCollector.
func (c *OTelCollector) RecordClustering(items, clusters int, parallel, fallback bool, duration time.Duration, err error) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.Bool("parallel", parallel),
		attribute.Bool("fallback", fallback),
		outcome(err),
	)
	c.clusterings.Add(ctx, 1, attrs)
	c.clusteringDuration.Record(ctx, millis(duration), attrs)
	if err == nil {
		c.clusters.Record(ctx, int64(clusters), metric.WithAttributes(attribute.Int("items", items)))
	}
}

// RecordLODChange implements memgov.MetricsCollector.
func (c *OTelCollector) RecordLODChange(from, to string, forced bool) {
	c.lodChanges.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
		attribute.Bool("forced", forced),
	))
}

// RecordPrediction implements memgov.MetricsCollector.
func (c *OTelCollector) RecordPrediction(confidence float64, underTrained bool) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.Bool("under_trained", underTrained))
	c.predictions.Add(ctx, 1, attrs)
	c.confidence.Record(ctx, confidence, attrs)
}

// RecordPlacement implements memgov.MetricsCollector.
func (c *OTelCollector) RecordPlacement(layer string, bytes int, duration time.Duration, err error) {
	ctx := context.Background()
	if layer == "" {
		layer = "none"
	}
	attrs := metric.WithAttributes(attribute.String("layer", layer), outcome(err))
	c.placements.Add(ctx, 1, attrs)
	c.placementBytes.Add(ctx, int64(bytes), attrs)
	c.placementLatency.Record(ctx, millis(duration), attrs)
}
