package opobserve

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like
// Prometheus.
type MetricsCollector interface {
	// RecordUpsert is called after each write operation.
	RecordUpsert(duration time.Duration, err error)

	// RecordDelete is called after each delete operation.
	RecordDelete(duration time.Duration, err error)

	// RecordQuery is called after each query. cached reports whether the
	// result came from the query cache, recallProxy is the live/touched
	// ratio of the traversal (0 for cached or exact results).
	RecordQuery(k int, duration time.Duration, cached bool, recallProxy float64, err error)

	// RecordStage is called with the latency of each completed pipeline
	// stage.
	RecordStage(stage string, duration time.Duration)

	// RecordCompaction is called after each compaction run.
	RecordCompaction(removed int, duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordUpsert(time.Duration, error)                      {}
func (NoopMetricsCollector) RecordDelete(time.Duration, error)                      {}
func (NoopMetricsCollector) RecordQuery(int, time.Duration, bool, float64, error)   {}
func (NoopMetricsCollector) RecordStage(string, time.Duration)                      {}
func (NoopMetricsCollector) RecordCompaction(int, time.Duration, error)             {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	UpsertCount      atomic.Int64
	UpsertErrors     atomic.Int64
	UpsertTotalNanos atomic.Int64

	DeleteCount  atomic.Int64
	DeleteErrors atomic.Int64

	QueryCount       atomic.Int64
	QueryErrors      atomic.Int64
	QueryTotalNanos  atomic.Int64
	QueryCacheHits   atomic.Int64
	recallProxySum   atomic.Uint64 // recall proxy in millionths
	recallProxyCount atomic.Int64

	CompactionCount      atomic.Int64
	CompactionRemoved    atomic.Int64
	CompactionTotalNanos atomic.Int64
}

func (b *BasicMetricsCollector) RecordUpsert(duration time.Duration, err error) {
	b.UpsertCount.Add(1)
	b.UpsertTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.UpsertErrors.Add(1)
	}
}

func (b *BasicMetricsCollector) RecordDelete(duration time.Duration, err error) {
	b.DeleteCount.Add(1)
	if err != nil {
		b.DeleteErrors.Add(1)
	}
}

func (b *BasicMetricsCollector) RecordQuery(k int, duration time.Duration, cached bool, recallProxy float64, err error) {
	b.QueryCount.Add(1)
	b.QueryTotalNanos.Add(duration.Nanoseconds())
	if cached {
		b.QueryCacheHits.Add(1)
	}
	if recallProxy > 0 {
		b.recallProxySum.Add(uint64(recallProxy * 1e6))
		b.recallProxyCount.Add(1)
	}
	if err != nil {
		b.QueryErrors.Add(1)
	}
}

func (b *BasicMetricsCollector) RecordStage(string, time.Duration) {}

func (b *BasicMetricsCollector) RecordCompaction(removed int, duration time.Duration, err error) {
	b.CompactionCount.Add(1)
	b.CompactionRemoved.Add(int64(removed))
	b.CompactionTotalNanos.Add(duration.Nanoseconds())
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	stats := BasicMetricsStats{
		UpsertCount:       b.UpsertCount.Load(),
		UpsertErrors:      b.UpsertErrors.Load(),
		DeleteCount:       b.DeleteCount.Load(),
		DeleteErrors:      b.DeleteErrors.Load(),
		QueryCount:        b.QueryCount.Load(),
		QueryErrors:       b.QueryErrors.Load(),
		QueryCacheHits:    b.QueryCacheHits.Load(),
		CompactionCount:   b.CompactionCount.Load(),
		CompactionRemoved: b.CompactionRemoved.Load(),
	}
	if stats.UpsertCount > 0 {
		stats.UpsertAvgNanos = b.UpsertTotalNanos.Load() / stats.UpsertCount
	}
	if stats.QueryCount > 0 {
		stats.QueryAvgNanos = b.QueryTotalNanos.Load() / stats.QueryCount
	}
	if n := b.recallProxyCount.Load(); n > 0 {
		stats.AvgRecallProxy = float64(b.recallProxySum.Load()) / 1e6 / float64(n)
	}
	return stats
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	UpsertCount       int64
	UpsertErrors      int64
	UpsertAvgNanos    int64
	DeleteCount       int64
	DeleteErrors      int64
	QueryCount        int64
	QueryErrors       int64
	QueryAvgNanos     int64
	QueryCacheHits    int64
	AvgRecallProxy    float64
	CompactionCount   int64
	CompactionRemoved int64
}
