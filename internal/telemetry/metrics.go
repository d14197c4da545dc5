package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	meterName = "github.com/wolfeidau/miningd"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Session metrics
	SessionsStartedTotal   metric.Int64Counter
	SessionsResumedTotal   metric.Int64Counter
	SessionsCompletedTotal metric.Int64Counter
	SessionsStoppedTotal   metric.Int64Counter
	ActiveSessions         metric.Int64UpDownCounter
	TicksTotal             metric.Int64Counter

	// Reconciliation metrics
	GapReconciledSeconds metric.Float64Histogram
	ClockAnomaliesTotal  metric.Int64Counter
	DeviceConflictsTotal metric.Int64Counter

	// Checkpoint writer metrics
	CheckpointWritesTotal     metric.Int64Counter
	CheckpointErrorsTotal     metric.Int64Counter
	CheckpointStaleTotal      metric.Int64Counter
	CheckpointsCoalescedTotal metric.Int64Counter
	CheckpointWriteDuration   metric.Float64Histogram
	LedgerCreditsTotal        metric.Int64Counter

	// Store metrics
	StoreRetriesTotal metric.Int64Counter

	// Broadcast metrics
	BroadcastPublishedTotal metric.Int64Counter
	BroadcastDroppedTotal   metric.Int64Counter
	RelayPublishErrorsTotal metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

// Tracer returns the tracer for engine spans.
func Tracer() trace.Tracer {
	return otel.GetTracerProvider().Tracer(meterName)
}

// initMetrics creates and registers all metric instruments
func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	// Session metrics
	m.SessionsStartedTotal, _ = meter.Int64Counter(
		"miningd.sessions.started.total",
		metric.WithDescription("Total number of fresh sessions started"),
		metric.WithUnit("{session}"),
	)

	m.SessionsResumedTotal, _ = meter.Int64Counter(
		"miningd.sessions.resumed.total",
		metric.WithDescription("Total number of sessions resumed from a remote checkpoint"),
		metric.WithUnit("{session}"),
	)

	m.SessionsCompletedTotal, _ = meter.Int64Counter(
		"miningd.sessions.completed.total",
		metric.WithDescription("Total number of sessions that ran to their full duration"),
		metric.WithUnit("{session}"),
	)

	m.SessionsStoppedTotal, _ = meter.Int64Counter(
		"miningd.sessions.stopped.total",
		metric.WithDescription("Total number of sessions stopped before completion"),
		metric.WithUnit("{session}"),
	)

	m.ActiveSessions, _ = meter.Int64UpDownCounter(
		"miningd.sessions.active",
		metric.WithDescription("Number of sessions currently accruing"),
		metric.WithUnit("{session}"),
	)

	m.TicksTotal, _ = meter.Int64Counter(
		"miningd.ticks.total",
		metric.WithDescription("Total number of accrual ticks applied"),
		metric.WithUnit("{tick}"),
	)

	// Reconciliation metrics
	m.GapReconciledSeconds, _ = meter.Float64Histogram(
		"miningd.reconcile.gap",
		metric.WithDescription("Offline gap credited when resuming a session"),
		metric.WithUnit("s"),
	)

	m.ClockAnomaliesTotal, _ = meter.Int64Counter(
		"miningd.reconcile.clock_anomalies.total",
		metric.WithDescription("Total number of resumes where the stored checkpoint was in the future"),
		metric.WithUnit("{anomaly}"),
	)

	m.DeviceConflictsTotal, _ = meter.Int64Counter(
		"miningd.reconcile.device_conflicts.total",
		metric.WithDescription("Total number of resumes of a session last written by another device"),
		metric.WithUnit("{conflict}"),
	)

	// Checkpoint writer metrics
	m.CheckpointWritesTotal, _ = meter.Int64Counter(
		"miningd.checkpoints.writes.total",
		metric.WithDescription("Total number of checkpoint writes attempted"),
		metric.WithUnit("{write}"),
	)

	m.CheckpointErrorsTotal, _ = meter.Int64Counter(
		"miningd.checkpoints.errors.total",
		metric.WithDescription("Total number of checkpoint or ledger writes that failed"),
		metric.WithUnit("{error}"),
	)

	m.CheckpointStaleTotal, _ = meter.Int64Counter(
		"miningd.checkpoints.stale.total",
		metric.WithDescription("Total number of checkpoint writes rejected as stale"),
		metric.WithUnit("{write}"),
	)

	m.CheckpointsCoalescedTotal, _ = meter.Int64Counter(
		"miningd.checkpoints.coalesced.total",
		metric.WithDescription("Total number of queued checkpoints replaced by a newer one"),
		metric.WithUnit("{write}"),
	)

	m.CheckpointWriteDuration, _ = meter.Float64Histogram(
		"miningd.checkpoints.write.duration",
		metric.WithDescription("Duration of checkpoint writes"),
		metric.WithUnit("ms"),
	)

	m.LedgerCreditsTotal, _ = meter.Int64Counter(
		"miningd.ledger.credits.total",
		metric.WithDescription("Total number of ledger increments applied"),
		metric.WithUnit("{credit}"),
	)

	// Store metrics
	m.StoreRetriesTotal, _ = meter.Int64Counter(
		"miningd.store.retries.total",
		metric.WithDescription("Total number of retried remote store operations"),
		metric.WithUnit("{retry}"),
	)

	// Broadcast metrics
	m.BroadcastPublishedTotal, _ = meter.Int64Counter(
		"miningd.broadcast.published.total",
		metric.WithDescription("Total number of events delivered to subscribers"),
		metric.WithUnit("{event}"),
	)

	m.BroadcastDroppedTotal, _ = meter.Int64Counter(
		"miningd.broadcast.dropped.total",
		metric.WithDescription("Total number of events dropped for slow subscribers"),
		metric.WithUnit("{event}"),
	)

	m.RelayPublishErrorsTotal, _ = meter.Int64Counter(
		"miningd.relay.publish.errors.total",
		metric.WithDescription("Total number of events the NATS relay failed to publish"),
		metric.WithUnit("{error}"),
	)

	return m
}
