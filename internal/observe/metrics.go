// Package observe provides application-wide observability primitives for
// Calldeck: OpenTelemetry metrics, distributed tracing, and structured
// logging helpers.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Calldeck metrics.
const meterName = "github.com/calldeck/calldeck"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per flow-control stage ---

	// ActivationDuration tracks journey activation classification latency.
	ActivationDuration metric.Float64Histogram

	// TransitionDuration tracks state transition evaluation latency.
	TransitionDuration metric.Float64Histogram

	// MatchDuration tracks end-to-end guideline matching latency, both
	// stages included.
	MatchDuration metric.Float64Histogram

	// ValidationDuration tracks response validation latency, auto-fix
	// included when one runs.
	ValidationDuration metric.Float64Histogram

	// ToolExecutionDuration tracks tool execution latency.
	ToolExecutionDuration metric.Float64Histogram

	// --- Counters ---

	// JourneyActivations counts activation decisions. Use with attribute:
	//   attribute.String("outcome", "activated"|"no_match")
	JourneyActivations metric.Int64Counter

	// StateTransitions counts applied state transitions. Use with attribute:
	//   attribute.String("journey", ...)
	StateTransitions metric.Int64Counter

	// GuidelineMatches counts guidelines that survived both matching stages.
	GuidelineMatches metric.Int64Counter

	// GuidelineViolations counts violations reported by the validator.
	GuidelineViolations metric.Int64Counter

	// AutoFixes counts auto-fix attempts. Use with attribute:
	//   attribute.String("status", "ok"|"error")
	AutoFixes metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for interactive-voice latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ActivationDuration, err = m.Float64Histogram("calldeck.journey.activation.duration",
		metric.WithDescription("Latency of journey activation classification."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TransitionDuration, err = m.Float64Histogram("calldeck.journey.transition.duration",
		metric.WithDescription("Latency of state transition evaluation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.MatchDuration, err = m.Float64Histogram("calldeck.guideline.match.duration",
		metric.WithDescription("Latency of guideline matching, both stages."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ValidationDuration, err = m.Float64Histogram("calldeck.validation.duration",
		metric.WithDescription("Latency of response validation including auto-fix."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("calldeck.tool_execution.duration",
		metric.WithDescription("Latency of tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.JourneyActivations, err = m.Int64Counter("calldeck.journey.activations",
		metric.WithDescription("Total journey activation decisions by outcome."),
	); err != nil {
		return nil, err
	}
	if met.StateTransitions, err = m.Int64Counter("calldeck.journey.transitions",
		metric.WithDescription("Total applied state transitions by journey."),
	); err != nil {
		return nil, err
	}
	if met.GuidelineMatches, err = m.Int64Counter("calldeck.guideline.matches",
		metric.WithDescription("Total guidelines matched with sufficient confidence."),
	); err != nil {
		return nil, err
	}
	if met.GuidelineViolations, err = m.Int64Counter("calldeck.guideline.violations",
		metric.WithDescription("Total guideline violations reported by the validator."),
	); err != nil {
		return nil, err
	}
	if met.AutoFixes, err = m.Int64Counter("calldeck.validation.autofixes",
		metric.WithDescription("Total auto-fix attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("calldeck.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordActivation records one activation decision and its latency.
func (m *Metrics) RecordActivation(ctx context.Context, activated bool, seconds float64) {
	outcome := "no_match"
	if activated {
		outcome = "activated"
	}
	m.JourneyActivations.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)))
	m.ActivationDuration.Record(ctx, seconds)
}

// RecordTransition records one applied state transition and the evaluation
// latency.
func (m *Metrics) RecordTransition(ctx context.Context, journeyName string, seconds float64) {
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("journey", journeyName)))
	m.TransitionDuration.Record(ctx, seconds)
}

// RecordGuidelineMatch records one matcher run: how many guidelines matched
// and how long both stages took.
func (m *Metrics) RecordGuidelineMatch(ctx context.Context, matched int, seconds float64) {
	m.GuidelineMatches.Add(ctx, int64(matched))
	m.MatchDuration.Record(ctx, seconds)
}

// RecordValidation records one validation run, its violation count, and its
// latency.
func (m *Metrics) RecordValidation(ctx context.Context, violations int, seconds float64) {
	m.GuidelineViolations.Add(ctx, int64(violations))
	m.ValidationDuration.Record(ctx, seconds)
}

// RecordAutoFix records one auto-fix attempt.
func (m *Metrics) RecordAutoFix(ctx context.Context, status string) {
	m.AutoFixes.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)))
}

// RecordToolCall records one tool invocation and its latency.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string, seconds float64) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
	m.ToolExecutionDuration.Record(ctx, seconds)
}
