package metrics

import (
	"context"
	"fmt"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "mend"

// Recorder receives policy and notification outcomes.
type Recorder interface {
	RecordPolicyDecision(ctx context.Context, action string, allowed bool, reason string)
	RecordNotificationAttempt(ctx context.Context, notificationType, channel string, success bool)
	RecordViolation(ctx context.Context, kind, severity string)
}

// NoopRecorder discards everything.
type NoopRecorder struct{}

func (NoopRecorder) RecordPolicyDecision(context.Context, string, bool, string) {}

func (NoopRecorder) RecordNotificationAttempt(context.Context, string, string, bool) {}

func (NoopRecorder) RecordViolation(context.Context, string, string) {}

// MeterRecorder records counters through an OpenTelemetry meter.
type MeterRecorder struct {
	policyDecisions      metric.Int64Counter
	notificationAttempts metric.Int64Counter
	violations           metric.Int64Counter
}

// NewMeterRecorder creates the counters on the provided meter.
func NewMeterRecorder(meter metric.Meter) (*MeterRecorder, error) {
	policyDecisions, err := meter.Int64Counter(
		"mend_policy_decisions_total",
		metric.WithDescription("Fair-use policy decisions by action and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy decisions counter: %w", err)
	}

	notificationAttempts, err := meter.Int64Counter(
		"mend_notification_attempts_total",
		metric.WithDescription("Notification channel delivery attempts by type, channel and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create notification attempts counter: %w", err)
	}

	violations, err := meter.Int64Counter(
		"mend_policy_violations_total",
		metric.WithDescription("Recorded fair-use violations by kind and severity"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create violations counter: %w", err)
	}

	return &MeterRecorder{
		policyDecisions:      policyDecisions,
		notificationAttempts: notificationAttempts,
		violations:           violations,
	}, nil
}

func (r *MeterRecorder) RecordPolicyDecision(ctx context.Context, action string, allowed bool, reason string) {
	if r == nil || r.policyDecisions == nil {
		return
	}
	r.policyDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.Bool("allowed", allowed),
		attribute.String("reason", reason),
	))
}

func (r *MeterRecorder) RecordNotificationAttempt(ctx context.Context, notificationType, channel string, success bool) {
	if r == nil || r.notificationAttempts == nil {
		return
	}
	r.notificationAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", notificationType),
		attribute.String("channel", channel),
		attribute.Bool("success", success),
	))
}

func (r *MeterRecorder) RecordViolation(ctx context.Context, kind, severity string) {
	if r == nil || r.violations == nil {
		return
	}
	r.violations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("severity", severity),
	))
}

// Provider bundles the recorder with the HTTP handler that exposes it.
type Provider struct {
	Recorder Recorder
	Handler  http.Handler
	shutdown func(context.Context) error
}

// Shutdown releases the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

// NewProvider wires an OpenTelemetry meter provider to a dedicated Prometheus registry.
// When disabled it returns a no-op recorder and a nil handler.
func NewProvider(enabled bool) (*Provider, error) {
	if !enabled {
		return &Provider{Recorder: NoopRecorder{}}, nil
	}

	registry := promclient.NewRegistry()
	exporter, err := otelprometheus.New(otelprometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	recorder, err := NewMeterRecorder(meterProvider.Meter(meterName))
	if err != nil {
		return nil, err
	}

	return &Provider{
		Recorder: recorder,
		Handler:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		shutdown: meterProvider.Shutdown,
	}, nil
}
