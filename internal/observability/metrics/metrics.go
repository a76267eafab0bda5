package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	paymentEvents     metric.Int64Counter
	reconcileOutcomes metric.Int64Counter
	gatewayCalls      metric.Int64Counter
	entitlementGrants metric.Int64Counter
	rateLimitDenied   metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "playmaker"
	}
	meter := provider.Meter(name)

	paymentEvents, err := meter.Int64Counter("playmaker_payment_events_total")
	if err != nil {
		return nil, err
	}
	reconcileOutcomes, err := meter.Int64Counter("playmaker_reconcile_outcomes_total")
	if err != nil {
		return nil, err
	}
	gatewayCalls, err := meter.Int64Counter("playmaker_gateway_calls_total")
	if err != nil {
		return nil, err
	}
	entitlementGrants, err := meter.Int64Counter("playmaker_entitlement_grants_total")
	if err != nil {
		return nil, err
	}
	rateLimitDenied, err := meter.Int64Counter("playmaker_rate_limit_denied_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		paymentEvents:     paymentEvents,
		reconcileOutcomes: reconcileOutcomes,
		gatewayCalls:      gatewayCalls,
		entitlementGrants: entitlementGrants,
		rateLimitDenied:   rateLimitDenied,
	}, nil
}

// RecordPaymentEvent counts event log inserts; duplicates carry reason=duplicate.
func (m *Metrics) RecordPaymentEvent(ctx context.Context, provider, eventType string, inserted bool) {
	if m == nil {
		return
	}
	reason := "inserted"
	if !inserted {
		reason = "duplicate"
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("event_type", strings.TrimSpace(eventType)),
		attribute.String("reason", reason),
	)
	m.paymentEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordReconcile counts verify-and-apply outcomes per entry point.
func (m *Metrics) RecordReconcile(ctx context.Context, source, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("source", strings.TrimSpace(source)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.reconcileOutcomes.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordGatewayCall counts outbound provider calls by operation and result.
func (m *Metrics) RecordGatewayCall(ctx context.Context, provider, operation string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("operation", strings.TrimSpace(operation)),
		attribute.String("outcome", result),
	)
	m.gatewayCalls.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordEntitlementGrant increments entitlement grant counts.
func (m *Metrics) RecordEntitlementGrant(ctx context.Context, entitlementType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("entitlement_type", strings.TrimSpace(entitlementType)))
	m.entitlementGrants.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitDenied increments rate limit deny counts.
func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("endpoint", strings.TrimSpace(endpoint)))
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"endpoint":         {},
	"method":           {},
	"status_code":      {},
	"provider":         {},
	"event_type":       {},
	"operation":        {},
	"source":           {},
	"outcome":          {},
	"entitlement_type": {},
	"reason":           {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
