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

const exportInterval = 10 * time.Second

// Config configures the OTLP meter provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics holds the recovery engine's OTLP counters. A nil *Metrics records
// nothing.
type Metrics struct {
	retryAttempts    metric.Int64Counter
	paymentAttempts  metric.Int64Counter
	transitions      metric.Int64Counter
	retryRejections  metric.Int64Counter
	recoveredRevenue metric.Int64Counter
	rateLimitAllowed metric.Int64Counter
	rateLimitDenied  metric.Int64Counter
}

// NewProvider installs the global meter provider. Disabled metrics get a noop
// provider so instruments stay valid.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		log.Info("metrics export disabled")
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(exportInterval))),
	)
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.StopHook(func(ctx context.Context) error {
			log.Info("flushing recovery metrics")
			return provider.Shutdown(ctx)
		}))
	}
	log.Info("metrics export enabled",
		zap.String("endpoint", cfg.ExporterEndpoint),
		zap.String("protocol", cfg.ExporterProtocol),
		zap.Duration("interval", exportInterval),
	)
	return provider, nil
}

type counterDef struct {
	target *metric.Int64Counter
	name   string
	desc   string
	unit   string
}

// New registers the recovery counters on provider.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "recovery"
	}
	meter := provider.Meter(name)

	m := &Metrics{}
	defs := []counterDef{
		{&m.retryAttempts, "recovery_retry_attempts_total", "Retry attempts appended to the retry ledger.", ""},
		{&m.paymentAttempts, "recovery_payment_attempts_total", "First charge attempts for confirmed invoices.", ""},
		{&m.transitions, "recovery_subscription_transitions_total", "Subscription transitions driven by invoice outcomes.", ""},
		{&m.retryRejections, "recovery_retry_rejections_total", "Retry requests rejected before charging.", ""},
		{&m.recoveredRevenue, "recovery_recovered_amount_total", "Amount collected by successful retries, in minor currency units.", "{minor_unit}"},
		{&m.rateLimitAllowed, "recovery_rate_limit_allowed_total", "Retry requests admitted by the per-invoice limiter.", ""},
		{&m.rateLimitDenied, "recovery_rate_limit_denied_total", "Retry requests throttled by the per-invoice limiter.", ""},
	}
	for _, def := range defs {
		opts := []metric.Int64CounterOption{metric.WithDescription(def.desc)}
		if def.unit != "" {
			opts = append(opts, metric.WithUnit(def.unit))
		}
		counter, err := meter.Int64Counter(def.name, opts...)
		if err != nil {
			return nil, fmt.Errorf("register %s: %w", def.name, err)
		}
		*def.target = counter
	}
	return m, nil
}

func (m *Metrics) add(ctx context.Context, counter metric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	if m == nil || counter == nil || n <= 0 {
		return
	}
	counter.Add(ctx, n, metric.WithAttributes(FilterAttributes(attrs...)...))
}

// RecordRetryAttempt counts a ledger append by outcome (success, failed).
func (m *Metrics) RecordRetryAttempt(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.add(ctx, m.retryAttempts, 1, label("outcome", outcome))
}

func (m *Metrics) RecordPaymentAttempt(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.add(ctx, m.paymentAttempts, 1, label("outcome", outcome))
}

func (m *Metrics) RecordSubscriptionTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	m.add(ctx, m.transitions, 1, label("from_status", from), label("to_status", to))
}

// RecordRetryRejected counts retries refused before charging; reason is an
// error kind.
func (m *Metrics) RecordRetryRejected(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.add(ctx, m.retryRejections, 1, label("reason", reason))
}

// RecordRecoveredRevenue adds amount, in minor units, collected by a retry.
// Zero amounts are skipped.
func (m *Metrics) RecordRecoveredRevenue(ctx context.Context, currency string, amount int64) {
	if m == nil {
		return
	}
	m.add(ctx, m.recoveredRevenue, amount, label("currency", strings.ToUpper(currency)))
}

func (m *Metrics) RecordRateLimitAllowed(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	m.add(ctx, m.rateLimitAllowed, 1, label("endpoint", endpoint))
}

func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint, reason string) {
	if m == nil {
		return
	}
	m.add(ctx, m.rateLimitDenied, 1, label("endpoint", endpoint), label("reason", reason))
}

func label(key, value string) attribute.KeyValue {
	return attribute.String(key, strings.TrimSpace(value))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	ctx := context.Background()
	switch p := strings.ToLower(strings.TrimSpace(protocol)); p {
	case "http", "http/protobuf":
		var opts []otlpmetrichttp.Option
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(ctx, opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", p)
	}
}

// Label keys allowed on recovery metrics. Invoice, subscription and customer
// ids never appear.
var allowedLabelKeys = map[attribute.Key]struct{}{
	"endpoint":    {},
	"route":       {},
	"method":      {},
	"status_code": {},
	"outcome":     {},
	"from_status": {},
	"to_status":   {},
	"reason":      {},
	"currency":    {},
}

// FilterAttributes drops labels outside the allow list.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; ok {
			filtered = append(filtered, attr)
		}
	}
	return filtered
}
