package instrumentation

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// DefaultServiceVersion is used when the caller does not supply one.
const DefaultServiceVersion = "unknown"

// Config holds instrumentation configuration.
type Config struct {
	// ServiceName identifies the service in telemetry. Defaults to "agent-oauth".
	ServiceName string

	// ServiceVersion is the running version. Defaults to "unknown".
	ServiceVersion string

	// Enabled controls whether instrumentation is active. When false, no-op
	// providers are installed and every recording call has zero overhead.
	Enabled bool

	// LogClientIPs controls whether client IP addresses are attached to
	// traces and metrics. IPs can be PII under GDPR and similar regimes, so
	// the zero value keeps them out of telemetry; deployments that need them
	// for abuse investigation opt in explicitly.
	LogClientIPs bool

	// Resource overrides the default resource, which carries only the
	// service name and version.
	Resource *resource.Resource
}

// Instrumentation bundles the OpenTelemetry providers, per-layer meters, and
// the pre-registered metric instruments.
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider

	// Per-layer meters, created once at construction
	httpMeter     metric.Meter
	serverMeter   metric.Meter
	securityMeter metric.Meter
	storageMeter  metric.Meter
	providerMeter metric.Meter

	metrics *Metrics

	// shutdownFuncs must be registered during New only
	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New builds an instrumentation instance. With Enabled false the instance is
// fully functional but records nothing.
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = "agent-oauth"
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = DefaultServiceVersion
	}

	res := config.Resource
	if res == nil {
		var err error
		res, err = resource.New(
			context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
	}

	inst := &Instrumentation{
		config:   config,
		resource: res,
		// No-op providers in both modes until exporter wiring lands;
		// TODO: add OTLP and Prometheus exporters behind Config
		meterProvider:  noop.NewMeterProvider(),
		tracerProvider: tracenoop.NewTracerProvider(),
	}

	inst.httpMeter = inst.Meter("http")
	inst.serverMeter = inst.Meter("server")
	inst.securityMeter = inst.Meter("security")
	inst.storageMeter = inst.Meter("storage")
	inst.providerMeter = inst.Meter("provider")

	var err error
	inst.metrics, err = newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	return inst, nil
}

// Shutdown flushes and stops the providers. Idempotent; later calls return nil.
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var shutdownErr error
	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			if err := fn(ctx); err != nil && shutdownErr == nil {
				shutdownErr = err
			}
		}
	})
	return shutdownErr
}

// Meter returns a meter scoped to a layer name such as "http" or "storage".
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter("github.com/relayhq/agent-oauth/" + scope)
}

// Tracer returns a tracer scoped to a layer name such as "http" or "storage".
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer("github.com/relayhq/agent-oauth/" + scope)
}

// Metrics returns the instrument holder.
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

// TracerProvider returns the underlying tracer provider.
func (i *Instrumentation) TracerProvider() trace.TracerProvider {
	return i.tracerProvider
}

// MeterProvider returns the underlying meter provider.
func (i *Instrumentation) MeterProvider() metric.MeterProvider {
	return i.meterProvider
}

// ShouldLogClientIPs reports whether client IPs may be attached to telemetry.
func (i *Instrumentation) ShouldLogClientIPs() bool {
	return i.config.LogClientIPs
}

// StorageSizeCallback returns the current size of one storage component.
type StorageSizeCallback func() int64

// RegisterStorageSizeCallbacks wires the storage size gauges to the store's
// counters. The store calls this once from SetInstrumentation; nil callbacks
// are skipped.
func (i *Instrumentation) RegisterStorageSizeCallbacks(
	tokensCount, clientsCount, flowsCount, familiesCount, refreshTokensCount StorageSizeCallback,
) error {
	if i.meterProvider == nil {
		return fmt.Errorf("meter provider not initialized")
	}

	observe := func(observer metric.Observer, g metric.Int64ObservableGauge, cb StorageSizeCallback) {
		if cb != nil {
			observer.ObserveInt64(g, cb())
		}
	}

	_, err := i.storageMeter.RegisterCallback(
		func(_ context.Context, observer metric.Observer) error {
			observe(observer, i.metrics.StorageTokensCount, tokensCount)
			observe(observer, i.metrics.StorageClientsCount, clientsCount)
			observe(observer, i.metrics.StorageFlowsCount, flowsCount)
			observe(observer, i.metrics.StorageFamiliesCount, familiesCount)
			observe(observer, i.metrics.StorageRefreshTokensCount, refreshTokensCount)
			return nil
		},
		i.metrics.StorageTokensCount,
		i.metrics.StorageClientsCount,
		i.metrics.StorageFlowsCount,
		i.metrics.StorageFamiliesCount,
		i.metrics.StorageRefreshTokensCount,
	)
	return err
}
