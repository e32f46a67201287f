package eventbus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/devkitx/eventbus-go/pkg/eventbus/breaker"
	"github.com/devkitx/eventbus-go/pkg/eventbus/dlq"
	"github.com/devkitx/eventbus-go/pkg/eventbus/schema"
	"github.com/devkitx/eventbus-go/pkg/eventbus/subscription"
	"github.com/devkitx/eventbus-go/pkg/observability"
	"github.com/devkitx/eventbus-go/pkg/observability/prom"
)

// Option is a functional option for configuring a Bus at construction,
// following the same pattern as the consumer and http client packages.
type Option func(*config)

type config struct {
	defaultTimeout     time.Duration
	defaultRetryPolicy subscription.RetryPolicy
	maxConcurrency     int64

	enableMetrics bool

	breakerConfig breaker.Config

	dlqMaxSize int

	poisonPolicyConfig dlq.PoisonPolicyConfig

	enforceSchemaValidation bool
	schemaRegistry          *schema.Registry

	logger  observability.Logger
	tracer  observability.Tracer
	metrics observability.Metrics
}

func defaultConfig() config {
	return config{
		defaultTimeout:          5 * time.Second,
		defaultRetryPolicy:      subscription.DefaultRetryPolicy(),
		maxConcurrency:          256,
		enableMetrics:           true,
		breakerConfig:           breaker.DefaultConfig(),
		dlqMaxSize:              10000,
		poisonPolicyConfig:      dlq.DefaultPoisonPolicyConfig(),
		enforceSchemaValidation: false,
	}
}

// WithDefaultTimeout sets the handler timeout used when a subscription does
// not specify its own.
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(c *config) { c.defaultTimeout = timeout }
}

// WithDefaultRetryPolicy sets the retry policy used when a subscription does
// not specify its own.
func WithDefaultRetryPolicy(policy subscription.RetryPolicy) Option {
	return func(c *config) { c.defaultRetryPolicy = policy }
}

// WithMaxConcurrency bounds the number of concurrently in-flight unordered
// handler invocations across the whole bus.
func WithMaxConcurrency(n int64) Option {
	return func(c *config) { c.maxConcurrency = n }
}

// WithMetrics enables or disables metrics collection.
func WithMetrics(enabled bool) Option {
	return func(c *config) { c.enableMetrics = enabled }
}

// WithBreakerConfig sets the circuit breaker configuration shared by every
// subscriberId's breaker instance.
func WithBreakerConfig(cfg breaker.Config) Option {
	return func(c *config) { c.breakerConfig = cfg }
}

// WithDLQMaxSize bounds the dead-letter store; 0 means unbounded.
func WithDLQMaxSize(n int) Option {
	return func(c *config) { c.dlqMaxSize = n }
}

// WithPoisonPolicy sets the consecutive-failure-by-error-class detection
// policy consulted on every DLQ hand-off.
func WithPoisonPolicy(cfg dlq.PoisonPolicyConfig) Option {
	return func(c *config) { c.poisonPolicyConfig = cfg }
}

// WithSchemaRegistry attaches a pre-populated schema registry; when enforce
// is true, Publish validates each event against it.
func WithSchemaRegistry(registry *schema.Registry, enforce bool) Option {
	return func(c *config) {
		c.schemaRegistry = registry
		c.enforceSchemaValidation = enforce
	}
}

// WithLogger sets the structured logger backing dispatch decisions, breaker
// transitions, and DLQ storage/retry logs.
func WithLogger(logger observability.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// WithTracer sets the tracer used to start producer/consumer spans.
func WithTracer(tracer observability.Tracer) Option {
	return func(c *config) { c.tracer = tracer }
}

// WithObservabilityMetrics sets the Metrics instrument recorder.
func WithObservabilityMetrics(metrics observability.Metrics) Option {
	return func(c *config) { c.metrics = metrics }
}

// WithPrometheusMetrics selects a Prometheus-backed Metrics implementation,
// scraped rather than pushed over OTLP. registerer may be nil to fall back
// to prometheus.DefaultRegisterer; namespace prefixes every instrument name
// (e.g. "eventbus" yields "eventbus_eventbus_published_total").
func WithPrometheusMetrics(registerer prometheus.Registerer, namespace string) Option {
	return func(c *config) { c.metrics = prom.NewMetrics(registerer, namespace) }
}
