// Package eventbus is an in-process, typed, generic event bus with
// production hardening: per-subscription asynchronous dispatch, retry with
// backoff, per-subscriber circuit breaking, a dead-letter queue with poison
// detection and automatic retry, and an event schema registry enforcing
// validation and version compatibility.
package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/devkitx/eventbus-go/pkg/eventbus/breaker"
	"github.com/devkitx/eventbus-go/pkg/eventbus/dispatch"
	"github.com/devkitx/eventbus-go/pkg/eventbus/dlq"
	"github.com/devkitx/eventbus-go/pkg/eventbus/event"
	"github.com/devkitx/eventbus-go/pkg/eventbus/schema"
	"github.com/devkitx/eventbus-go/pkg/eventbus/subscription"
	"github.com/devkitx/eventbus-go/pkg/eventbus/trace"
	"github.com/devkitx/eventbus-go/pkg/observability"
	"github.com/devkitx/eventbus-go/pkg/observability/noop"
)

// Bus is the public facade: Publish/Subscribe/Unsubscribe plus access to
// the DLQ, schema registry, and tracing subsystems.
type Bus struct {
	cfg config

	subs     *subscription.Manager
	breakers *breaker.Registry
	dlqStore *dlq.Store
	schemas  *schema.Registry
	engine   *dispatch.Engine

	autoRetry  *dlq.AutoRetryScheduler
	propagator *trace.Propagator

	logger  observability.Logger
	metrics observability.Metrics
}

// New constructs a Bus with the given options applied over sane defaults.
func New(opts ...Option) *Bus {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	logger := cfg.logger
	if logger == nil {
		logger = noop.NewProvider().Logger()
	}
	tracer := cfg.tracer
	if tracer == nil {
		tracer = noop.NewProvider().Tracer()
	}
	metrics := cfg.metrics
	if !cfg.enableMetrics {
		// WithMetrics(false) overrides any configured backend: metrics
		// collection is fully disabled regardless of WithObservabilityMetrics
		// or WithPrometheusMetrics having been set.
		metrics = noop.NewProvider().Metrics()
	} else if metrics == nil {
		metrics = noop.NewProvider().Metrics()
	}

	subs := subscription.NewManager()
	breakers := breaker.NewRegistry(cfg.breakerConfig)
	dlqStore := dlq.NewStore(cfg.dlqMaxSize)
	schemas := cfg.schemaRegistry
	if schemas == nil {
		schemas = schema.NewRegistry()
	}

	engine := dispatch.New(dispatch.Config{
		DefaultTimeout:     cfg.defaultTimeout,
		DefaultRetryPolicy: cfg.defaultRetryPolicy,
		MaxConcurrency:     cfg.maxConcurrency,
		Logger:             logger,
		Metrics:            metrics,
		Tracer:             tracer,
		PoisonPolicy:       dlq.NewPoisonPolicy(cfg.poisonPolicyConfig),
	}, subs, breakers, dlqStore)

	autoRetry := dlq.NewAutoRetryScheduler(dlqStore, nil)

	return &Bus{
		cfg:        cfg,
		subs:       subs,
		breakers:   breakers,
		dlqStore:   dlqStore,
		schemas:    schemas,
		engine:     engine,
		autoRetry:  autoRetry,
		propagator: trace.NewPropagator(tracer),
		logger:     logger,
		metrics:    metrics,
	}
}

// Publish validates e against the schema registry (if strict validation is
// enabled), starts a producer trace span, and dispatches to every matching
// subscription. It returns a Future resolved once every subscription has
// completed its first delivery attempt; Publish itself surfaces only
// pre-dispatch failures such as shutdown-in-progress or strict schema
// rejection.
func (b *Bus) Publish(ctx context.Context, e event.Event) (*dispatch.Future, error) {
	if b.cfg.enforceSchemaValidation && b.schemas != nil {
		result := b.schemas.Validate(e)
		if !result.Valid {
			b.logger.Warn(ctx, "publish rejected: schema validation failed",
				observability.EventType(e.Type()))
			return nil, newError(KindValidationFailed, "Publish", fmt.Sprintf("schema validation failed for %s: %v", e.Type(), result.Errors), nil)
		}
	}

	spanCtx, e, span := b.propagator.StartPublishTrace(ctx, e, true)
	defer b.propagator.FinishSpan(span)

	b.metrics.Counter("eventbus_published_total", "events published", "1").
		Increment(ctx, observability.EventType(e.Type()), observability.EventSource(e.Source()))

	future, err := b.engine.Dispatch(spanCtx, e)
	if err != nil {
		return nil, newError(KindCancelled, "Publish", "dispatch rejected", err)
	}
	return future, nil
}

// Subscribe registers handler for eventType with the given options and
// returns the new subscription. The options' SubscriberID is used as the
// circuit-breaker key and DLQ attribution.
func (b *Bus) Subscribe(eventType string, handler subscription.Handler, opts subscription.Options) *subscription.Subscription {
	sub := b.subs.Subscribe(eventType, handler, opts)

	subscriberID := opts.SubscriberID
	if subscriberID == "" {
		subscriberID = sub.ID()
	}
	b.dlqStore.RegisterRetryFunc(subscriberID, func(ctx context.Context, e event.Event) error {
		return handler(ctx, e)
	})

	return sub
}

// Unsubscribe deactivates and removes a subscription. Unsubscribing an
// unknown id is not an error; it returns false.
func (b *Bus) Unsubscribe(subscriptionID string) bool {
	return b.subs.Unsubscribe(subscriptionID)
}

// UnsubscribeAll removes every subscription owned by subscriberID, returning
// the count removed.
func (b *Bus) UnsubscribeAll(subscriberID string) int {
	return b.subs.UnsubscribeAll(subscriberID)
}

// GetSubscriptionStats returns a snapshot of every subscription's counters.
func (b *Bus) GetSubscriptionStats() []subscription.Stats {
	return b.subs.Stats()
}

// DLQ returns the dead-letter store for administrative operations
// (Retrieve, Retry, RetryBatch, Remove, Purge, Statistics).
func (b *Bus) DLQ() *dlq.Store {
	return b.dlqStore
}

// SchemaRegistry returns the schema registry for Register/Get/Validate/
// MigrateToVersion/IsCompatible.
func (b *Bus) SchemaRegistry() *schema.Registry {
	return b.schemas
}

// Breakers returns the circuit-breaker registry for administrative
// ForceOpen/ForceClose/Reset and stats snapshots.
func (b *Bus) Breakers() *breaker.Registry {
	return b.breakers
}

// PoisonPolicy returns the poison-message policy consulted on every DLQ
// hand-off, for inspecting PoisonStatistics.
func (b *Bus) PoisonPolicy() *dlq.PoisonPolicy {
	return b.engine.PoisonPolicy()
}

// EnableAutoRetry schedules dlqID for the auto-retry loop. Auto-retry is not
// wired in automatically when an entry is stored — callers opt a stored
// entry in explicitly.
func (b *Bus) EnableAutoRetry(ctx context.Context, dlqID string) {
	b.autoRetry.Schedule(ctx, dlqID)
}

// Shutdown cancels all auto-retry loops, then is two-phase: stop accepting
// new publishes, then drain in-flight dispatch work (including queued
// ordered-subscription deliveries) for up to grace before giving up.
func (b *Bus) Shutdown(ctx context.Context, grace time.Duration) error {
	b.autoRetry.Shutdown()
	return b.engine.Shutdown(ctx, grace)
}
