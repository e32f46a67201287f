// Package dispatch implements the dispatch engine: it receives published
// events, fans them out to every matching active subscription, and runs the
// filter -> circuit-breaker gate -> timeout -> invoke -> retry -> DLQ
// hand-off pipeline for each (event, subscription) pair.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/devkitx/eventbus-go/pkg/eventbus/breaker"
	"github.com/devkitx/eventbus-go/pkg/eventbus/dlq"
	"github.com/devkitx/eventbus-go/pkg/eventbus/event"
	"github.com/devkitx/eventbus-go/pkg/eventbus/subscription"
	"github.com/devkitx/eventbus-go/pkg/eventbus/trace"
	"github.com/devkitx/eventbus-go/pkg/observability"
	"github.com/devkitx/eventbus-go/pkg/observability/noop"
)

// Config configures an Engine at construction.
type Config struct {
	DefaultTimeout     time.Duration
	DefaultRetryPolicy subscription.RetryPolicy
	MaxConcurrency     int64
	Logger             observability.Logger
	Metrics            observability.Metrics
	Tracer             observability.Tracer
	PoisonPolicy       *dlq.PoisonPolicy
}

// DefaultConfig returns a 5s default handler timeout, the package default
// retry policy, 256-way bounded concurrency, and the default poison policy.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:     5 * time.Second,
		DefaultRetryPolicy: subscription.DefaultRetryPolicy(),
		MaxConcurrency:     256,
		PoisonPolicy:       dlq.NewPoisonPolicy(dlq.DefaultPoisonPolicyConfig()),
	}
}

// Engine owns the subscription manager, circuit-breaker registry, and DLQ
// store it schedules work against. It holds no lock while invoking
// user-supplied handlers.
type Engine struct {
	cfg Config

	subs       *subscription.Manager
	breakers   *breaker.Registry
	dlqStore   *dlq.Store
	poison     *dlq.PoisonPolicy
	propagator *trace.Propagator
	logger     observability.Logger
	metrics    observability.Metrics

	sem *semaphore.Weighted

	orderedMu     sync.Mutex
	orderedQueues map[string]chan orderedTask

	shuttingDown atomic.Bool
	shutdownOnce sync.Once
	inFlight     sync.WaitGroup
}

type orderedTask struct {
	ctx context.Context
	ev  event.Event
	sub *subscription.Subscription
	f   *Future
}

// New creates a dispatch engine wired to the given subscription manager,
// breaker registry, and DLQ store.
func New(cfg Config, subs *subscription.Manager, breakers *breaker.Registry, dlqStore *dlq.Store) *Engine {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultConfig().MaxConcurrency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noop.NewProvider().Logger()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noop.NewProvider().Metrics()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewProvider().Tracer()
	}
	poisonPolicy := cfg.PoisonPolicy
	if poisonPolicy == nil {
		poisonPolicy = dlq.NewPoisonPolicy(dlq.DefaultPoisonPolicyConfig())
	}

	return &Engine{
		cfg:           cfg,
		subs:          subs,
		breakers:      breakers,
		dlqStore:      dlqStore,
		poison:        poisonPolicy,
		propagator:    trace.NewPropagator(tracer),
		logger:        logger,
		metrics:       metrics,
		sem:           semaphore.NewWeighted(cfg.MaxConcurrency),
		orderedQueues: make(map[string]chan orderedTask),
	}
}

// PoisonPolicy returns the poison-message policy consulted on every DLQ
// hand-off, for inspecting PoisonStatistics.
func (eng *Engine) PoisonPolicy() *dlq.PoisonPolicy {
	return eng.poison
}

// Dispatch fans e out to every active subscription matching e.Type() and
// returns a Future resolved once every subscription's first delivery
// attempt has completed. It does not wait for handlers to run; it blocks
// only while an ordered subscription's queue is full.
func (eng *Engine) Dispatch(ctx context.Context, e event.Event) (*Future, error) {
	if eng.shuttingDown.Load() {
		return nil, fmt.Errorf("eventbus: shutting down, rejecting publish for %s", e.Type())
	}

	subs := eng.subs.Get(e.Type())
	f := newFuture(len(subs))
	if len(subs) == 0 {
		return f, nil
	}

	for _, sub := range subs {
		sub := sub
		if sub.Options().Ordered {
			eng.enqueueOrdered(ctx, e, sub, f)
		} else {
			eng.dispatchUnordered(ctx, e, sub, f)
		}
	}
	return f, nil
}

func (eng *Engine) dispatchUnordered(ctx context.Context, e event.Event, sub *subscription.Subscription, f *Future) {
	eng.inFlight.Add(1)
	go func() {
		defer eng.inFlight.Done()

		if err := eng.sem.Acquire(ctx, 1); err != nil {
			f.done()
			return
		}
		defer eng.sem.Release(1)

		eng.deliver(ctx, e, sub, f)
	}()
}

func (eng *Engine) enqueueOrdered(ctx context.Context, e event.Event, sub *subscription.Subscription, f *Future) {
	ch := eng.orderedQueueFor(sub)
	select {
	case ch <- orderedTask{ctx: ctx, ev: e, sub: sub, f: f}:
	case <-ctx.Done():
		f.done()
	}
}

func (eng *Engine) orderedQueueFor(sub *subscription.Subscription) chan orderedTask {
	eng.orderedMu.Lock()
	defer eng.orderedMu.Unlock()

	if ch, ok := eng.orderedQueues[sub.ID()]; ok {
		return ch
	}

	ch := make(chan orderedTask, 1024)
	eng.orderedQueues[sub.ID()] = ch

	eng.inFlight.Add(1)
	go func() {
		defer eng.inFlight.Done()
		for task := range ch {
			eng.deliver(task.ctx, task.ev, task.sub, task.f)
		}
	}()

	return ch
}

// deliver runs the per-(event, subscription) pipeline: active check,
// filter, breaker gate, timeout, invoke, retry/backoff, and DLQ hand-off.
// f is resolved as soon as the first delivery attempt's outcome is known
// (success, breaker-denied hand-off, DLQ hand-off of a first attempt that
// is not retried, or entering retry) — per spec.md §6,
// the publish-side Future "resolves after first-attempt dispatch completes
// ... success or handoff-to-retry/DLQ". Subsequent retry attempts (for a
// retryable first failure) keep running in this same call after f is
// resolved, decoupled from anything the publisher is waiting on; for
// ordered=true subscriptions that still means retries block the
// subscription's own serial queue (the tolerated head-of-line blocking
// described in spec.md §4.2), they just no longer block the publisher.
func (eng *Engine) deliver(ctx context.Context, e event.Event, sub *subscription.Subscription, f *Future) {
	opts := sub.Options()

	if !sub.Active() {
		f.done()
		return
	}

	if opts.Filter != nil && !opts.Filter(e) {
		f.done()
		return
	}

	subscriberID := opts.SubscriberID
	if subscriberID == "" {
		subscriberID = sub.ID()
	}
	br := eng.breakers.Get(subscriberID)

	spanCtx, span, _ := eng.propagator.StartProcessingTrace(ctx, e, subscriberID)

	if !br.Allow() {
		eng.metrics.Counter("eventbus_subscriber_unavailable_total", "deliveries denied by an open circuit breaker", "1").
			Increment(ctx, observability.EventType(e.Type()), observability.SubscriberID(subscriberID))
		eng.logger.Warn(ctx, "circuit open, dropping delivery",
			observability.EventType(e.Type()),
			observability.SubscriberID(subscriberID),
			observability.CircuitState(br.State().String()))

		reason := dlq.FailureReason{
			Timestamp:       time.Now(),
			ErrorType:       "SubscriberUnavailable",
			ErrorMessage:    fmt.Sprintf("circuit open for subscriber %s", subscriberID),
			ProcessingStage: "breaker-gate",
			AttemptNumber:   0,
			IsRetryable:     false,
		}
		eng.handOffToDLQ(ctx, e, sub, subscriberID, []dlq.FailureReason{reason})
		eng.propagator.FinishSpan(span)
		f.done()
		return
	}

	retryPolicy := opts.RetryPolicy
	if retryPolicy.MaxAttempts <= 0 {
		retryPolicy = eng.cfg.DefaultRetryPolicy
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = eng.cfg.DefaultTimeout
	}

	var failures []dlq.FailureReason
	attempt := 0
	resolved := false

	for {
		attempt++
		start := time.Now()
		err := eng.invokeWithTimeout(spanCtx, sub.Handler(), e, timeout)
		duration := time.Since(start)

		if err == nil {
			br.RecordSuccess()
			sub.RecordSuccess()
			if eng.poison != nil {
				eng.poison.RecordSuccess(e.ID().String())
			}
			eng.metrics.Histogram("eventbus_dispatch_duration_seconds", "handler invocation duration", "s").
				Record(ctx, duration.Seconds(), observability.EventType(e.Type()), observability.SubscriberID(subscriberID))
			eng.propagator.FinishSpan(span)
			if !resolved {
				f.done()
			}
			return
		}

		isTimeout := err == context.DeadlineExceeded
		retryable := isRetryable(retryPolicy, err) || isTimeout
		failures = append(failures, dlq.FailureReason{
			Timestamp:       time.Now(),
			ErrorType:       fmt.Sprintf("%T", err),
			ErrorMessage:    err.Error(),
			ProcessingStage: "invoke",
			AttemptNumber:   attempt,
			IsRetryable:     retryable,
		})
		eng.propagator.RecordError(span, err)

		// A first attempt that enters the retry chain resolves the
		// publish-side Future here; a first attempt that is not retried
		// resolves it only after the DLQ hand-off below.
		if retryable && attempt < retryPolicy.MaxAttempts {
			if !resolved {
				f.done()
				resolved = true
			}
			delay := retryPolicy.Delay(attempt)
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
				continue
			case <-ctx.Done():
				timer.Stop()
				failures = append(failures, dlq.FailureReason{
					Timestamp:       time.Now(),
					ErrorType:       "Cancelled",
					ErrorMessage:    ctx.Err().Error(),
					ProcessingStage: "retry-wait",
					AttemptNumber:   attempt,
					IsRetryable:     false,
				})
			}
		}

		br.RecordFailure(err)
		sub.RecordFailure(err)
		eng.metrics.Counter("eventbus_dispatch_failed_total", "failed deliveries", "1").
			Increment(ctx, observability.EventType(e.Type()), observability.SubscriberID(subscriberID))
		eng.handOffToDLQ(ctx, e, sub, subscriberID, failures)
		eng.propagator.FinishSpan(span)
		if !resolved {
			f.done()
		}
		return
	}
}

func (eng *Engine) invokeWithTimeout(ctx context.Context, handler subscription.Handler, e event.Event, timeout time.Duration) error {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		result <- handler(callCtx, e)
	}()

	select {
	case err := <-result:
		return err
	case <-callCtx.Done():
		return context.DeadlineExceeded
	}
}

func (eng *Engine) handOffToDLQ(ctx context.Context, e event.Event, sub *subscription.Subscription, subscriberID string, failures []dlq.FailureReason) {
	if !sub.Options().DeadLetterEnabled {
		eng.metrics.Counter("eventbus_dropped_total", "deliveries dropped with DLQ disabled", "1").
			Increment(ctx, observability.EventType(e.Type()), observability.SubscriberID(subscriberID))
		return
	}

	now := time.Now()
	maxRetries := sub.Options().RetryPolicy.MaxAttempts
	if maxRetries <= 0 {
		maxRetries = eng.cfg.DefaultRetryPolicy.MaxAttempts
	}

	entry := dlq.Entry{
		OriginalEvent:    e,
		FirstFailureTime: now,
		LastFailureTime:  now,
		RetryCount:       len(failures),
		MaxRetries:       maxRetries,
		FailureHistory:   failures,
		Status:           dlq.StatusFailed,
		EventType:        e.Type(),
		EventSource:      e.Source(),
		Metadata:         map[string]string{"subscriberId": subscriberID},
	}
	if entry.RetryCount >= entry.MaxRetries {
		entry.Status = dlq.StatusExhausted
	}

	if last := len(failures) - 1; last >= 0 && eng.poison != nil {
		isPoison, action := eng.poison.RecordFailure(e.ID().String(), failures[last].ErrorType)
		if isPoison {
			failures[last].IsPoisonMessage = true
			switch action {
			case dlq.ActionDiscard:
				entry.Status = dlq.StatusDiscarded
			case dlq.ActionRequireManual:
				entry.Status = dlq.StatusPendingManual
			default:
				entry.Status = dlq.StatusQuarantined
			}
			eng.logger.Warn(ctx, "message declared poison",
				observability.EventType(e.Type()),
				observability.SubscriberID(subscriberID),
				observability.DLQStatus(string(entry.Status)),
				observability.String("action", string(action)))
		}
	}

	eng.dlqStore.RegisterRetryFunc(subscriberID, func(ctx context.Context, ev event.Event) error {
		return sub.Handler()(ctx, ev)
	})
	eng.dlqStore.Store(entry)

	eng.logger.Error(ctx, "delivery exhausted, stored in DLQ",
		observability.EventType(e.Type()),
		observability.SubscriberID(subscriberID),
		observability.DLQStatus(string(entry.Status)),
		observability.AttemptNumber(entry.RetryCount))
}

func isRetryable(policy subscription.RetryPolicy, err error) bool {
	if policy.IsRetryable == nil {
		return true
	}
	return policy.IsRetryable(err)
}

// Shutdown stops accepting new publishes and waits, up to grace, for
// in-flight deliveries (including queued ordered-subscription work) to
// drain. Every ordered queue is closed so its worker goroutine exits once
// drained.
func (eng *Engine) Shutdown(ctx context.Context, grace time.Duration) error {
	var err error
	eng.shutdownOnce.Do(func() {
		eng.shuttingDown.Store(true)

		eng.orderedMu.Lock()
		for _, ch := range eng.orderedQueues {
			close(ch)
		}
		eng.orderedMu.Unlock()

		done := make(chan struct{})
		go func() {
			eng.inFlight.Wait()
			close(done)
		}()

		timer := time.NewTimer(grace)
		defer timer.Stop()

		select {
		case <-done:
		case <-timer.C:
			err = fmt.Errorf("eventbus: shutdown grace period of %s elapsed with in-flight work remaining", grace)
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}
