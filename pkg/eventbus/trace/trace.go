// Package trace propagates causal trace identifiers through event headers,
// bridging the bus's header-carried context with the observability.Tracer
// facade used for span creation.
package trace

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/devkitx/eventbus-go/pkg/eventbus/event"
	"github.com/devkitx/eventbus-go/pkg/observability"
)

// Context is the (traceId, spanId, sampled, baggage) tuple propagated
// through an event's reserved headers.
type Context struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
	Sampled      bool
	Baggage      map[string]string
}

// New creates a root trace context with a freshly generated trace and span id.
func New(sampled bool) Context {
	return Context{
		TraceID: randomHex(16),
		SpanID:  randomHex(8),
		Sampled: sampled,
		Baggage: make(map[string]string),
	}
}

// Child derives a child span under the same trace.
func (c Context) Child() Context {
	return Context{
		TraceID:      c.TraceID,
		SpanID:       randomHex(8),
		ParentSpanID: c.SpanID,
		Sampled:      c.Sampled,
		Baggage:      c.Baggage,
	}
}

func randomHex(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("%x", buf)
}

// AddTracingHeaders returns a copy of e with the trace context's fields
// written into the reserved x-trace-id/x-span-id/x-parent-span-id/x-sampled
// headers.
func AddTracingHeaders(e event.Event, ctx Context) event.Event {
	e = e.WithHeader(event.HeaderTraceID, ctx.TraceID)
	e = e.WithHeader(event.HeaderSpanID, ctx.SpanID)
	if ctx.ParentSpanID != "" {
		e = e.WithHeader(event.HeaderParentSpanID, ctx.ParentSpanID)
	}
	if ctx.Sampled {
		e = e.WithHeader(event.HeaderSampled, "true")
	} else {
		e = e.WithHeader(event.HeaderSampled, "false")
	}
	return e
}

// ContinueTrace reconstructs a Context from an event's headers. Returns the
// zero Context and false if no x-trace-id header is present.
func ContinueTrace(headers event.Headers) (Context, bool) {
	traceID, ok := headers.Get(event.HeaderTraceID)
	if !ok {
		return Context{}, false
	}
	spanID, _ := headers.Get(event.HeaderSpanID)
	parentSpanID, _ := headers.Get(event.HeaderParentSpanID)
	sampled, _ := headers.Get(event.HeaderSampled)
	return Context{
		TraceID:      traceID,
		SpanID:       spanID,
		ParentSpanID: parentSpanID,
		Sampled:      sampled == "true",
		Baggage:      make(map[string]string),
	}, true
}

// Propagator starts and finishes spans backed by an observability.Tracer,
// threading the header-carried Context alongside the context.Context the
// tracer backend actually keys spans on.
type Propagator struct {
	tracer observability.Tracer
}

// NewPropagator wraps an observability.Tracer for header-based propagation.
func NewPropagator(tracer observability.Tracer) *Propagator {
	return &Propagator{tracer: tracer}
}

// StartPublishTrace starts a producer span for a freshly published event and
// stamps the resulting trace context into the event's headers.
func (p *Propagator) StartPublishTrace(ctx context.Context, e event.Event, sampled bool) (context.Context, event.Event, observability.Span) {
	tc := New(sampled)
	spanCtx, span := p.tracer.Start(ctx, "eventbus.publish",
		observability.WithSpanKind(observability.SpanKindProducer),
		observability.WithAttributes(
			observability.EventType(e.Type()),
			observability.EventID(e.ID().String()),
		),
	)
	e = AddTracingHeaders(e, tc)
	return spanCtx, e, span
}

// StartProcessingTrace continues the trace carried in e's headers (or starts
// a new root if absent) and starts a consumer span for one (event,
// subscriber) delivery.
func (p *Propagator) StartProcessingTrace(ctx context.Context, e event.Event, subscriberID string) (context.Context, observability.Span, Context) {
	tc, ok := ContinueTrace(e.Headers())
	if !ok {
		tc = New(true)
	} else {
		tc = tc.Child()
	}
	spanCtx, span := p.tracer.Start(ctx, "eventbus.process",
		observability.WithSpanKind(observability.SpanKindConsumer),
		observability.WithAttributes(
			observability.EventType(e.Type()),
			observability.EventID(e.ID().String()),
			observability.SubscriberID(subscriberID),
		),
	)
	return spanCtx, span, tc
}

// RecordSpanEvent adds a named event with attributes to the active span.
func (p *Propagator) RecordSpanEvent(span observability.Span, name string, fields ...observability.Field) {
	span.AddEvent(name, fields...)
}

// RecordError records an error on the span and marks its status.
func (p *Propagator) RecordError(span observability.Span, err error) {
	span.RecordError(err)
	span.SetStatus(observability.StatusCodeError, err.Error())
}

// FinishSpan ends the span.
func (p *Propagator) FinishSpan(span observability.Span) {
	span.End()
}
