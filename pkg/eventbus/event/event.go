// Package event defines the immutable value types carried by the bus.
package event

import (
	"time"

	"github.com/devkitx/eventbus-go/pkg/vos"
	"github.com/oklog/ulid/v2"
)

// Priority orders delivery within a subscription's matching list.
// Subscriptions are sorted (priority DESC, creation-order ASC).
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String renders the priority for logging and trace attributes.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Reserved header keys propagated by the trace context and schema registry.
const (
	HeaderTraceID       = "x-trace-id"
	HeaderSpanID        = "x-span-id"
	HeaderParentSpanID  = "x-parent-span-id"
	HeaderSampled       = "x-sampled"
	HeaderCorrelationID = "correlation-id"
	HeaderSchemaVersion = "schemaVersion"
)

// Headers is an order-preserving string map. Go's map iteration order is
// undefined, but trace/schema headers must round-trip deterministically;
// a slice of keys backs a name index for O(1) lookup.
type Headers struct {
	keys   []string
	values map[string]string
}

// NewHeaders creates an empty ordered header set.
func NewHeaders() Headers {
	return Headers{values: make(map[string]string)}
}

// Set inserts or overwrites a header, preserving original insertion order on update.
func (h Headers) Set(key, value string) Headers {
	values := make(map[string]string, len(h.values)+1)
	for k, v := range h.values {
		values[k] = v
	}
	keys := h.keys
	if _, exists := values[key]; !exists {
		keys = make([]string, len(h.keys), len(h.keys)+1)
		copy(keys, h.keys)
		keys = append(keys, key)
	}
	values[key] = value
	return Headers{keys: keys, values: values}
}

// Get returns the header value and whether it was present.
func (h Headers) Get(key string) (string, bool) {
	v, ok := h.values[key]
	return v, ok
}

// Keys returns header keys in insertion order.
func (h Headers) Keys() []string {
	result := make([]string, len(h.keys))
	copy(result, h.keys)
	return result
}

// Len reports the number of headers.
func (h Headers) Len() int {
	return len(h.keys)
}

// Event is an immutable value describing something that happened. Every
// mutator returns a new Event; the zero value is never published.
type Event struct {
	id            ulid.ULID
	eventType     string
	data          any
	headers       Headers
	source        string
	timestamp     time.Time
	priority      Priority
	version       string
	correlationID string
	causationID   string
}

// New constructs an Event with a fresh ULID id (sortable by creation
// millisecond; ids from the same millisecond have no defined order) and the
// current timestamp. eventType is a host-defined string; the core treats it
// as an opaque comparable value.
func New(eventType string, data any, source string) Event {
	id, err := vos.NewULID()
	if err != nil {
		// entropy exhaustion on crypto/rand is not a recoverable condition.
		panic(err)
	}
	return Event{
		id:        id.Value,
		eventType: eventType,
		data:      data,
		headers:   NewHeaders(),
		source:    source,
		timestamp: time.Now().UTC(),
		priority:  PriorityNormal,
		version:   "1.0.0",
	}
}

// ID returns the event's unique identity as a vos.ULID, lexicographically
// sortable by creation time.
func (e Event) ID() vos.ULID {
	return vos.ULID{Value: e.id}
}

// Type returns the event type.
func (e Event) Type() string { return e.eventType }

// Data returns the opaque payload.
func (e Event) Data() any { return e.data }

// Headers returns the event's header set.
func (e Event) Headers() Headers { return e.headers }

// Source returns the producer label.
func (e Event) Source() string { return e.source }

// Timestamp returns the creation time.
func (e Event) Timestamp() time.Time { return e.timestamp }

// Priority returns the delivery priority.
func (e Event) Priority() Priority { return e.priority }

// Version returns the event's schema version tag, distinct from the
// `schemaVersion` header used to pin validation to a specific registered
// version.
func (e Event) Version() string { return e.version }

// CorrelationID returns the correlation id, if set.
func (e Event) CorrelationID() string { return e.correlationID }

// CausationID returns the causation id, if set.
func (e Event) CausationID() string { return e.causationID }

// WithHeader returns a copy of the event with an added or replaced header.
func (e Event) WithHeader(key, value string) Event {
	e.headers = e.headers.Set(key, value)
	return e
}

// WithHeaders returns a copy of the event with multiple headers merged in
// insertion order of the keys slice.
func (e Event) WithHeaders(headers Headers) Event {
	for _, k := range headers.Keys() {
		v, _ := headers.Get(k)
		e.headers = e.headers.Set(k, v)
	}
	return e
}

// WithPriority returns a copy of the event with a new priority.
func (e Event) WithPriority(p Priority) Event {
	e.priority = p
	return e
}

// WithVersion returns a copy of the event with a new version tag.
func (e Event) WithVersion(version string) Event {
	e.version = version
	return e
}

// WithCorrelationID returns a copy of the event with a correlation id set.
func (e Event) WithCorrelationID(id string) Event {
	e.correlationID = id
	return e
}

// WithCausationID returns a copy of the event with a causation id set.
func (e Event) WithCausationID(id string) Event {
	e.causationID = id
	return e
}
