// Package subscription implements the subscription manager: per-event-type
// registries of handlers, priority-ordered for deterministic dispatch.
package subscription

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/devkitx/eventbus-go/pkg/eventbus/event"
	"github.com/devkitx/eventbus-go/pkg/linq"
)

// Handler processes one event delivered to a subscription. A non-nil
// return is classified by the subscription's RetryPolicy.
type Handler func(ctx context.Context, e event.Event) error

// Filter decides whether an event should be delivered to a subscription.
type Filter func(e event.Event) bool

// RetryPolicy governs per-delivery retry/backoff and error classification.
// The attempt counter it governs is per-delivery, not per-subscription.
type RetryPolicy struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration
	// IsRetryable classifies an error as retryable. A nil IsRetryable
	// treats every error as retryable.
	IsRetryable func(err error) bool
}

// DefaultRetryPolicy makes up to 3 attempts in total (2 retries) with a
// 100ms base doubling delay capped at 10s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		InitialDelay:      100 * time.Millisecond,
		BackoffMultiplier: 2,
		MaxDelay:          10 * time.Second,
	}
}

// Delay computes the backoff delay to wait after failed attempt (1-indexed)
// before the next one, capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return p.InitialDelay
	}
	delay := float64(p.InitialDelay)
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}
	for i := 1; i < attempt; i++ {
		delay *= mult
	}
	d := time.Duration(delay)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Options configures a subscription at creation.
type Options struct {
	SubscriberID      string
	Priority          event.Priority
	Filter            Filter
	RetryPolicy       RetryPolicy
	Timeout           time.Duration
	Ordered           bool
	DeadLetterEnabled bool
}

// Stats is a per-subscription counter snapshot.
type Stats struct {
	SubscriptionID   string
	SubscriberID     string
	EventType        string
	Processed        int64
	Failed           int64
	LastProcessedAt  time.Time
	LastError        string
}

// Subscription is a handler registered for a specific event type. active is
// flipped false by Unsubscribe; in-flight dispatches complete but no new
// invocation is scheduled once false.
type Subscription struct {
	id        string
	eventType string
	handler   Handler
	options   Options
	seq       int64

	active atomic.Bool

	processed int64
	failed    int64
	lastAt    atomic.Int64 // unix nano
	lastErrMu sync.RWMutex
	lastErr   string
}

// ID returns the subscription's unique identity.
func (s *Subscription) ID() string { return s.id }

// EventType returns the type this subscription is registered for.
func (s *Subscription) EventType() string { return s.eventType }

// Handler returns the registered handler.
func (s *Subscription) Handler() Handler { return s.handler }

// Options returns the subscription's configured options.
func (s *Subscription) Options() Options { return s.options }

// Active reports whether the subscription still accepts new dispatches.
func (s *Subscription) Active() bool { return s.active.Load() }

// RecordSuccess increments processed and records the completion time.
func (s *Subscription) RecordSuccess() {
	atomic.AddInt64(&s.processed, 1)
	s.lastAt.Store(time.Now().UnixNano())
}

// RecordFailure increments failed, records the completion time, and stores
// the last error's message for stats reporting.
func (s *Subscription) RecordFailure(err error) {
	atomic.AddInt64(&s.failed, 1)
	s.lastAt.Store(time.Now().UnixNano())
	s.lastErrMu.Lock()
	if err != nil {
		s.lastErr = err.Error()
	}
	s.lastErrMu.Unlock()
}

// Stats returns a snapshot of this subscription's counters.
func (s *Subscription) Stats() Stats {
	s.lastErrMu.RLock()
	lastErr := s.lastErr
	s.lastErrMu.RUnlock()

	var lastAt time.Time
	if nano := s.lastAt.Load(); nano != 0 {
		lastAt = time.Unix(0, nano)
	}

	return Stats{
		SubscriptionID:  s.id,
		SubscriberID:    s.options.SubscriberID,
		EventType:       s.eventType,
		Processed:       atomic.LoadInt64(&s.processed),
		Failed:          atomic.LoadInt64(&s.failed),
		LastProcessedAt: lastAt,
		LastError:       lastErr,
	}
}

// Manager maintains eventType -> ordered subscription list, sorted by
// (priority DESC, creation-order ASC). get() must never block publishers:
// Get returns a read-only snapshot slice taken under RLock.
type Manager struct {
	mu    sync.RWMutex
	byType map[string][]*Subscription
	byID   map[string]*Subscription
	seq    int64
}

// NewManager creates an empty subscription manager.
func NewManager() *Manager {
	return &Manager{
		byType: make(map[string][]*Subscription),
		byID:   make(map[string]*Subscription),
	}
}

// Subscribe registers handler for eventType and returns the new Subscription.
func (m *Manager) Subscribe(eventType string, handler Handler, opts Options) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	sub := &Subscription{
		id:        uuid.NewString(),
		eventType: eventType,
		handler:   handler,
		options:   opts,
		seq:       m.seq,
	}
	sub.active.Store(true)

	m.byID[sub.id] = sub
	list := append(m.byType[eventType], sub)
	sortSubscriptions(list)
	m.byType[eventType] = list

	return sub
}

func sortSubscriptions(list []*Subscription) {
	for i := 1; i < len(list); i++ {
		j := i
		for j > 0 && less(list[j], list[j-1]) {
			list[j], list[j-1] = list[j-1], list[j]
			j--
		}
	}
}

// less orders by priority DESC, then creation-order (seq) ASC.
func less(a, b *Subscription) bool {
	if a.options.Priority != b.options.Priority {
		return a.options.Priority > b.options.Priority
	}
	return a.seq < b.seq
}

// Unsubscribe deactivates and removes a subscription. Unsubscribing an
// unknown id is not an error; it returns false.
func (m *Manager) Unsubscribe(subscriptionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.byID[subscriptionID]
	if !ok {
		return false
	}
	sub.active.Store(false)
	delete(m.byID, subscriptionID)

	list := m.byType[sub.eventType]
	m.byType[sub.eventType] = linq.Remove(list, func(s *Subscription) bool {
		return s.id == subscriptionID
	})
	return true
}

// UnsubscribeAll deactivates and removes every subscription owned by
// subscriberID, returning the count removed.
func (m *Manager) UnsubscribeAll(subscriberID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for id, sub := range m.byID {
		if sub.options.SubscriberID != subscriberID {
			continue
		}
		sub.active.Store(false)
		delete(m.byID, id)
		count++
	}
	for eventType, list := range m.byType {
		m.byType[eventType] = linq.Filter(list, func(s *Subscription) bool {
			return s.options.SubscriberID != subscriberID
		})
	}
	return count
}

// Get returns the current subscription list for eventType. The returned
// slice is a snapshot copy; callers never block a concurrent Subscribe.
func (m *Manager) Get(eventType string) []*Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.byType[eventType]
	out := make([]*Subscription, len(list))
	copy(out, list)
	return out
}

// Stats returns a snapshot of every subscription's counters.
func (m *Manager) Stats() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Stats, 0, len(m.byID))
	for _, sub := range m.byID {
		out = append(out, sub.Stats())
	}
	return out
}
