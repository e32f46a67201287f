// Package dlq implements the dead-letter queue: bounded storage for events
// that failed processing, a retry lifecycle, an auto-retry scheduler, and
// poison-message detection.
package dlq

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/devkitx/eventbus-go/pkg/eventbus/event"
)

// Status is one of the DeadLetterEvent lifecycle states. Transitions are
// monotonic except RETRYING<->FAILED.
type Status string

const (
	StatusFailed         Status = "FAILED"
	StatusRetrying       Status = "RETRYING"
	StatusExhausted      Status = "EXHAUSTED"
	StatusResolved       Status = "RESOLVED"
	StatusDiscarded      Status = "DISCARDED"
	StatusQuarantined    Status = "QUARANTINED"
	StatusPendingManual  Status = "PENDING_MANUAL"
	StatusCancelled      Status = "CANCELLED"
)

// FailureReason records one failed attempt against an Entry.
type FailureReason struct {
	Timestamp       time.Time
	ErrorType       string
	ErrorMessage    string
	StackTrace      string
	ProcessingStage string
	ConsumerInfo    string
	AttemptNumber   int
	IsPoisonMessage bool
	IsRetryable     bool
}

// Entry is the bus's DeadLetterEvent: a failed event plus its full retry and
// failure history.
type Entry struct {
	ID               string
	OriginalEvent    event.Event
	FirstFailureTime time.Time
	LastFailureTime  time.Time
	RetryCount       int
	MaxRetries       int
	FailureHistory   []FailureReason
	Status           Status
	EventType        string
	EventSource      string
	Metadata         map[string]string
}

// RetryFunc reprocesses the original event through the subscriber it
// originally failed on. retry() calls this; auto-retry calls it on a
// schedule.
type RetryFunc func(ctx context.Context, e event.Event) error

// Filter narrows Retrieve's result set.
type Filter struct {
	Since           time.Time
	Until           time.Time
	EventType       string
	ErrorType       string
	Status          Status
	MaxAttemptCount int
	Limit           int
}

// Health is the DLQ's overall rollup, derived from the ratio of
// problem-status entries and the age of the oldest entry.
type Health string

const (
	HealthHealthy  Health = "HEALTHY"
	HealthWarning  Health = "WARNING"
	HealthCritical Health = "CRITICAL"
	HealthFailed   Health = "FAILED"
)

// Statistics summarizes the DLQ's current contents.
type Statistics struct {
	Total             int
	ByStatus          map[Status]int
	ByEventType        map[string]int
	ByErrorType        map[string]int
	AverageRetryCount float64
	OldestEventAge    time.Duration
	Health            Health
}

// evictBatchFraction is the fraction of entries evicted, oldest-first by
// FirstFailureTime, once the store reaches MaxSize.
const evictBatchFraction = 0.10

// Store is the bounded, concurrent-safe dead-letter store.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	maxSize int

	retrying sync.Map // dlqId -> struct{}; membership check is a single CAS-like insertion

	retryFuncs sync.Map // subscriberId -> RetryFunc

	totalStored int64
}

// NewStore creates a dead-letter store bounded by maxSize. maxSize<=0 means
// unbounded.
func NewStore(maxSize int) *Store {
	return &Store{
		entries: make(map[string]*Entry),
		maxSize: maxSize,
	}
}

// RegisterRetryFunc associates a subscriberId with the handler Retry should
// re-invoke. Bus.Subscribe calls this when a subscription is created, and
// the dispatch engine calls it again on each DLQ hand-off.
func (s *Store) RegisterRetryFunc(subscriberID string, fn RetryFunc) {
	s.retryFuncs.Store(subscriberID, fn)
}

// Store inserts a new dead-letter entry, evicting the oldest 10% by
// FirstFailureTime first if the store is at capacity.
func (s *Store) Store(e Entry) string {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxSize > 0 && len(s.entries) >= s.maxSize {
		s.evictOldestLocked()
	}

	entryCopy := e
	s.entries[e.ID] = &entryCopy
	s.totalStored++
	return e.ID
}

func (s *Store) evictOldestLocked() {
	n := len(s.entries)
	toEvict := int(float64(n) * evictBatchFraction)
	if toEvict < 1 {
		toEvict = 1
	}

	ordered := make([]*Entry, 0, n)
	for _, e := range s.entries {
		ordered = append(ordered, e)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].FirstFailureTime.Before(ordered[j].FirstFailureTime)
	})

	for i := 0; i < toEvict && i < len(ordered); i++ {
		delete(s.entries, ordered[i].ID)
	}
}

// Get returns a copy of the entry by id.
func (s *Store) Get(dlqID string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[dlqID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Retrieve filters and sorts dead-letter entries; default sort is
// LastFailureTime DESC, default limit 100.
func (s *Store) Retrieve(f Filter) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Entry
	for _, e := range s.entries {
		if !f.Since.IsZero() && e.FirstFailureTime.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && e.FirstFailureTime.After(f.Until) {
			continue
		}
		if f.EventType != "" && e.EventType != f.EventType {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if f.MaxAttemptCount > 0 && e.RetryCount > f.MaxAttemptCount {
			continue
		}
		if f.ErrorType != "" {
			matched := false
			for _, reason := range e.FailureHistory {
				if reason.ErrorType == f.ErrorType {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}
		result = append(result, *e)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].LastFailureTime.After(result[j].LastFailureTime)
	})

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(result) > limit {
		result = result[:limit]
	}
	return result
}

// Retry reprocesses dlqID through its original subscriber. A CAS-style
// insertion into the retrying set guards against concurrent retries of the
// same event; on success the entry is removed and status set RESOLVED; on
// failure a FailureReason is appended and, once the attempt reaches
// MaxRetries, status becomes EXHAUSTED.
func (s *Store) Retry(ctx context.Context, dlqID string) error {
	if _, alreadyRetrying := s.retrying.LoadOrStore(dlqID, struct{}{}); alreadyRetrying {
		return fmt.Errorf("dlq: %s is already retrying", dlqID)
	}
	defer s.retrying.Delete(dlqID)

	s.mu.Lock()
	e, ok := s.entries[dlqID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("dlq: %s not found", dlqID)
	}
	e.Status = StatusRetrying
	subscriberID := e.EventSource
	if v, ok := e.Metadata["subscriberId"]; ok {
		subscriberID = v
	}
	originalEvent := e.OriginalEvent
	attempt := e.RetryCount + 1
	maxRetries := e.MaxRetries
	s.mu.Unlock()

	retryFuncVal, hasFunc := s.retryFuncs.Load(subscriberID)
	if !hasFunc {
		return fmt.Errorf("dlq: no registered retry function for subscriber %q", subscriberID)
	}
	retryFunc := retryFuncVal.(RetryFunc)

	err := retryFunc(ctx, originalEvent)

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok = s.entries[dlqID]
	if !ok {
		return nil
	}

	if err == nil {
		delete(s.entries, dlqID)
		return nil
	}

	e.RetryCount = attempt
	e.LastFailureTime = time.Now()
	e.FailureHistory = append(e.FailureHistory, FailureReason{
		Timestamp:     e.LastFailureTime,
		ErrorType:     fmt.Sprintf("%T", err),
		ErrorMessage:  err.Error(),
		AttemptNumber: attempt,
		IsRetryable:   attempt < maxRetries,
	})
	if attempt >= maxRetries {
		e.Status = StatusExhausted
	} else {
		e.Status = StatusFailed
	}
	return err
}

// RetryBatch retries each id independently and returns a map of id -> error
// (nil on success).
func (s *Store) RetryBatch(ctx context.Context, ids []string) map[string]error {
	results := make(map[string]error, len(ids))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			err := s.Retry(ctx, id)
			mu.Lock()
			results[id] = err
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	return results
}

// Remove unconditionally deletes an entry.
func (s *Store) Remove(dlqID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, dlqID)
}

// Purge deletes entries whose FirstFailureTime is older than retention.
func (s *Store) Purge(retention time.Duration) int {
	cutoff := time.Now().Add(-retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for id, e := range s.entries {
		if e.FirstFailureTime.Before(cutoff) {
			delete(s.entries, id)
			purged++
		}
	}
	return purged
}

// Statistics computes the current rollup across all stored entries.
func (s *Store) Statistics() Statistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Statistics{
		ByStatus:   make(map[Status]int),
		ByEventType: make(map[string]int),
		ByErrorType: make(map[string]int),
	}

	var (
		totalRetries int
		oldest       time.Time
	)

	for _, e := range s.entries {
		stats.Total++
		stats.ByStatus[e.Status]++
		stats.ByEventType[e.EventType]++
		totalRetries += e.RetryCount
		if oldest.IsZero() || e.FirstFailureTime.Before(oldest) {
			oldest = e.FirstFailureTime
		}
		for _, reason := range e.FailureHistory {
			stats.ByErrorType[reason.ErrorType]++
		}
	}

	if stats.Total > 0 {
		stats.AverageRetryCount = float64(totalRetries) / float64(stats.Total)
		stats.OldestEventAge = time.Since(oldest)
	}

	stats.Health = computeHealth(stats)
	return stats
}

func computeHealth(stats Statistics) Health {
	if stats.Total == 0 {
		return HealthHealthy
	}
	problems := stats.ByStatus[StatusExhausted] + stats.ByStatus[StatusQuarantined]
	problemRatio := float64(problems) / float64(stats.Total)

	switch {
	case problemRatio > 0.5 || stats.OldestEventAge > 168*time.Hour:
		return HealthCritical
	case problemRatio > 0.2 || stats.OldestEventAge > 72*time.Hour:
		return HealthWarning
	default:
		return HealthHealthy
	}
}

// AutoRetryScheduler runs a retry loop for each entry passed to Schedule;
// Store.Store does not schedule entries, so a stored entry is retried
// automatically only once Schedule is called for it. Each loop waits for
// the next delay of its backoff.BackOff sequence, verifies the entry still
// exists before each attempt, and stops once retries are exhausted.
type AutoRetryScheduler struct {
	store      *Store
	newBackOff func() backoff.BackOff

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	stopped bool
}

// NewAutoRetryScheduler wires a scheduler to store using newBackOff to mint
// a fresh backoff.BackOff sequence per scheduled entry.
func NewAutoRetryScheduler(store *Store, newBackOff func() backoff.BackOff) *AutoRetryScheduler {
	if newBackOff == nil {
		newBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			return b
		}
	}
	return &AutoRetryScheduler{
		store:      store,
		newBackOff: newBackOff,
		cancels:    make(map[string]context.CancelFunc),
	}
}

// Schedule starts the auto-retry loop for a newly stored entry. Each attempt
// re-checks that the entry still exists and is not already mid-retry.
func (a *AutoRetryScheduler) Schedule(ctx context.Context, dlqID string) {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	a.cancels[dlqID] = cancel
	a.mu.Unlock()

	go a.run(ctx, dlqID, cancel)
}

func (a *AutoRetryScheduler) run(ctx context.Context, dlqID string, cancel context.CancelFunc) {
	defer cancel()
	defer func() {
		a.mu.Lock()
		delete(a.cancels, dlqID)
		a.mu.Unlock()
	}()

	b := backoff.WithContext(a.newBackOff(), ctx)

	for {
		entry, exists := a.store.Get(dlqID)
		if !exists {
			return
		}
		if entry.Status == StatusExhausted || entry.Status == StatusResolved ||
			entry.Status == StatusDiscarded || entry.Status == StatusQuarantined ||
			entry.Status == StatusCancelled {
			return
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			return
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		entry, exists = a.store.Get(dlqID)
		if !exists {
			return
		}

		err := a.store.Retry(ctx, dlqID)
		if err == nil {
			return
		}

		entry, exists = a.store.Get(dlqID)
		if !exists || entry.Status == StatusExhausted {
			return
		}
	}
}

// Shutdown stops accepting new schedules and cancels all in-flight retry
// loops.
func (a *AutoRetryScheduler) Shutdown() {
	a.mu.Lock()
	a.stopped = true
	cancels := make([]context.CancelFunc, 0, len(a.cancels))
	for _, c := range a.cancels {
		cancels = append(cancels, c)
	}
	a.mu.Unlock()

	for _, c := range cancels {
		c()
	}
}
