package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devkitx/eventbus-go/pkg/eventbus/breaker"
	"github.com/devkitx/eventbus-go/pkg/eventbus/dispatch"
	"github.com/devkitx/eventbus-go/pkg/eventbus/dlq"
	"github.com/devkitx/eventbus-go/pkg/eventbus/event"
	"github.com/devkitx/eventbus-go/pkg/eventbus/subscription"
	"github.com/devkitx/eventbus-go/pkg/observability/fake"
)

func newEngine(t *testing.T, cfg dispatch.Config) (*dispatch.Engine, *subscription.Manager, *breaker.Registry, *dlq.Store) {
	t.Helper()
	subs := subscription.NewManager()
	breakers := breaker.NewRegistry(breaker.DefaultConfig())
	store := dlq.NewStore(0)
	return dispatch.New(cfg, subs, breakers, store), subs, breakers, store
}

func TestEngine_DispatchDeliversToSingleSubscriber(t *testing.T) {
	eng, subs, _, _ := newEngine(t, dispatch.DefaultConfig())

	var called int32
	sub := subs.Subscribe("OrderCreated", func(ctx context.Context, e event.Event) error {
		atomic.AddInt32(&called, 1)
		return nil
	}, subscription.Options{SubscriberID: "s1"})

	future, err := eng.Dispatch(context.Background(), event.New("OrderCreated", nil, "svc"))
	require.NoError(t, err)
	require.NoError(t, future.Wait(context.Background()))

	assert.Equal(t, int32(1), atomic.LoadInt32(&called))
	assert.Equal(t, int64(1), sub.Stats().Processed)
}

func TestEngine_RetryThenSucceedRecordsSuccessOnFinalAttempt(t *testing.T) {
	eng, subs, _, _ := newEngine(t, dispatch.DefaultConfig())

	var attempts int32
	sub := subs.Subscribe("OrderCreated", func(ctx context.Context, e event.Event) error {
		if atomic.AddInt32(&attempts, 1) < 2 {
			return errors.New("transient")
		}
		return nil
	}, subscription.Options{
		SubscriberID: "s1",
		RetryPolicy:  subscription.RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, BackoffMultiplier: 1},
	})

	future, err := eng.Dispatch(context.Background(), event.New("OrderCreated", nil, "svc"))
	require.NoError(t, err)
	require.NoError(t, future.Wait(context.Background()))

	// The Future only resolves the first attempt's outcome; the retry that
	// ultimately succeeds runs decoupled from it, so wait for it to land on
	// the subscription's own counters rather than on the Future.
	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&attempts) == 2 && sub.Stats().Processed == 1
	}, time.Second, time.Millisecond, "retry must eventually succeed and record processed=1")
}

func TestEngine_RetryExhaustedHandsOffToDLQ(t *testing.T) {
	eng, subs, _, store := newEngine(t, dispatch.DefaultConfig())

	subs.Subscribe("OrderCreated", func(ctx context.Context, e event.Event) error {
		return errors.New("permanent")
	}, subscription.Options{
		SubscriberID:      "s1",
		DeadLetterEnabled: true,
		RetryPolicy:       subscription.RetryPolicy{MaxAttempts: 2, InitialDelay: time.Millisecond, BackoffMultiplier: 1},
	})

	future, err := eng.Dispatch(context.Background(), event.New("OrderCreated", nil, "svc"))
	require.NoError(t, err)
	require.NoError(t, future.Wait(context.Background()))

	// Retry exhaustion and the DLQ hand-off happen after the Future
	// resolves, so poll the DLQ rather than asserting on the Future itself.
	require.Eventually(t, func() bool {
		return store.Statistics().Total == 1
	}, time.Second, time.Millisecond, "exhausted retry must land in the DLQ")

	stats := store.Statistics()
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[dlq.StatusExhausted])
}

func TestEngine_FutureResolvesBeforeRetriesComplete(t *testing.T) {
	eng, subs, _, store := newEngine(t, dispatch.DefaultConfig())

	release := make(chan struct{})
	var attempts int32
	subs.Subscribe("OrderCreated", func(ctx context.Context, e event.Event) error {
		if atomic.AddInt32(&attempts, 1) == 1 {
			return errors.New("transient")
		}
		<-release
		return errors.New("permanent")
	}, subscription.Options{
		SubscriberID:      "s1",
		DeadLetterEnabled: true,
		RetryPolicy:       subscription.RetryPolicy{MaxAttempts: 2, InitialDelay: time.Millisecond, BackoffMultiplier: 1},
	})

	future, err := eng.Dispatch(context.Background(), event.New("OrderCreated", nil, "svc"))
	require.NoError(t, err)

	// The second attempt is parked on release, so the Future must resolve
	// from the first attempt alone rather than waiting on it.
	waitErr := future.Wait(context.Background())
	require.NoError(t, waitErr)
	assert.Equal(t, 0, store.Statistics().Total, "DLQ hand-off must not have happened yet")

	close(release)
	require.Eventually(t, func() bool {
		return store.Statistics().Total == 1
	}, time.Second, time.Millisecond, "the decoupled retry must still complete and reach the DLQ")
}

func TestEngine_ObservabilityCapturesProcessSpanAndDLQLogFields(t *testing.T) {
	provider := fake.NewProvider()
	subs := subscription.NewManager()
	breakers := breaker.NewRegistry(breaker.DefaultConfig())
	store := dlq.NewStore(0)
	cfg := dispatch.DefaultConfig()
	cfg.Logger = provider.Logger()
	cfg.Tracer = provider.Tracer()
	cfg.Metrics = provider.Metrics()
	eng := dispatch.New(cfg, subs, breakers, store)

	subs.Subscribe("OrderCreated", func(ctx context.Context, e event.Event) error {
		return errors.New("permanent")
	}, subscription.Options{
		SubscriberID:      "s1",
		DeadLetterEnabled: true,
		RetryPolicy:       subscription.RetryPolicy{MaxAttempts: 1},
	})

	future, err := eng.Dispatch(context.Background(), event.New("OrderCreated", nil, "svc"))
	require.NoError(t, err)
	require.NoError(t, future.Wait(context.Background()))

	spans := provider.Tracer().(*fake.FakeTracer).SpansNamed("eventbus.process")
	require.Len(t, spans, 1)
	subscriberID, ok := spans[0].FieldValue("subscriber.id")
	require.True(t, ok)
	assert.Equal(t, "s1", subscriberID)

	logger := provider.Logger().(*fake.FakeLogger)
	entries := logger.EntriesWithField("subscriber.id", "s1")
	require.NotEmpty(t, entries)
	found := false
	for _, entry := range entries {
		for _, f := range entry.Fields {
			if f.Key == "dlq.status" && f.Value == string(dlq.StatusExhausted) {
				found = true
			}
		}
	}
	assert.True(t, found, "the DLQ hand-off log must carry the resulting dlq.status")
}

func TestEngine_CircuitOpenRoutesToDLQWithoutInvokingHandler(t *testing.T) {
	eng, subs, breakers, store := newEngine(t, dispatch.DefaultConfig())

	var called int32
	subs.Subscribe("OrderCreated", func(ctx context.Context, e event.Event) error {
		atomic.AddInt32(&called, 1)
		return nil
	}, subscription.Options{SubscriberID: "s1", DeadLetterEnabled: true})

	breakers.Get("s1").ForceOpen()

	future, err := eng.Dispatch(context.Background(), event.New("OrderCreated", nil, "svc"))
	require.NoError(t, err)
	require.NoError(t, future.Wait(context.Background()))

	assert.Equal(t, int32(0), atomic.LoadInt32(&called), "an open circuit must deny the call without invoking the handler")
	stats := store.Statistics()
	assert.Equal(t, 1, stats.Total)
}

func TestEngine_FilterSkipsNonMatchingEvents(t *testing.T) {
	eng, subs, _, _ := newEngine(t, dispatch.DefaultConfig())

	var called int32
	subs.Subscribe("OrderCreated", func(ctx context.Context, e event.Event) error {
		atomic.AddInt32(&called, 1)
		return nil
	}, subscription.Options{
		SubscriberID: "s1",
		Filter:       func(e event.Event) bool { return e.Priority() == event.PriorityCritical },
	})

	future, err := eng.Dispatch(context.Background(), event.New("OrderCreated", nil, "svc"))
	require.NoError(t, err)
	require.NoError(t, future.Wait(context.Background()))

	assert.Equal(t, int32(0), atomic.LoadInt32(&called))
}

func TestEngine_OrderedSubscriptionProcessesInPublishOrder(t *testing.T) {
	eng, subs, _, _ := newEngine(t, dispatch.DefaultConfig())

	var mu sync.Mutex
	var order []int

	subs.Subscribe("OrderCreated", func(ctx context.Context, e event.Event) error {
		n := e.Data().(int)
		time.Sleep(time.Duration(5-n) * time.Millisecond)
		mu.Lock()
		order = append(order, n)
		mu.Unlock()
		return nil
	}, subscription.Options{SubscriberID: "s1", Ordered: true})

	var futures []*dispatch.Future
	for i := 1; i <= 5; i++ {
		f, err := eng.Dispatch(context.Background(), event.New("OrderCreated", i, "svc"))
		require.NoError(t, err)
		futures = append(futures, f)
	}
	for _, f := range futures {
		require.NoError(t, f.Wait(context.Background()))
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3, 4, 5}, order, "an ordered subscription must process strictly in publish order")
}

func TestEngine_UnmatchedEventTypeResolvesFutureImmediately(t *testing.T) {
	eng, _, _, _ := newEngine(t, dispatch.DefaultConfig())

	future, err := eng.Dispatch(context.Background(), event.New("Nothing", nil, "svc"))
	require.NoError(t, err)
	require.NoError(t, future.Wait(context.Background()))
}

func TestEngine_ShutdownRejectsFurtherDispatch(t *testing.T) {
	eng, subs, _, _ := newEngine(t, dispatch.DefaultConfig())
	subs.Subscribe("OrderCreated", func(ctx context.Context, e event.Event) error { return nil }, subscription.Options{SubscriberID: "s1"})

	require.NoError(t, eng.Shutdown(context.Background(), time.Second))

	_, err := eng.Dispatch(context.Background(), event.New("OrderCreated", nil, "svc"))
	assert.Error(t, err)
}
