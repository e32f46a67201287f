package subscription_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devkitx/eventbus-go/pkg/eventbus/event"
	"github.com/devkitx/eventbus-go/pkg/eventbus/subscription"
)

func noopHandler(ctx context.Context, e event.Event) error { return nil }

func TestManager_SubscribeOrdersByPriorityThenCreation(t *testing.T) {
	m := subscription.NewManager()
	low := m.Subscribe("T", noopHandler, subscription.Options{Priority: event.PriorityLow})
	high := m.Subscribe("T", noopHandler, subscription.Options{Priority: event.PriorityHigh})
	normal1 := m.Subscribe("T", noopHandler, subscription.Options{Priority: event.PriorityNormal})
	normal2 := m.Subscribe("T", noopHandler, subscription.Options{Priority: event.PriorityNormal})

	list := m.Get("T")
	require.Len(t, list, 4)
	assert.Equal(t, high.ID(), list[0].ID())
	assert.Equal(t, normal1.ID(), list[1].ID())
	assert.Equal(t, normal2.ID(), list[2].ID())
	assert.Equal(t, low.ID(), list[3].ID())
}

func TestManager_UnsubscribeDeactivatesAndRemoves(t *testing.T) {
	m := subscription.NewManager()
	sub := m.Subscribe("T", noopHandler, subscription.Options{})

	ok := m.Unsubscribe(sub.ID())
	assert.True(t, ok)
	assert.False(t, sub.Active())
	assert.Empty(t, m.Get("T"))

	assert.False(t, m.Unsubscribe("unknown-id"), "unsubscribing an unknown id must not be an error")
}

func TestManager_UnsubscribeAllRemovesEverySubscriptionForSubscriber(t *testing.T) {
	m := subscription.NewManager()
	m.Subscribe("A", noopHandler, subscription.Options{SubscriberID: "worker-1"})
	m.Subscribe("B", noopHandler, subscription.Options{SubscriberID: "worker-1"})
	m.Subscribe("A", noopHandler, subscription.Options{SubscriberID: "worker-2"})

	count := m.UnsubscribeAll("worker-1")
	assert.Equal(t, 2, count)
	assert.Len(t, m.Get("A"), 1, "worker-2's subscription to A must survive")
	assert.Empty(t, m.Get("B"))
}

func TestSubscription_StatsTrackSuccessAndFailure(t *testing.T) {
	m := subscription.NewManager()
	sub := m.Subscribe("T", noopHandler, subscription.Options{})

	sub.RecordSuccess()
	sub.RecordFailure(errors.New("boom"))

	stats := sub.Stats()
	assert.Equal(t, int64(1), stats.Processed)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, "boom", stats.LastError)
	assert.False(t, stats.LastProcessedAt.IsZero())
}

func TestRetryPolicy_DelayDoublesAndCaps(t *testing.T) {
	p := subscription.RetryPolicy{InitialDelay: 100_000_000, BackoffMultiplier: 2, MaxDelay: 500_000_000}

	assert.EqualValues(t, 100_000_000, p.Delay(1))
	assert.EqualValues(t, 200_000_000, p.Delay(2))
	assert.EqualValues(t, 400_000_000, p.Delay(3))
	assert.EqualValues(t, 500_000_000, p.Delay(4), "delay must cap at MaxDelay")
}

func TestManager_GetReturnsSnapshotNotLiveView(t *testing.T) {
	m := subscription.NewManager()
	m.Subscribe("T", noopHandler, subscription.Options{})

	snapshot := m.Get("T")
	m.Subscribe("T", noopHandler, subscription.Options{})

	assert.Len(t, snapshot, 1, "a previously taken snapshot must not observe later subscriptions")
	assert.Len(t, m.Get("T"), 2)
}

func TestManager_ConcurrentSubscribeAndGetDoesNotRace(t *testing.T) {
	m := subscription.NewManager()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			m.Subscribe("T", noopHandler, subscription.Options{})
		}()
		go func() {
			defer wg.Done()
			_ = m.Get("T")
		}()
	}
	wg.Wait()
	assert.Len(t, m.Get("T"), 50)
}
