package broadcast

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector records events for assertions.
type collector struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (c *collector) Send(event Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, event)
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestBroadcastReachesAllSubscribers(t *testing.T) {
	b := NewBroadcaster()

	first := &collector{}
	second := &collector{}
	b.Subscribe("wf-1", first)
	b.Subscribe("wf-1", second)
	other := &collector{}
	b.Subscribe("wf-2", other)

	b.Broadcast(Event{WorkflowID: "wf-1", Kind: KindProgress, Message: "generating code", Progress: 0.3})

	assert.Equal(t, 1, first.count())
	assert.Equal(t, 1, second.count())
	assert.Equal(t, 0, other.count(), "events must not leak across workflows")

	require.Len(t, first.events, 1)
	assert.Equal(t, KindProgress, first.events[0].Kind)
	assert.False(t, first.events[0].Timestamp.IsZero(), "timestamp should be stamped")
}

func TestFailingSubscriberIsDroppedOthersSurvive(t *testing.T) {
	b := NewBroadcaster()

	healthy := &collector{}
	broken := &collector{err: errors.New("connection reset")}
	b.Subscribe("wf-1", broken)
	b.Subscribe("wf-1", healthy)

	b.Broadcast(Event{WorkflowID: "wf-1", Kind: KindLog, Message: "step started"})
	assert.Equal(t, 1, healthy.count(), "healthy subscriber must receive the event despite a failing peer")
	assert.Equal(t, 1, b.SubscriberCount("wf-1"), "failing subscriber should be dropped")

	b.Broadcast(Event{WorkflowID: "wf-1", Kind: KindLog, Message: "step finished"})
	assert.Equal(t, 2, healthy.count())
}

func TestUnsubscribe(t *testing.T) {
	b := NewBroadcaster()

	c := &collector{}
	unsubscribe := b.Subscribe("wf-1", c)

	b.Broadcast(Event{WorkflowID: "wf-1", Kind: KindProgress})
	unsubscribe()
	b.Broadcast(Event{WorkflowID: "wf-1", Kind: KindProgress})

	assert.Equal(t, 1, c.count())
	assert.Equal(t, 0, b.SubscriberCount("wf-1"))

	// Double unsubscribe is a no-op.
	unsubscribe()
}

func TestSubscribeDuringBroadcast(t *testing.T) {
	b := NewBroadcaster()

	late := &collector{}
	b.Subscribe("wf-1", SubscriberFunc(func(Event) error {
		// Re-entrant subscription must not deadlock.
		b.Subscribe("wf-1", late)
		return nil
	}))

	b.Broadcast(Event{WorkflowID: "wf-1", Kind: KindProgress})
	assert.Equal(t, 2, b.SubscriberCount("wf-1"))
}

func TestClose(t *testing.T) {
	b := NewBroadcaster()

	c := &collector{}
	b.Subscribe("wf-1", c)
	b.Broadcast(Event{WorkflowID: "wf-1", Kind: KindCompleted, Progress: 1.0})
	b.Close("wf-1")

	b.Broadcast(Event{WorkflowID: "wf-1", Kind: KindLog})
	assert.Equal(t, 1, c.count())
	assert.Equal(t, 0, b.SubscriberCount("wf-1"))
}

func TestConcurrentBroadcast(t *testing.T) {
	b := NewBroadcaster()
	c := &collector{}
	b.Subscribe("wf-1", c)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				b.Broadcast(Event{WorkflowID: "wf-1", Kind: KindProgress})
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 200, c.count())
}
