// Package broadcast fans workflow progress events out to interested
// listeners (SSE connections, log sinks, tests) without letting one slow or
// broken listener affect the others.
package broadcast

import (
	"sync"
	"time"

	"siteforge/pkg/logx"
)

// Event kinds emitted during workflow execution.
const (
	KindProgress    = "progress"
	KindLog         = "log"
	KindAgentStatus = "agent_status"
	KindCompleted   = "completed"
	KindError       = "error"
)

// Event is one progress update for a workflow.
type Event struct {
	Timestamp  time.Time              `json:"timestamp"`
	Data       map[string]interface{} `json:"data,omitempty"`
	WorkflowID string                 `json:"workflow_id"`
	Kind       string                 `json:"kind"`
	Step       string                 `json:"step,omitempty"`
	Message    string                 `json:"message"`
	Progress   float64                `json:"progress"`
}

// Subscriber receives events for one workflow. Send returns an error when the
// subscriber can no longer accept events; the broadcaster then drops it.
type Subscriber interface {
	Send(event Event) error
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc func(event Event) error

// Send calls fn.
func (fn SubscriberFunc) Send(event Event) error { return fn(event) }

// Broadcaster delivers events to per-workflow subscriber sets. All methods
// are safe for concurrent use.
type Broadcaster struct {
	subscribers map[string]map[int]Subscriber
	logger      *logx.Logger
	nextToken   int
	mu          sync.Mutex
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[string]map[int]Subscriber),
		logger:      logx.NewLogger("broadcast"),
	}
}

// Subscribe registers a subscriber for one workflow's events and returns an
// unsubscribe function. Unsubscribing twice is harmless.
func (b *Broadcaster) Subscribe(workflowID string, sub Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[workflowID] == nil {
		b.subscribers[workflowID] = make(map[int]Subscriber)
	}
	token := b.nextToken
	b.nextToken++
	b.subscribers[workflowID][token] = sub

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.removeLocked(workflowID, token)
	}
}

// SubscriberCount reports how many subscribers a workflow currently has.
func (b *Broadcaster) SubscriberCount(workflowID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers[workflowID])
}

// Broadcast delivers an event to every subscriber of its workflow. Delivery
// happens outside the lock on a snapshot of the subscriber set, so a
// subscriber that blocks or subscribes/unsubscribes from its own callback
// cannot deadlock the broadcaster. Subscribers whose Send returns an error
// are dropped; remaining subscribers still receive the event.
func (b *Broadcaster) Broadcast(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	snapshot := make(map[int]Subscriber, len(b.subscribers[event.WorkflowID]))
	for token, sub := range b.subscribers[event.WorkflowID] {
		snapshot[token] = sub
	}
	b.mu.Unlock()

	var failed []int
	for token, sub := range snapshot {
		if err := sub.Send(event); err != nil {
			b.logger.Warn("dropping subscriber %d for workflow %s: %v", token, event.WorkflowID, err)
			failed = append(failed, token)
		}
	}

	if len(failed) > 0 {
		b.mu.Lock()
		for _, token := range failed {
			b.removeLocked(event.WorkflowID, token)
		}
		b.mu.Unlock()
	}
}

// Close drops all subscribers for a workflow, typically after its terminal
// event has been broadcast.
func (b *Broadcaster) Close(workflowID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, workflowID)
}

func (b *Broadcaster) removeLocked(workflowID string, token int) {
	subs := b.subscribers[workflowID]
	if subs == nil {
		return
	}
	delete(subs, token)
	if len(subs) == 0 {
		delete(b.subscribers, workflowID)
	}
}
