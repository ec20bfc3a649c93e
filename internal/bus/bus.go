// Package bus is the in-process pub/sub backbone: the store publishes
// coordination events here and long-lived consumers (daemon, tests) subscribe
// by topic prefix.
package bus

import (
	"strings"
	"sync"
)

// Coordination event topics.
const (
	TopicMessageAppended = "message.appended"
	TopicTaskStateChange = "task.state_changed"
	TopicTaskCompleted   = "task.completed"
	TopicTaskFailed      = "task.failed"
	TopicPollStarted     = "poll.started"
	TopicPollDismissed   = "poll.dismissed"
	TopicChannelChanged  = "channel.changed"
)

// subscriptionBuffer bounds each subscriber's backlog. Publish never blocks;
// a full buffer drops the event for that subscriber only.
const subscriptionBuffer = 100

// Event is one published occurrence with its typed payload.
type Event struct {
	Topic   string
	Payload any
}

// MessageAppendedEvent is published when a message lands in a channel.
type MessageAppendedEvent struct {
	MessageID string
	ChannelID string
	SenderID  string
	Priority  string // "normal" or "alert"
}

// TaskStateChangedEvent is published on every task status transition.
type TaskStateChangedEvent struct {
	TaskID    string
	AgentID   string // mentioned identity
	OldStatus string
	NewStatus string
}

// PollEvent is published when a supervision poll starts or is dismissed.
type PollEvent struct {
	PollID    string
	WatchedID string
	ChannelID string
}

// Subscription is one live prefix subscription. Receive on Ch(); hand it back
// to Unsubscribe when done.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

func (s *Subscription) Ch() <-chan Event { return s.ch }

func (s *Subscription) matches(topic string) bool {
	return s.prefix == "" || strings.HasPrefix(topic, s.prefix)
}

// Bus fans events out to prefix-matched subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

func New() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Subscribe registers for every topic starting with prefix; the empty prefix
// matches everything.
func (b *Bus) Subscribe(prefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: prefix,
		ch:     make(chan Event, subscriptionBuffer),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel. Safe to call
// with nil or twice.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish delivers to every matching subscriber without blocking. Slow
// subscribers lose events rather than stalling the publisher.
func (b *Bus) Publish(topic string, payload any) {
	ev := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if !sub.matches(topic) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// SubscriberCount reports active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
