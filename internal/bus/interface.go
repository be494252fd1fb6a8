// Package bus provides the topic-based message bus used for cross-instance
// communication. Adapters publish broadcast envelopes to a shared topic and
// receive them through per-instance subscriptions, so a broadcast reaches
// clients regardless of which roomcast instance they're connected to.
//
// Delivery is at-least-once: a message that is not acknowledged is
// redelivered, and consumers must tolerate duplicates.
package bus

import (
	"context"
	"errors"
)

// ErrTopicExists is returned by CreateTopic when a topic with the same name
// already exists. Callers that want create-or-get semantics should treat it
// as success and fetch the existing topic.
var ErrTopicExists = errors.New("bus: topic already exists")

// ErrNotFound is returned when a topic or subscription does not exist,
// including deleting a subscription that is already gone.
var ErrNotFound = errors.New("bus: not found")

// ErrClosed is returned by operations on a closed client or subscription.
var ErrClosed = errors.New("bus: closed")

// Message is a single delivery from a subscription. The same message may be
// delivered more than once until Ack is called.
type Message struct {
	// ID identifies the message within its topic.
	ID string

	// Data is the payload exactly as published.
	Data []byte

	ack func()
}

// Ack acknowledges the message so the bus stops redelivering it.
// Calling Ack more than once is harmless.
func (m *Message) Ack() {
	if m.ack != nil {
		m.ack()
	}
}

// Topic is a named destination that publishers send messages to.
// Topics are shared: multiple clients resolving the same name get handles
// to the same underlying topic.
type Topic interface {
	// Name returns the topic name.
	Name() string

	// Publish sends a payload to every subscription bound to the topic.
	Publish(ctx context.Context, payload []byte) error
}

// Subscription is a named feed bound to one topic. Each subscription
// receives its own copy of every message published to the topic.
type Subscription interface {
	// Name returns the subscription name.
	Name() string

	// Receive delivers messages to the handler until ctx is cancelled, the
	// subscription is deleted, or the underlying stream fails. The handler
	// must call Ack on messages it has consumed; unacked messages are
	// redelivered. Receive blocks; run it in its own goroutine.
	Receive(ctx context.Context, handler func(*Message)) error

	// Delete removes the subscription from the bus. Returns ErrNotFound if
	// it is already gone.
	Delete(ctx context.Context) error

	// Closed reports whether the subscription can no longer deliver
	// messages (deleted, or the client was closed).
	Closed() bool
}

// Client is the interface for bus backends.
// Implementations must be safe for concurrent use.
type Client interface {
	// CreateTopic creates a topic. Returns ErrTopicExists if a topic with
	// the same name already exists.
	CreateTopic(ctx context.Context, name string) (Topic, error)

	// Topic returns a handle to an existing topic, or ErrNotFound.
	Topic(ctx context.Context, name string) (Topic, error)

	// CreateSubscription creates a subscription bound to the topic, or
	// returns the existing one when the name is already taken.
	CreateSubscription(ctx context.Context, name string, topic Topic) (Subscription, error)

	// Close releases all resources and stops all subscriptions.
	Close() error
}
