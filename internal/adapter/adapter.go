package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/roomcast/roomcast/internal/bus"
	"github.com/roomcast/roomcast/internal/observability"
	"github.com/roomcast/roomcast/internal/rooms"
	"github.com/rs/zerolog/log"
)

// Delivery-path drop reasons, recorded in metrics.
const (
	dropClosed    = "closed"
	dropMalformed = "malformed"
	dropChannel   = "channel"
	dropSelf      = "self"
	dropNamespace = "namespace"
)

// Adapter relays one namespace's broadcasts across instances. It wraps the
// local rooms primitive: broadcasts are applied locally first and then
// published to the shared bus topic, and envelopes received from the bus
// are re-applied locally with the Remote flag set so they are not published
// again.
//
// One bus subscription exists per adapter at most. It is created lazily
// (at construction and again when a room gains its first member after the
// rooms map emptied) and deleted when room membership returns to empty.
type Adapter struct {
	namespace  string
	channel    string
	instanceID string
	prefix     string
	client     bus.Client
	local      rooms.Broadcaster
	sink       func(error)
	metrics    *observability.Metrics

	mu           sync.Mutex
	topic        bus.Topic
	sub          bus.Subscription
	initializing bool
	ready        chan struct{} // closed exactly once per initialization attempt
	deleting     bool
	recvCancel   context.CancelFunc
}

// Namespace returns the namespace this adapter serves.
func (a *Adapter) Namespace() string { return a.namespace }

// InstanceID returns the identity shared by all adapters of one factory.
func (a *Adapter) InstanceID() string { return a.instanceID }

// Broadcast applies the packet to local clients, then publishes it to the
// bus so other instances apply it too. Broadcasts marked Remote arrived
// from the bus and are never re-published.
//
// Publishing is best-effort: failures go to the error sink, never back to
// the caller.
func (a *Adapter) Broadcast(ctx context.Context, p rooms.Packet, opts rooms.BroadcastOptions) {
	a.local.Broadcast(p, opts)
	if opts.Remote {
		return
	}

	if p.Namespace == "" {
		p.Namespace = a.namespace
	}

	if err := a.WaitUntilReady(ctx); err != nil {
		a.report(fmt.Errorf("broadcast publish: %w", err))
		return
	}

	a.mu.Lock()
	topic := a.topic
	a.mu.Unlock()
	if topic == nil {
		// Subscription setup failed earlier; the broadcast stays local
		// until a membership edge repairs it.
		a.report(errors.New("no bus topic handle, broadcast stayed local"))
		return
	}

	if len(opts.Rooms) > 0 {
		// One envelope per target room, independently. A failed room does
		// not block the others.
		for _, room := range opts.Rooms {
			a.publishEnvelope(ctx, topic, roomChannel(a.channel, room), p, opts)
		}
		return
	}
	a.publishEnvelope(ctx, topic, a.channel, p, opts)
}

func (a *Adapter) publishEnvelope(ctx context.Context, topic bus.Topic, channel string, p rooms.Packet, opts rooms.BroadcastOptions) {
	data, err := encodeEnvelope(Envelope{
		SenderID: a.instanceID,
		Packet:   p,
		Opts:     opts,
		Channel:  channel,
	})
	if err != nil {
		a.report(fmt.Errorf("encode envelope: %w", err))
		return
	}
	if err := topic.Publish(ctx, data); err != nil {
		a.report(fmt.Errorf("publish to %s: %w", channel, err))
		return
	}
	if a.metrics != nil {
		a.metrics.RecordPublish(a.namespace)
	}
}

// Join adds a client to a room and makes sure the adapter is listening on
// the bus. The membership mutation waits for any in-flight subscription
// transition so the first-member edge is never lost.
func (a *Adapter) Join(ctx context.Context, clientID, room string) error {
	if err := a.WaitUntilReady(ctx); err != nil {
		return err
	}
	a.local.Join(clientID, room)
	return a.EnsureSubscription(ctx)
}

// JoinAll adds a client to several rooms at once.
func (a *Adapter) JoinAll(ctx context.Context, clientID string, roomNames []string) error {
	if err := a.WaitUntilReady(ctx); err != nil {
		return err
	}
	a.local.JoinAll(clientID, roomNames)
	return a.EnsureSubscription(ctx)
}

// Leave removes a client from a room, tearing the subscription down when
// no room has members left.
func (a *Adapter) Leave(ctx context.Context, clientID, room string) error {
	if err := a.WaitUntilReady(ctx); err != nil {
		return err
	}
	a.local.Leave(clientID, room)
	return a.TeardownIfEmpty(ctx)
}

// LeaveAll removes a client from every room it is in.
func (a *Adapter) LeaveAll(ctx context.Context, clientID string) error {
	if err := a.WaitUntilReady(ctx); err != nil {
		return err
	}
	a.local.LeaveAll(clientID)
	return a.TeardownIfEmpty(ctx)
}

// EnsureSubscription creates the topic and subscription if the adapter is
// not already listening. Concurrent callers coalesce onto one in-flight
// attempt; nobody issues a second create.
func (a *Adapter) EnsureSubscription(ctx context.Context) error {
	wait, mine := a.beginInit()
	if !mine {
		if wait == nil {
			return nil // already subscribed
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
			return nil
		}
	}
	return a.completeInit(ctx)
}

// beginInit claims the initialization slot. It returns (nil, false) when a
// live subscription exists, (ready, false) when another initialization is
// in flight, and (ready, true) when the caller owns the attempt.
func (a *Adapter) beginInit() (<-chan struct{}, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sub != nil && !a.sub.Closed() {
		return nil, false
	}
	if a.initializing {
		return a.ready, false
	}
	a.initializing = true
	a.ready = make(chan struct{})
	return a.ready, true
}

// completeInit performs the create-or-get topic and subscription calls and
// resolves the readiness signal exactly once, on success or failure.
func (a *Adapter) completeInit(ctx context.Context) error {
	topic, err := a.createOrGetTopic(ctx)
	var sub bus.Subscription
	if err == nil {
		sub, err = a.client.CreateSubscription(ctx, a.instanceID, topic)
	}

	a.mu.Lock()
	a.initializing = false
	close(a.ready)
	if err != nil {
		a.mu.Unlock()
		// The adapter stays unsubscribed; the next membership edge retries.
		a.report(fmt.Errorf("subscription setup: %w", err))
		return err
	}
	a.topic = topic
	a.sub = sub
	recvCtx, cancel := context.WithCancel(context.Background())
	a.recvCancel = cancel
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.RecordSubscriptionOp("create")
	}
	log.Debug().
		Str("namespace", a.namespace).
		Str("subscription", sub.Name()).
		Msg("Bus subscription ready")

	go a.receiveLoop(recvCtx, sub)
	return nil
}

// createOrGetTopic treats an existing topic as success. Topics are shared
// across instances and never torn down.
func (a *Adapter) createOrGetTopic(ctx context.Context) (bus.Topic, error) {
	t, err := a.client.CreateTopic(ctx, a.prefix)
	if errors.Is(err, bus.ErrTopicExists) {
		return a.client.Topic(ctx, a.prefix)
	}
	return t, err
}

// WaitUntilReady blocks until no subscription initialization is in flight.
// The adapter imposes no timeout; bound the wait through ctx.
func (a *Adapter) WaitUntilReady(ctx context.Context) error {
	a.mu.Lock()
	if !a.initializing {
		a.mu.Unlock()
		return nil
	}
	wait := a.ready
	a.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-wait:
		return nil
	}
}

// TeardownIfEmpty deletes the subscription when no room has members and no
// deletion is already in flight. A NotFound from the bus counts as success.
// On a transport error the stale handle is kept so a later edge retries.
func (a *Adapter) TeardownIfEmpty(ctx context.Context) error {
	if !a.local.IsEmpty() {
		return nil
	}

	a.mu.Lock()
	if a.deleting || a.sub == nil {
		a.mu.Unlock()
		return nil
	}
	a.deleting = true
	sub := a.sub
	a.mu.Unlock()

	err := sub.Delete(ctx)
	ok := err == nil || errors.Is(err, bus.ErrNotFound)

	a.mu.Lock()
	a.deleting = false
	if ok {
		a.sub = nil
		if a.recvCancel != nil {
			a.recvCancel()
			a.recvCancel = nil
		}
	}
	a.mu.Unlock()

	if !ok {
		a.report(fmt.Errorf("subscription delete: %w", err))
		return err
	}
	if a.metrics != nil {
		a.metrics.RecordSubscriptionOp("delete")
	}
	log.Debug().Str("namespace", a.namespace).Msg("Bus subscription deleted, rooms empty")

	// A join that raced the delete saw a live subscription and skipped
	// creation. Now that the handle is cleared, re-run the first-member
	// edge for any members that appeared meanwhile.
	if !a.local.IsEmpty() {
		return a.EnsureSubscription(ctx)
	}
	return nil
}

// Close cancels the receive loop and deletes the subscription best-effort.
// Used when the adapter itself is discarded.
func (a *Adapter) Close(ctx context.Context) error {
	a.mu.Lock()
	sub := a.sub
	cancel := a.recvCancel
	a.sub = nil
	a.recvCancel = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub == nil {
		return nil
	}
	if err := sub.Delete(ctx); err != nil && !errors.Is(err, bus.ErrNotFound) {
		return err
	}
	return nil
}

func (a *Adapter) receiveLoop(ctx context.Context, sub bus.Subscription) {
	err := sub.Receive(ctx, a.handleMessage)
	if err != nil && !errors.Is(err, context.Canceled) {
		// Surfaced rather than fatal: the next membership edge recreates
		// the subscription.
		a.report(fmt.Errorf("receive stream: %w", err))
	}
}

// handleMessage is the delivery path. Every branch is terminal: a message
// is either applied and acked, acked and dropped (self-echo), or left
// unacked so a differently-scoped consumer sharing the subscription can
// still claim it on redelivery.
func (a *Adapter) handleMessage(m *bus.Message) {
	a.mu.Lock()
	sub := a.sub
	a.mu.Unlock()
	if sub == nil || sub.Closed() {
		log.Debug().Str("namespace", a.namespace).Msg("Dropping bus message for closed subscription")
		a.drop(dropClosed)
		return
	}

	env, err := decodeEnvelope(m.Data)
	if err != nil {
		log.Debug().Err(err).Str("namespace", a.namespace).Msg("Dropping malformed bus message")
		a.drop(dropMalformed)
		return
	}

	if !channelMatches(env.Channel, a.channel) {
		// Another namespace's channel space; not ours to ack.
		a.drop(dropChannel)
		return
	}

	if env.SenderID == a.instanceID {
		// Self-echo. Ack so the bus stops redelivering our own message.
		m.Ack()
		a.drop(dropSelf)
		return
	}

	nsp := env.Packet.Namespace
	if nsp == "" {
		nsp = RootNamespace
	}
	if nsp != a.namespace {
		// An in-process adapter for that namespace shares this
		// subscription and will claim it on redelivery.
		a.drop(dropNamespace)
		return
	}

	opts := env.Opts
	opts.Remote = true
	a.local.Broadcast(env.Packet, opts)
	m.Ack()

	if a.metrics != nil {
		a.metrics.RecordDelivery(a.namespace)
	}
}

func (a *Adapter) drop(reason string) {
	if a.metrics != nil {
		a.metrics.RecordDrop(a.namespace, reason)
	}
}

func (a *Adapter) report(err error) {
	if a.metrics != nil {
		a.metrics.RecordAdapterError()
	}
	if a.sink != nil {
		a.sink(err)
		return
	}
	log.Error().Err(err).Str("namespace", a.namespace).Msg("Adapter error")
}
