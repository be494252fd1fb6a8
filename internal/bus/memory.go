package bus

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// DefaultAckDeadline is how long a delivered message may stay unacked
// before the memory bus redelivers it.
const DefaultAckDeadline = 30 * time.Second

// MemoryBus implements Client for single-instance deployments and tests.
// Messages never leave the process. Unacked messages are redelivered after
// the ack deadline, so consumers see the same at-least-once behavior they
// would get from a real bus.
type MemoryBus struct {
	topics      map[string]*memoryTopic
	ackDeadline time.Duration
	closed      bool
	mu          sync.RWMutex
}

// NewMemoryBus creates an in-process bus with the default ack deadline.
func NewMemoryBus() *MemoryBus {
	return NewMemoryBusWithAckDeadline(DefaultAckDeadline)
}

// NewMemoryBusWithAckDeadline creates an in-process bus that redelivers
// unacked messages after d. Tests use a short deadline to exercise
// redelivery without waiting.
func NewMemoryBusWithAckDeadline(d time.Duration) *MemoryBus {
	if d <= 0 {
		d = DefaultAckDeadline
	}
	return &MemoryBus{
		topics:      make(map[string]*memoryTopic),
		ackDeadline: d,
	}
}

// CreateTopic creates a topic, or returns ErrTopicExists.
func (b *MemoryBus) CreateTopic(ctx context.Context, name string) (Topic, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	if _, ok := b.topics[name]; ok {
		return nil, ErrTopicExists
	}
	t := &memoryTopic{
		name: name,
		bus:  b,
		subs: make(map[string]*memorySubscription),
	}
	b.topics[name] = t
	return t, nil
}

// Topic returns an existing topic, or ErrNotFound.
func (b *MemoryBus) Topic(ctx context.Context, name string) (Topic, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, ErrClosed
	}
	t, ok := b.topics[name]
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

// CreateSubscription creates a subscription bound to the topic, returning
// the existing one when the name is already taken.
func (b *MemoryBus) CreateSubscription(ctx context.Context, name string, topic Topic) (Subscription, error) {
	t, ok := topic.(*memoryTopic)
	if !ok || t.bus != b {
		return nil, ErrNotFound
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	if s, ok := t.subs[name]; ok {
		return s, nil
	}
	s := &memorySubscription{
		name:    name,
		topic:   t,
		pending: make(map[uint64]*pendingMessage),
		wake:    make(chan struct{}, 1),
	}
	t.subs[name] = s
	return s, nil
}

// Close stops all subscriptions and releases all resources.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*memorySubscription, 0)
	for _, t := range b.topics {
		for _, s := range t.subs {
			subs = append(subs, s)
		}
	}
	b.topics = make(map[string]*memoryTopic)
	b.mu.Unlock()

	// Close outside the lock so Receive loops can drain.
	for _, s := range subs {
		s.close()
	}
	return nil
}

type memoryTopic struct {
	name string
	bus  *MemoryBus
	subs map[string]*memorySubscription
	seq  uint64
}

func (t *memoryTopic) Name() string { return t.name }

// Publish enqueues the payload on every subscription bound to the topic.
func (t *memoryTopic) Publish(ctx context.Context, payload []byte) error {
	t.bus.mu.Lock()
	if t.bus.closed {
		t.bus.mu.Unlock()
		return ErrClosed
	}
	t.seq++
	id := t.seq
	subs := make([]*memorySubscription, 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	t.bus.mu.Unlock()

	data := make([]byte, len(payload))
	copy(data, payload)

	for _, s := range subs {
		s.enqueue(id, data)
	}
	return nil
}

type pendingMessage struct {
	data          []byte
	lastDelivered time.Time
}

type memorySubscription struct {
	name    string
	topic   *memoryTopic
	pending map[uint64]*pendingMessage
	wake    chan struct{}
	closed  bool
	mu      sync.Mutex
}

func (s *memorySubscription) Name() string { return s.name }

func (s *memorySubscription) enqueue(id uint64, data []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pending[id] = &pendingMessage{data: data}
	s.mu.Unlock()
	s.signal()
}

func (s *memorySubscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Receive delivers pending messages to the handler until ctx is cancelled
// or the subscription is closed. Messages left unacked are handed to the
// handler again once the ack deadline passes.
func (s *memorySubscription) Receive(ctx context.Context, handler func(*Message)) error {
	deadline := s.topic.bus.ackDeadline
	interval := deadline / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s.deliverDue(deadline, handler)

		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		case <-ticker.C:
		}
	}
}

// deliverDue hands every never-delivered or redelivery-due message to the
// handler, oldest first.
func (s *memorySubscription) deliverDue(deadline time.Duration, handler func(*Message)) {
	now := time.Now()

	s.mu.Lock()
	due := make([]uint64, 0, len(s.pending))
	for id, p := range s.pending {
		if p.lastDelivered.IsZero() || now.Sub(p.lastDelivered) >= deadline {
			due = append(due, id)
			p.lastDelivered = now
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i] < due[j] })
	msgs := make([]*Message, 0, len(due))
	for _, id := range due {
		id := id
		msgs = append(msgs, &Message{
			ID:   strconv.FormatUint(id, 10),
			Data: s.pending[id].data,
			ack:  func() { s.ackMessage(id) },
		})
	}
	s.mu.Unlock()

	for _, m := range msgs {
		handler(m)
	}
}

func (s *memorySubscription) ackMessage(id uint64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// Delete removes the subscription from its topic.
func (s *memorySubscription) Delete(ctx context.Context) error {
	s.topic.bus.mu.Lock()
	_, ok := s.topic.subs[s.name]
	if ok {
		delete(s.topic.subs, s.name)
	}
	s.topic.bus.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	s.close()
	return nil
}

func (s *memorySubscription) close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.pending = make(map[uint64]*pendingMessage)
	}
	s.mu.Unlock()
	s.signal()
}

func (s *memorySubscription) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
