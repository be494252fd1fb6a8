package bus

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	redisKeyPrefix = "bus:topic:"
	redisMetaAffix = ":meta"

	// redisStreamMaxLen caps topic streams so acked history gets trimmed.
	redisStreamMaxLen = 16384

	redisBlockTime = time.Second
)

// RedisBus implements Client on Redis Streams. A topic is a stream, a
// subscription is a consumer group, and unacked entries stay in the group's
// pending list until they are claimed back and redelivered.
//
// Works against Redis, Dragonfly, Valkey and KeyDB (all via go-redis).
type RedisBus struct {
	client      *redis.Client
	ackDeadline time.Duration
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	closed      bool
	mu          sync.Mutex
}

// NewRedisBus connects to a Redis-compatible server.
// url should be in the format: redis://[password@]host:port[/db]
func NewRedisBus(url string, ackDeadline time.Duration) (*RedisBus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	if ackDeadline <= 0 {
		ackDeadline = DefaultAckDeadline
	}

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	log.Info().Str("addr", opts.Addr).Msg("Connected to Redis-compatible backend for bus")

	ctx, cancel := context.WithCancel(context.Background())
	return &RedisBus{
		client:      client,
		ackDeadline: ackDeadline,
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

func redisStreamKey(name string) string { return redisKeyPrefix + name }
func redisMetaKey(name string) string   { return redisKeyPrefix + name + redisMetaAffix }

// CreateTopic creates a topic, or returns ErrTopicExists.
// Existence is tracked with a marker key since streams are created lazily.
func (b *RedisBus) CreateTopic(ctx context.Context, name string) (Topic, error) {
	created, err := b.client.SetNX(ctx, redisMetaKey(name), "1", 0).Result()
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, ErrTopicExists
	}
	return &redisTopic{name: name, bus: b}, nil
}

// Topic returns an existing topic, or ErrNotFound.
func (b *RedisBus) Topic(ctx context.Context, name string) (Topic, error) {
	n, err := b.client.Exists(ctx, redisMetaKey(name)).Result()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrNotFound
	}
	return &redisTopic{name: name, bus: b}, nil
}

// CreateSubscription creates a consumer group on the topic stream.
// A BUSYGROUP reply means the group already exists, which is fine: the
// caller gets a handle to the existing subscription.
func (b *RedisBus) CreateSubscription(ctx context.Context, name string, topic Topic) (Subscription, error) {
	t, ok := topic.(*redisTopic)
	if !ok {
		return nil, ErrNotFound
	}
	err := b.client.XGroupCreateMkStream(ctx, redisStreamKey(t.name), name, "$").Err()
	if err != nil && !isBusyGroup(err) {
		return nil, err
	}
	return &redisSubscription{name: name, topic: t, bus: b}, nil
}

// Close releases all resources and stops all receive loops.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	err := b.client.Close()
	log.Info().Msg("Redis bus closed")
	return err
}

type redisTopic struct {
	name string
	bus  *RedisBus
}

func (t *redisTopic) Name() string { return t.name }

// Publish appends the payload to the topic stream.
func (t *redisTopic) Publish(ctx context.Context, payload []byte) error {
	return t.bus.client.XAdd(ctx, &redis.XAddArgs{
		Stream: redisStreamKey(t.name),
		MaxLen: redisStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"payload": payload},
	}).Err()
}

type redisSubscription struct {
	name   string
	topic  *redisTopic
	bus    *RedisBus
	closed bool
	mu     sync.Mutex
}

func (s *redisSubscription) Name() string { return s.name }

// Receive reads new entries through the consumer group and periodically
// claims back entries that have sat unacked past the ack deadline.
func (s *redisSubscription) Receive(ctx context.Context, handler func(*Message)) error {
	s.bus.wg.Add(1)
	defer s.bus.wg.Done()

	stream := redisStreamKey(s.topic.name)
	claimCursor := "0-0"
	lastClaim := time.Time{}

	for {
		if s.Closed() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.bus.ctx.Done():
			return nil
		default:
		}

		// Reclaim unacked entries for redelivery.
		if time.Since(lastClaim) >= s.bus.ackDeadline/2 {
			lastClaim = time.Now()
			claimed, next, err := s.bus.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
				Stream:   stream,
				Group:    s.name,
				Consumer: s.name,
				MinIdle:  s.bus.ackDeadline,
				Start:    claimCursor,
				Count:    64,
			}).Result()
			switch {
			case err == nil:
				claimCursor = next
				s.dispatch(ctx, stream, claimed, handler)
			case isNoGroup(err):
				s.markClosed()
				return nil
			case err != redis.Nil:
				log.Warn().Err(err).Str("subscription", s.name).Msg("Bus redelivery claim failed")
			}
		}

		res, err := s.bus.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.name,
			Consumer: s.name,
			Streams:  []string{stream, ">"},
			Count:    64,
			Block:    redisBlockTime,
		}).Result()
		switch {
		case err == redis.Nil:
			continue
		case err != nil:
			if isNoGroup(err) {
				s.markClosed()
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if s.bus.ctx.Err() != nil {
				return nil
			}
			return err
		}

		for _, stm := range res {
			s.dispatch(ctx, stream, stm.Messages, handler)
		}
	}
}

// dispatch hands stream entries to the handler, wiring each Ack to XACK.
func (s *redisSubscription) dispatch(ctx context.Context, stream string, entries []redis.XMessage, handler func(*Message)) {
	for _, entry := range entries {
		payload, _ := entry.Values["payload"].(string)
		id := entry.ID
		handler(&Message{
			ID:   id,
			Data: []byte(payload),
			ack: func() {
				if err := s.bus.client.XAck(ctx, stream, s.name, id).Err(); err != nil {
					log.Warn().Err(err).Str("subscription", s.name).Str("message_id", id).Msg("Bus ack failed")
				}
			},
		})
	}
}

// Delete destroys the consumer group.
func (s *redisSubscription) Delete(ctx context.Context) error {
	n, err := s.bus.client.XGroupDestroy(ctx, redisStreamKey(s.topic.name), s.name).Result()
	if err != nil {
		if isNoGroup(err) {
			s.markClosed()
			return ErrNotFound
		}
		return err
	}
	s.markClosed()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *redisSubscription) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *redisSubscription) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed || s.bus.ctx.Err() != nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

func isNoGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOGROUP")
}
