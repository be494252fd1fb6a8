package bus

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// postgresRetention is how long acked/unclaimed messages stay in the outbox
// before the janitor removes them.
const postgresRetention = time.Hour

const postgresSchema = `
CREATE TABLE IF NOT EXISTS bus_topics (
	name       text PRIMARY KEY,
	created_at timestamptz NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS bus_subscriptions (
	name       text PRIMARY KEY,
	topic      text NOT NULL REFERENCES bus_topics(name) ON DELETE CASCADE,
	start_id   bigint NOT NULL DEFAULT 0,
	created_at timestamptz NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS bus_messages (
	id           bigserial PRIMARY KEY,
	topic        text NOT NULL REFERENCES bus_topics(name) ON DELETE CASCADE,
	payload      bytea NOT NULL,
	published_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS bus_messages_topic_id_idx ON bus_messages (topic, id);
CREATE TABLE IF NOT EXISTS bus_acks (
	subscription text NOT NULL REFERENCES bus_subscriptions(name) ON DELETE CASCADE,
	message_id   bigint NOT NULL REFERENCES bus_messages(id) ON DELETE CASCADE,
	acked_at     timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (subscription, message_id)
);
`

// PostgresBus implements Client on PostgreSQL. Messages live in an outbox
// table, subscriptions track acks per message, and LISTEN/NOTIFY wakes
// receivers so polling is a fallback rather than the primary path.
//
// Good for moderate message rates without extra infrastructure. For higher
// scale use RedisBus.
type PostgresBus struct {
	pool        *pgxpool.Pool
	ackDeadline time.Duration
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	started     bool
	mu          sync.Mutex
}

// NewPostgresBus creates a PostgreSQL-backed bus and ensures its schema.
func NewPostgresBus(ctx context.Context, pool *pgxpool.Pool, ackDeadline time.Duration) (*PostgresBus, error) {
	if ackDeadline <= 0 {
		ackDeadline = DefaultAckDeadline
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("ensure bus schema: %w", err)
	}

	busCtx, cancel := context.WithCancel(context.Background())
	return &PostgresBus{
		pool:        pool,
		ackDeadline: ackDeadline,
		ctx:         busCtx,
		cancel:      cancel,
	}, nil
}

// Start launches the retention janitor. Must be called once after creation.
func (b *PostgresBus) Start() error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = true
	b.mu.Unlock()

	b.wg.Add(1)
	go b.janitorLoop()

	log.Info().Msg("PostgreSQL bus started")
	return nil
}

// janitorLoop removes messages past the retention window.
func (b *PostgresBus) janitorLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(postgresRetention / 4)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			tag, err := b.pool.Exec(b.ctx,
				`DELETE FROM bus_messages WHERE published_at < now() - $1::interval`,
				postgresRetention.String())
			if err != nil {
				if b.ctx.Err() == nil {
					log.Warn().Err(err).Msg("Bus retention sweep failed")
				}
				continue
			}
			if n := tag.RowsAffected(); n > 0 {
				log.Debug().Int64("messages", n).Msg("Bus retention sweep removed expired messages")
			}
		}
	}
}

// CreateTopic creates a topic row, or returns ErrTopicExists.
func (b *PostgresBus) CreateTopic(ctx context.Context, name string) (Topic, error) {
	tag, err := b.pool.Exec(ctx,
		`INSERT INTO bus_topics (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, name)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrTopicExists
	}
	return &postgresTopic{name: name, bus: b}, nil
}

// Topic returns an existing topic, or ErrNotFound.
func (b *PostgresBus) Topic(ctx context.Context, name string) (Topic, error) {
	var one int
	err := b.pool.QueryRow(ctx, `SELECT 1 FROM bus_topics WHERE name = $1`, name).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &postgresTopic{name: name, bus: b}, nil
}

// CreateSubscription registers a subscription starting at the topic's
// current high-water mark, returning the existing one when already present.
func (b *PostgresBus) CreateSubscription(ctx context.Context, name string, topic Topic) (Subscription, error) {
	t, ok := topic.(*postgresTopic)
	if !ok {
		return nil, ErrNotFound
	}
	_, err := b.pool.Exec(ctx,
		`INSERT INTO bus_subscriptions (name, topic, start_id)
		 VALUES ($1, $2, COALESCE((SELECT max(id) FROM bus_messages WHERE topic = $2), 0))
		 ON CONFLICT (name) DO NOTHING`,
		name, t.name)
	if err != nil {
		return nil, err
	}
	var startID int64
	if err := b.pool.QueryRow(ctx,
		`SELECT start_id FROM bus_subscriptions WHERE name = $1`, name).Scan(&startID); err != nil {
		return nil, err
	}
	return &postgresSubscription{
		name:      name,
		topic:     t,
		bus:       b,
		startID:   startID,
		delivered: make(map[int64]time.Time),
	}, nil
}

// Close stops the janitor and all receive loops. The pool is owned by the
// caller and is not closed here.
func (b *PostgresBus) Close() error {
	b.cancel()
	b.wg.Wait()
	log.Info().Msg("PostgreSQL bus closed")
	return nil
}

type postgresTopic struct {
	name string
	bus  *PostgresBus
}

func (t *postgresTopic) Name() string { return t.name }

// Publish inserts the payload into the outbox and notifies listeners.
func (t *postgresTopic) Publish(ctx context.Context, payload []byte) error {
	_, err := t.bus.pool.Exec(ctx,
		`WITH ins AS (
			INSERT INTO bus_messages (topic, payload) VALUES ($1, $2) RETURNING id
		 )
		 SELECT pg_notify($3, id::text) FROM ins`,
		t.name, payload, notifyChannel(t.name))
	return err
}

// notifyChannel derives a safe NOTIFY channel name for a topic.
// PostgreSQL channel names can't contain arbitrary characters.
func notifyChannel(topic string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, topic)
	return "bus_" + safe
}

type postgresSubscription struct {
	name      string
	topic     *postgresTopic
	bus       *PostgresBus
	startID   int64
	delivered map[int64]time.Time
	closed    bool
	mu        sync.Mutex
}

func (s *postgresSubscription) Name() string { return s.name }

// Receive polls the outbox for unacked messages, using LISTEN to wake up
// early when something is published. Messages the handler leaves unacked
// are handed out again once the ack deadline passes.
func (s *postgresSubscription) Receive(ctx context.Context, handler func(*Message)) error {
	s.bus.wg.Add(1)
	defer s.bus.wg.Done()

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

		// Acquire a dedicated connection for LISTEN.
		conn, err := s.bus.pool.Acquire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().Err(err).Str("subscription", s.name).Msg("Failed to acquire connection for bus LISTEN")
			time.Sleep(time.Second)
			continue
		}

		if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel(s.topic.name)); err != nil {
			conn.Release()
			log.Error().Err(err).Str("subscription", s.name).Msg("Failed to LISTEN on bus channel")
			time.Sleep(time.Second)
			continue
		}

		err = s.pumpLoop(ctx, conn, handler)
		conn.Release()
		if err != nil || s.Closed() {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			if err != nil && ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		}
		// Connection-level failure: back off and re-listen.
		time.Sleep(time.Second)
	}
}

// pumpLoop alternates between dispatching due messages and waiting for a
// notification, until the context ends, the subscription disappears, or the
// connection breaks (returned as nil so the caller re-listens).
func (s *postgresSubscription) pumpLoop(ctx context.Context, conn *pgxpool.Conn, handler func(*Message)) error {
	for {
		exists, err := s.stillExists(ctx)
		if err != nil {
			return nil
		}
		if !exists {
			s.markClosed()
			return nil
		}

		if err := s.dispatchDue(ctx, handler); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn().Err(err).Str("subscription", s.name).Msg("Bus fetch failed")
			return nil
		}

		interval := s.bus.ackDeadline / 2
		if interval < 250*time.Millisecond {
			interval = 250 * time.Millisecond
		}
		waitCtx, cancel := context.WithTimeout(ctx, interval)
		_, err = conn.Conn().WaitForNotification(waitCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if waitCtx.Err() == context.DeadlineExceeded {
				continue // poll fallback
			}
			return nil // broken connection, re-listen
		}
	}
}

func (s *postgresSubscription) stillExists(ctx context.Context) (bool, error) {
	var one int
	err := s.bus.pool.QueryRow(ctx,
		`SELECT 1 FROM bus_subscriptions WHERE name = $1`, s.name).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// dropDeliveredBelow removes redelivery bookkeeping for message ids below
// floor. Rows below the floor are gone from the outbox, so without this the
// entries of messages that were never acked (a message another consumer was
// meant to claim, for example) would linger after the janitor prunes them.
func dropDeliveredBelow(delivered map[int64]time.Time, floor int64) {
	for id := range delivered {
		if id < floor {
			delete(delivered, id)
		}
	}
}

// pruneDelivered syncs the redelivery bookkeeping with the outbox: entries
// for rows the janitor has removed are dropped.
func (s *postgresSubscription) pruneDelivered(ctx context.Context) {
	var minLive *int64
	if err := s.bus.pool.QueryRow(ctx,
		`SELECT min(id) FROM bus_messages WHERE topic = $1`, s.topic.name).Scan(&minLive); err != nil {
		return
	}
	floor := int64(math.MaxInt64)
	if minLive != nil {
		floor = *minLive
	}
	s.mu.Lock()
	dropDeliveredBelow(s.delivered, floor)
	s.mu.Unlock()
}

// dispatchDue hands unacked messages to the handler, skipping ones handed
// out within the ack deadline.
func (s *postgresSubscription) dispatchDue(ctx context.Context, handler func(*Message)) error {
	s.pruneDelivered(ctx)

	rows, err := s.bus.pool.Query(ctx,
		`SELECT m.id, m.payload FROM bus_messages m
		 WHERE m.topic = $1 AND m.id > $2
		   AND NOT EXISTS (
			SELECT 1 FROM bus_acks a WHERE a.subscription = $3 AND a.message_id = m.id
		   )
		 ORDER BY m.id
		 LIMIT 64`,
		s.topic.name, s.startID, s.name)
	if err != nil {
		return err
	}

	type row struct {
		id      int64
		payload []byte
	}
	var due []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.payload); err != nil {
			rows.Close()
			return err
		}
		due = append(due, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	now := time.Now()
	for _, r := range due {
		s.mu.Lock()
		last, seen := s.delivered[r.id]
		if seen && now.Sub(last) < s.bus.ackDeadline {
			s.mu.Unlock()
			continue
		}
		s.delivered[r.id] = now
		s.mu.Unlock()

		id := r.id
		handler(&Message{
			ID:   fmt.Sprintf("%d", id),
			Data: r.payload,
			ack:  func() { s.ackMessage(id) },
		})
	}
	return nil
}

func (s *postgresSubscription) ackMessage(id int64) {
	_, err := s.bus.pool.Exec(s.bus.ctx,
		`INSERT INTO bus_acks (subscription, message_id) VALUES ($1, $2)
		 ON CONFLICT DO NOTHING`, s.name, id)
	if err != nil && s.bus.ctx.Err() == nil {
		log.Warn().Err(err).Str("subscription", s.name).Int64("message_id", id).Msg("Bus ack failed")
		return
	}
	s.mu.Lock()
	delete(s.delivered, id)
	s.mu.Unlock()
}

// Delete removes the subscription row; acks cascade.
func (s *postgresSubscription) Delete(ctx context.Context) error {
	tag, err := s.bus.pool.Exec(ctx,
		`DELETE FROM bus_subscriptions WHERE name = $1`, s.name)
	if err != nil {
		return err
	}
	s.markClosed()
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresSubscription) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *postgresSubscription) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed || s.bus.ctx.Err() != nil
}
