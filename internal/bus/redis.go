package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sentinelops/cybersentinel/internal/frame"
	"github.com/sentinelops/cybersentinel/internal/resilience"
)

// RedisBus implements Bus on Redis Streams. Each topic maps to one stream
// keyed by its subject; each durable name maps to a consumer group on that
// stream, so the server keeps the cursor and the pending-entries list across
// process restarts. The caller builds the redis client and passes it in.
type RedisBus struct {
	rdb     *redis.Client
	opts    Options
	metrics *Metrics

	mu        sync.Mutex
	connected bool
	subs      []*redisSubscription
}

// NewRedisBus wraps an existing redis client. opts are normalized.
func NewRedisBus(rdb *redis.Client, opts Options, metrics *Metrics) *RedisBus {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &RedisBus{rdb: rdb, opts: opts.Normalize(), metrics: metrics}
}

// Connect verifies connectivity and creates the DLQ stream. Idempotent.
func (b *RedisBus) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: redis ping: %v", ErrBackendFailure, err)
	}
	// Creating a throwaway retention group materializes the DLQ stream so
	// operators can inspect it before anything is quarantined.
	err := b.rdb.XGroupCreateMkStream(ctx, b.opts.DLQSubject(), "cs-dlq-retention", "$").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("%w: create dlq stream: %v", ErrBackendFailure, err)
	}
	b.connected = true
	slog.Info("bus connected", "backend", "redis", "prefix", b.opts.StreamPrefix)
	return nil
}

// Disconnect drains all subscriptions and marks the bus closed. The redis
// client itself stays open; its lifetime belongs to the caller. Idempotent.
func (b *RedisBus) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.connected = false
	b.mu.Unlock()
	for _, s := range subs {
		if err := s.Drain(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Emit publishes a frame and returns once redis has assigned it a stream ID.
// Transient backend failures are retried briefly before surfacing.
func (b *RedisBus) Emit(ctx context.Context, topic string, f *frame.Frame) error {
	b.mu.Lock()
	connected := b.connected
	b.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	if err := f.Validate(); err != nil {
		return err
	}
	body, err := b.opts.Codec.Encode(f)
	if err != nil {
		return err
	}
	variant, _ := f.Variant()

	err = resilience.Retry(ctx,
		resilience.Policy{Attempts: 3, Base: 100 * time.Millisecond, Factor: 2, Cap: time.Second},
		func(ctx context.Context) error {
			return b.rdb.XAdd(ctx, &redis.XAddArgs{
				Stream: b.opts.Subject(topic),
				Values: map[string]interface{}{
					"body":    body,
					"variant": string(variant),
				},
			}).Err()
		})
	if err != nil {
		return fmt.Errorf("%w: publish %s: %v", ErrBackendFailure, topic, err)
	}
	b.metrics.Published(topic)
	return nil
}

// Subscribe attaches a durable consumer group to the topic stream and starts
// the pull loop. The durable cursor starts at the beginning of the stream the
// first time the group is created.
func (b *RedisBus) Subscribe(ctx context.Context, topic, durable string, h Handler) (Subscription, error) {
	b.mu.Lock()
	connected := b.connected
	b.mu.Unlock()
	if !connected {
		return nil, ErrNotConnected
	}

	subject := b.opts.Subject(topic)
	err := b.rdb.XGroupCreateMkStream(ctx, subject, durable, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return nil, fmt.Errorf("%w: create group %s on %s: %v", ErrBackendFailure, durable, subject, err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &redisSubscription{
		bus:      b,
		topic:    topic,
		durable:  durable,
		consumer: durable + "-0",
		handler:  h,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go sub.loop(subCtx)
	return sub, nil
}

// Metrics returns the bus counters.
func (b *RedisBus) Metrics() *Metrics { return b.metrics }

// deadLetter re-publishes a frame body on the DLQ stream with the standard
// headers. The caller acks the original afterwards.
func (b *RedisBus) deadLetter(ctx context.Context, subject string, body []byte, cause error, attempts int) error {
	values := map[string]interface{}{"body": body}
	for k, v := range dlqHeaders(subject, cause, attempts) {
		values[k] = v
	}
	if err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: b.opts.DLQSubject(),
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("%w: dead-letter publish: %v", ErrBackendFailure, err)
	}
	return nil
}

// ============================================================================
// SUBSCRIPTION PULL LOOP
// ============================================================================

type redisSubscription struct {
	bus      *RedisBus
	topic    string
	durable  string
	consumer string
	handler  Handler
	cancel   context.CancelFunc
	done     chan struct{}
}

func (s *redisSubscription) Drain(ctx context.Context) error {
	s.cancel()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *redisSubscription) loop(ctx context.Context) {
	defer close(s.done)
	subject := s.bus.opts.Subject(s.topic)
	var lastReclaim time.Time

	for {
		if ctx.Err() != nil {
			return
		}
		// Periodically adopt messages abandoned in the PEL by dead consumers.
		if time.Since(lastReclaim) >= s.bus.opts.AckWait {
			if !s.reclaim(ctx, subject) {
				return
			}
			lastReclaim = time.Now()
		}

		count := s.bus.opts.FetchBatch
		if count > s.bus.opts.MaxAckPending {
			count = s.bus.opts.MaxAckPending
		}
		streams, err := s.bus.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.durable,
			Consumer: s.consumer,
			Streams:  []string{subject, ">"},
			Count:    int64(count),
			Block:    s.bus.opts.BlockTimeout,
		}).Result()
		switch {
		case err == redis.Nil:
			continue
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return
		case err != nil:
			slog.Warn("bus fetch failed", "subject", subject, "durable", s.durable, "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				if !s.process(ctx, subject, msg, 1) {
					return
				}
			}
		}
		s.sampleLag(ctx, subject)
	}
}

// process settles one fetched message. Returns false when the loop must stop
// (cancellation); the message then stays pending for redelivery.
func (s *redisSubscription) process(ctx context.Context, subject string, msg redis.XMessage, firstAttempt int) bool {
	body, _ := msg.Values["body"].(string)
	settled, err := runDelivery(ctx, s.bus.opts, s.bus.metrics, s.handler,
		s.topic, []byte(body), firstAttempt, s.bus.deadLetter)
	if settled {
		if ackErr := s.bus.rdb.XAck(ctx, subject, s.durable, msg.ID).Err(); ackErr != nil {
			slog.Warn("bus ack failed", "subject", subject, "id", msg.ID, "error", ackErr)
		}
	}
	return err == nil
}

// reclaim pulls messages whose consumer went away and re-runs delivery for
// them, continuing their attempt count from the server-side delivery counter.
// Returns false on cancellation.
func (s *redisSubscription) reclaim(ctx context.Context, subject string) bool {
	start := "0-0"
	for {
		msgs, next, err := s.bus.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   subject,
			Group:    s.durable,
			Consumer: s.consumer,
			MinIdle:  s.bus.opts.AckWait,
			Start:    start,
			Count:    int64(s.bus.opts.FetchBatch),
		}).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return false
			}
			slog.Warn("bus reclaim failed", "subject", subject, "error", err)
			return true
		}
		if len(msgs) == 0 {
			return true
		}
		attempts := s.deliveryCounts(ctx, subject, msgs)
		for _, msg := range msgs {
			first := attempts[msg.ID]
			if first < 1 {
				first = 1
			}
			if !s.process(ctx, subject, msg, first) {
				return false
			}
		}
		if next == "0-0" {
			return true
		}
		start = next
	}
}

// deliveryCounts reads the server-side delivery counter for claimed messages.
func (s *redisSubscription) deliveryCounts(ctx context.Context, subject string, msgs []redis.XMessage) map[string]int {
	counts := make(map[string]int, len(msgs))
	pend, err := s.bus.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: subject,
		Group:  s.durable,
		Start:  msgs[0].ID,
		End:    msgs[len(msgs)-1].ID,
		Count:  int64(len(msgs)),
	}).Result()
	if err != nil {
		return counts
	}
	for _, p := range pend {
		counts[p.ID] = int(p.RetryCount)
	}
	return counts
}

// sampleLag records the group's undelivered-entry count after a fetch batch.
func (s *redisSubscription) sampleLag(ctx context.Context, subject string) {
	groups, err := s.bus.rdb.XInfoGroups(ctx, subject).Result()
	if err != nil {
		return
	}
	for _, g := range groups {
		if g.Name == s.durable {
			s.bus.metrics.ObserveLag(s.topic, s.durable, g.Lag)
			return
		}
	}
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

var _ Bus = (*RedisBus)(nil)
