package bus

import (
	"context"
	"sync"

	"github.com/sentinelops/cybersentinel/internal/frame"
)

// MemoryBus implements Bus with in-process topic logs and per-durable
// cursors. Delivery semantics match RedisBus — at-least-once, per-durable
// order, nak backoff, DLQ — which makes it the test double for every bus
// consumer and a reasonable backend for single-process deployments.
type MemoryBus struct {
	opts    Options
	metrics *Metrics

	mu        sync.Mutex
	cond      *sync.Cond
	connected bool
	topics    map[string]*memTopic
	dlq       []DeadLetter
	subs      []*memSubscription
}

// DeadLetter is one quarantined frame, exposed for inspection and tests.
type DeadLetter struct {
	Subject string // DLQ subject
	Headers map[string]string
	Body    []byte
}

type memTopic struct {
	entries [][]byte
	// settled counts per durable: entries below this cursor are acked.
	cursors map[string]int
}

// NewMemoryBus builds an in-process bus.
func NewMemoryBus(opts Options, metrics *Metrics) *MemoryBus {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	b := &MemoryBus{
		opts:    opts.Normalize(),
		metrics: metrics,
		topics:  make(map[string]*memTopic),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *MemoryBus) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = true
	return nil
}

func (b *MemoryBus) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.connected = false
	b.mu.Unlock()
	b.cond.Broadcast()
	for _, s := range subs {
		if err := s.Drain(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (b *MemoryBus) Emit(ctx context.Context, topic string, f *frame.Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	body, err := b.opts.Codec.Encode(f)
	if err != nil {
		return err
	}
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return ErrNotConnected
	}
	t := b.topic(topic)
	t.entries = append(t.entries, body)
	b.mu.Unlock()
	b.cond.Broadcast()
	b.metrics.Published(topic)
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, topic, durable string, h Handler) (Subscription, error) {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil, ErrNotConnected
	}
	t := b.topic(topic)
	if _, ok := t.cursors[durable]; !ok {
		t.cursors[durable] = 0
	}
	b.mu.Unlock()

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &memSubscription{
		bus:     b,
		topic:   topic,
		durable: durable,
		handler: h,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go sub.loop(subCtx)
	return sub, nil
}

func (b *MemoryBus) Metrics() *Metrics { return b.metrics }

// DLQ returns a copy of the dead-letter stream contents.
func (b *MemoryBus) DLQ() []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]DeadLetter, len(b.dlq))
	copy(out, b.dlq)
	return out
}

// Pending returns how many frames on a topic a durable has not yet settled.
func (b *MemoryBus) Pending(topic, durable string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.topic(topic)
	return len(t.entries) - t.cursors[durable]
}

// topic returns the named topic log, creating it if needed. Caller holds mu.
func (b *MemoryBus) topic(name string) *memTopic {
	t, ok := b.topics[name]
	if !ok {
		t = &memTopic{cursors: make(map[string]int)}
		b.topics[name] = t
	}
	return t
}

func (b *MemoryBus) deadLetter(ctx context.Context, subject string, body []byte, cause error, attempts int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dlq = append(b.dlq, DeadLetter{
		Subject: b.opts.DLQSubject(),
		Headers: dlqHeaders(subject, cause, attempts),
		Body:    body,
	})
	return nil
}

// ============================================================================
// SUBSCRIPTION LOOP
// ============================================================================

type memSubscription struct {
	bus     *MemoryBus
	topic   string
	durable string
	handler Handler
	cancel  context.CancelFunc
	done    chan struct{}
}

func (s *memSubscription) Drain(ctx context.Context) error {
	s.cancel()
	s.bus.cond.Broadcast()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *memSubscription) loop(ctx context.Context) {
	defer close(s.done)

	// Wake the cond wait when the subscription is cancelled.
	go func() {
		<-ctx.Done()
		s.bus.cond.Broadcast()
	}()

	for {
		s.bus.mu.Lock()
		t := s.bus.topic(s.topic)
		for t.cursors[s.durable] >= len(t.entries) && ctx.Err() == nil {
			s.bus.cond.Wait()
		}
		if ctx.Err() != nil {
			s.bus.mu.Unlock()
			return
		}
		idx := t.cursors[s.durable]
		body := t.entries[idx]
		lag := int64(len(t.entries) - idx)
		s.bus.mu.Unlock()

		s.bus.metrics.ObserveLag(s.topic, s.durable, lag)

		settled, err := runDelivery(ctx, s.bus.opts, s.bus.metrics, s.handler,
			s.topic, body, 1, s.bus.deadLetter)
		if settled {
			s.bus.mu.Lock()
			t.cursors[s.durable] = idx + 1
			s.bus.mu.Unlock()
		}
		if err != nil {
			// Cancelled mid-delivery; the unsettled frame stays pending.
			return
		}
	}
}

var _ Bus = (*MemoryBus)(nil)
