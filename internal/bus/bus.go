// Package bus carries incident frames between producers, the orchestrator,
// and downstream persistence with durable, at-least-once delivery. Two
// backends implement the same contract: RedisBus on Redis Streams for
// cross-process deployments and MemoryBus for tests and single-process runs,
// mirroring the durable/in-memory split used elsewhere in the platform.
package bus

import (
	"context"
	"errors"
	"time"

	"github.com/sentinelops/cybersentinel/internal/frame"
	"github.com/sentinelops/cybersentinel/internal/resilience"
)

// Bus errors.
var (
	ErrNotConnected   = errors.New("bus not connected")
	ErrBackendFailure = errors.New("bus backend failure")
)

// Dead-letter headers attached to quarantined frames.
const (
	HeaderOriginalSubject = "CS-Original-Subject"
	HeaderError           = "CS-Error"
	HeaderDeadLetteredAt  = "CS-Dead-Lettered-At"
	HeaderNumDelivered    = "CS-Num-Delivered"
)

// maxErrorHeaderLen bounds the CS-Error header value.
const maxErrorHeaderLen = 256

// Handler processes one delivered frame. Returning nil acknowledges the
// frame; returning an error naks it, triggering backoff and eventually the
// DLQ. Handlers must be idempotent on (incident_id, frame id): delivery is
// at-least-once.
type Handler func(ctx context.Context, f *frame.Frame) error

// Subscription is a running durable consumer.
type Subscription interface {
	// Drain stops fetching, lets any in-flight delivery finish, and returns.
	// Unacked frames stay pending and are redelivered later.
	Drain(ctx context.Context) error
}

// Bus is the durable frame transport.
type Bus interface {
	// Connect is idempotent; it establishes the backend connection and
	// creates the main and DLQ streams.
	Connect(ctx context.Context) error
	// Disconnect drains nothing by itself; callers drain subscriptions first.
	Disconnect(ctx context.Context) error
	// Emit publishes a frame on a topic and returns once the backend has
	// acknowledged it with a sequence number.
	Emit(ctx context.Context, topic string, f *frame.Frame) error
	// Subscribe attaches a durable pull consumer to a topic. Delivery order
	// matches publish order within the topic for one durable name.
	Subscribe(ctx context.Context, topic, durable string, h Handler) (Subscription, error)
	// Metrics exposes the in-process counters for this bus instance.
	Metrics() *Metrics
}

// Options tunes delivery behavior. The zero value is completed by Normalize.
type Options struct {
	// StreamPrefix maps user topic X to subject "<prefix>.X". Default "cs".
	StreamPrefix string
	// MaxAckPending bounds unacked in-flight frames per durable. Default 256.
	MaxAckPending int
	// MaxDeliver is the delivery attempt on which a failing frame is
	// dead-lettered instead of retried. Default 5.
	MaxDeliver int
	// Backoff shapes the nak redelivery delays. Default 1s / 2.0 / 30s.
	Backoff resilience.Policy
	// FetchBatch is the pull batch size. Default 16.
	FetchBatch int
	// BlockTimeout is how long a fetch blocks waiting for frames. Default 2s.
	BlockTimeout time.Duration
	// AckWait is how long an unacked frame may sit with a dead consumer
	// before it is reclaimed. Default 30s.
	AckWait time.Duration
	// Codec encodes frames on the wire. Default JSON.
	Codec frame.Codec
}

// Normalize fills unset options with defaults.
func (o Options) Normalize() Options {
	if o.StreamPrefix == "" {
		o.StreamPrefix = "cs"
	}
	if o.MaxAckPending <= 0 {
		o.MaxAckPending = 256
	}
	if o.MaxDeliver <= 0 {
		o.MaxDeliver = 5
	}
	if o.Backoff.Base <= 0 {
		o.Backoff.Base = time.Second
	}
	if o.Backoff.Factor <= 0 {
		o.Backoff.Factor = 2.0
	}
	if o.Backoff.Cap <= 0 {
		o.Backoff.Cap = 30 * time.Second
	}
	if o.FetchBatch <= 0 {
		o.FetchBatch = 16
	}
	if o.BlockTimeout <= 0 {
		o.BlockTimeout = 2 * time.Second
	}
	if o.AckWait <= 0 {
		o.AckWait = 30 * time.Second
	}
	if o.Codec == nil {
		o.Codec = frame.JSONCodec{}
	}
	return o
}

// Subject maps a user-level topic to its stream subject.
func (o Options) Subject(topic string) string {
	return o.StreamPrefix + "." + topic
}

// DLQSubject is the dead-letter stream subject.
func (o Options) DLQSubject() string {
	return o.StreamPrefix + ".dlq"
}

// truncateError renders an error for the CS-Error header, capped at 256 chars.
func truncateError(err error) string {
	msg := err.Error()
	if len(msg) > maxErrorHeaderLen {
		msg = msg[:maxErrorHeaderLen]
	}
	return msg
}
