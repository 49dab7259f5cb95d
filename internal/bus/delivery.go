package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// deadLetterFn moves a frame body onto the DLQ stream with the standard
// headers. attempts is the total number of delivery attempts consumed.
type deadLetterFn func(ctx context.Context, subject string, body []byte, cause error, attempts int) error

// dlqHeaders builds the header map written alongside a dead-lettered body.
func dlqHeaders(subject string, cause error, attempts int) map[string]string {
	return map[string]string{
		HeaderOriginalSubject: subject,
		HeaderError:           truncateError(cause),
		HeaderDeadLetteredAt:  fmt.Sprintf("%d", time.Now().UnixMilli()),
		HeaderNumDelivered:    fmt.Sprintf("%d", attempts),
	}
}

// runDelivery drives one fetched message through the handler with nak/backoff
// semantics. firstAttempt is the delivery attempt this call starts at (>1 for
// messages reclaimed from a dead consumer). It returns true when the message
// is settled — processed successfully or dead-lettered — and should be acked
// on the main stream. False means delivery was interrupted (cancellation) and
// the message must stay pending for redelivery.
//
// A poison message therefore never stalls a durable forever: it either
// processes, backs off, or lands on the DLQ after the MaxDeliver-th failure.
func runDelivery(
	ctx context.Context,
	opts Options,
	m *Metrics,
	h Handler,
	topic string,
	body []byte,
	firstAttempt int,
	dead deadLetterFn,
) (settled bool, err error) {
	subject := opts.Subject(topic)

	f, decErr := opts.Codec.Decode(body)
	if decErr != nil {
		// Undecodable bodies can never succeed; quarantine immediately.
		m.Naked(topic)
		if err := dead(ctx, subject, body, decErr, firstAttempt); err != nil {
			return false, err
		}
		m.DeadLettered(topic)
		return true, nil
	}

	if firstAttempt < 1 {
		firstAttempt = 1
	}
	for attempt := firstAttempt; ; attempt++ {
		if attempt > firstAttempt {
			m.Redelivered(topic)
		}
		m.Consumed(topic)

		start := time.Now()
		hErr := h(ctx, f)
		m.ObserveLatency(time.Since(start))

		if hErr == nil {
			m.Acked(topic)
			return true, nil
		}
		m.Naked(topic)

		if attempt >= opts.MaxDeliver {
			slog.Warn("dead-lettering frame",
				"subject", subject, "attempts", attempt, "error", hErr)
			if err := dead(ctx, subject, body, hErr, attempt); err != nil {
				return false, err
			}
			m.DeadLettered(topic)
			return true, nil
		}

		select {
		case <-time.After(opts.Backoff.Delay(attempt)):
		case <-ctx.Done():
			// Leave the message pending; it will be redelivered.
			return false, ctx.Err()
		}
	}
}
