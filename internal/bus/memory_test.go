package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/cybersentinel/internal/frame"
	"github.com/sentinelops/cybersentinel/internal/resilience"
)

func fastOptions() Options {
	return Options{
		Backoff:      resilience.Policy{Base: time.Millisecond, Factor: 2, Cap: 5 * time.Millisecond},
		BlockTimeout: 10 * time.Millisecond,
	}
}

func alertFrame(incident, id string) *frame.Frame {
	return frame.NewAlertFrame(incident, &frame.Alert{
		TS:       frame.Now(),
		ID:       id,
		Severity: frame.SeverityMedium,
		Summary:  "test alert " + id,
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached within deadline")
}

func TestMemoryBusRequiresConnect(t *testing.T) {
	b := NewMemoryBus(fastOptions(), nil)
	err := b.Emit(context.Background(), "alerts", alertFrame("inc-1", "a1"))
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = b.Subscribe(context.Background(), "alerts", "triage", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestMemoryBusDeliversInPublishOrder(t *testing.T) {
	b := NewMemoryBus(fastOptions(), nil)
	require.NoError(t, b.Connect(context.Background()))

	var mu sync.Mutex
	var got []string
	sub, err := b.Subscribe(context.Background(), "alerts", "triage",
		func(ctx context.Context, f *frame.Frame) error {
			mu.Lock()
			got = append(got, f.Alert.ID)
			mu.Unlock()
			return nil
		})
	require.NoError(t, err)
	defer sub.Drain(context.Background())

	var want []string
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("a%02d", i)
		want = append(want, id)
		require.NoError(t, b.Emit(context.Background(), "alerts", alertFrame("inc-1", id)))
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == len(want)
	})
	mu.Lock()
	assert.Equal(t, want, got)
	mu.Unlock()

	snap := b.Metrics().Snapshot()
	assert.Equal(t, uint64(20), snap.Published)
	assert.Equal(t, uint64(20), snap.Acked)
	assert.Zero(t, snap.Naked)
	assert.Zero(t, snap.DeadLettered)
}

func TestMemoryBusAcksExactlyOncePerSuccess(t *testing.T) {
	b := NewMemoryBus(fastOptions(), nil)
	require.NoError(t, b.Connect(context.Background()))

	seen := make(map[string]int)
	var mu sync.Mutex
	sub, err := b.Subscribe(context.Background(), "alerts", "triage",
		func(ctx context.Context, f *frame.Frame) error {
			mu.Lock()
			seen[f.Alert.ID]++
			mu.Unlock()
			return nil
		})
	require.NoError(t, err)
	defer sub.Drain(context.Background())

	require.NoError(t, b.Emit(context.Background(), "alerts", alertFrame("inc-1", "once")))
	waitFor(t, func() bool { return b.Pending("alerts", "triage") == 0 })

	// Give it a moment to prove the frame does not reappear.
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, seen["once"])
	mu.Unlock()
	assert.Equal(t, uint64(1), b.Metrics().Snapshot().Acked)
}

func TestMemoryBusDeadLettersPoisonFrame(t *testing.T) {
	opts := fastOptions()
	opts.MaxDeliver = 3
	b := NewMemoryBus(opts, nil)
	require.NoError(t, b.Connect(context.Background()))

	attempts := 0
	var mu sync.Mutex
	sub, err := b.Subscribe(context.Background(), "alerts", "triage",
		func(ctx context.Context, f *frame.Frame) error {
			mu.Lock()
			attempts++
			mu.Unlock()
			return errors.New("handler always fails")
		})
	require.NoError(t, err)
	defer sub.Drain(context.Background())

	require.NoError(t, b.Emit(context.Background(), "alerts", alertFrame("inc-1", "poison")))
	waitFor(t, func() bool { return len(b.DLQ()) == 1 })

	mu.Lock()
	assert.Equal(t, 3, attempts)
	mu.Unlock()

	dlq := b.DLQ()
	require.Len(t, dlq, 1)
	assert.Equal(t, "cs.dlq", dlq[0].Subject)
	assert.Equal(t, "cs.alerts", dlq[0].Headers[HeaderOriginalSubject])
	assert.Equal(t, "3", dlq[0].Headers[HeaderNumDelivered])
	assert.Equal(t, "handler always fails", dlq[0].Headers[HeaderError])
	assert.NotEmpty(t, dlq[0].Headers[HeaderDeadLetteredAt])

	// The frame body on the DLQ is the original, still decodable.
	f, err := opts.Normalize().Codec.Decode(dlq[0].Body)
	require.NoError(t, err)
	assert.Equal(t, "poison", f.Alert.ID)

	assert.Equal(t, 0, b.Pending("alerts", "triage"), "main stream must no longer hold the frame")
	snap := b.Metrics().Snapshot()
	assert.Equal(t, uint64(3), snap.Naked)
	assert.Equal(t, uint64(1), snap.DeadLettered)
	assert.Equal(t, uint64(2), snap.Redeliveries)
}

func TestMemoryBusRecoversAfterTransientFailure(t *testing.T) {
	b := NewMemoryBus(fastOptions(), nil)
	require.NoError(t, b.Connect(context.Background()))

	attempts := 0
	var mu sync.Mutex
	sub, err := b.Subscribe(context.Background(), "alerts", "triage",
		func(ctx context.Context, f *frame.Frame) error {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts < 3 {
				return errors.New("transient")
			}
			return nil
		})
	require.NoError(t, err)
	defer sub.Drain(context.Background())

	require.NoError(t, b.Emit(context.Background(), "alerts", alertFrame("inc-1", "flaky")))
	waitFor(t, func() bool { return b.Pending("alerts", "triage") == 0 })

	assert.Empty(t, b.DLQ())
	snap := b.Metrics().Snapshot()
	assert.Equal(t, uint64(1), snap.Acked)
	assert.Equal(t, uint64(2), snap.Naked)
}

func TestMemoryBusDeadLettersUndecodableBody(t *testing.T) {
	b := NewMemoryBus(fastOptions(), nil)
	require.NoError(t, b.Connect(context.Background()))

	// Inject garbage directly into the topic log.
	b.mu.Lock()
	b.topic("alerts").entries = append(b.topic("alerts").entries, []byte("not a frame"))
	b.mu.Unlock()
	b.cond.Broadcast()

	sub, err := b.Subscribe(context.Background(), "alerts", "triage",
		func(ctx context.Context, f *frame.Frame) error { return nil })
	require.NoError(t, err)
	defer sub.Drain(context.Background())

	waitFor(t, func() bool { return len(b.DLQ()) == 1 })
	assert.Equal(t, 0, b.Pending("alerts", "triage"))
}

func TestMemoryBusIndependentDurables(t *testing.T) {
	b := NewMemoryBus(fastOptions(), nil)
	require.NoError(t, b.Connect(context.Background()))

	var mu sync.Mutex
	counts := map[string]int{}
	handler := func(name string) Handler {
		return func(ctx context.Context, f *frame.Frame) error {
			mu.Lock()
			counts[name]++
			mu.Unlock()
			return nil
		}
	}
	s1, err := b.Subscribe(context.Background(), "alerts", "triage", handler("triage"))
	require.NoError(t, err)
	defer s1.Drain(context.Background())
	s2, err := b.Subscribe(context.Background(), "alerts", "archiver", handler("archiver"))
	require.NoError(t, err)
	defer s2.Drain(context.Background())

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Emit(context.Background(), "alerts", alertFrame("inc-1", fmt.Sprintf("a%d", i))))
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return counts["triage"] == 5 && counts["archiver"] == 5
	})
}

func TestMetricsPercentiles(t *testing.T) {
	m := NewMetrics(nil)
	for i := 1; i <= 100; i++ {
		m.ObserveLatency(time.Duration(i) * time.Millisecond)
	}
	snap := m.Snapshot()
	assert.InDelta(t, 0.050, snap.LatencyP50, 0.002)
	assert.InDelta(t, 0.095, snap.LatencyP95, 0.002)
	assert.InDelta(t, 0.099, snap.LatencyP99, 0.002)
}

func TestMetricsMaxLag(t *testing.T) {
	m := NewMetrics(nil)
	m.ObserveLag("alerts", "triage", 3)
	m.ObserveLag("alerts", "triage", 10)
	m.ObserveLag("alerts", "triage", 7)
	assert.Equal(t, int64(10), m.Snapshot().MaxLag)
}
