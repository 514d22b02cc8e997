package settlement

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbd888/holdpay/internal/ledger"
	"github.com/mbd888/holdpay/internal/retry"
	"github.com/mbd888/holdpay/internal/traces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// flakyStore fails its first units of work, or every one when forever is set.
type flakyStore struct {
	*ledger.MemoryStore
	forever  bool
	failures atomic.Int32
	units    atomic.Int32
}

func (s *flakyStore) Atomic(ctx context.Context, fn func(ledger.Unit) error) error {
	s.units.Add(1)
	if s.forever || s.failures.Add(-1) >= 0 {
		return errors.New("connection reset by peer")
	}
	return s.MemoryStore.Atomic(ctx, fn)
}

func testQueueConfig() QueueConfig {
	return QueueConfig{
		Workers:        2,
		Buffer:         16,
		MaxAttempts:    3,
		Backoff:        retry.Schedule{time.Millisecond, 2 * time.Millisecond},
		AttemptTimeout: time.Second,
	}
}

func (f *fixture) flakyWorker(failures int32) (*ReleaseWorker, *flakyStore) {
	fs := &flakyStore{MemoryStore: f.store, forever: failures < 0}
	fs.failures.Store(failures)
	svc := NewService(fs, f.risk, nil).WithClock(f.clock.Now).WithNotifier(f.notifier)
	return NewReleaseWorker(svc), fs
}

func (f *fixture) status(id int64) (ledger.Status, bool) {
	tx, err := f.store.GetTransaction(context.Background(), id)
	if err != nil {
		return "", false
	}
	return tx.Status, tx.InProgress
}

func TestQueueConfig_Defaults(t *testing.T) {
	cfg := QueueConfig{}.withDefaults()
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 60*time.Second, cfg.AttemptTimeout)
	assert.Equal(t, 30*time.Second, cfg.Backoff.Delay(1))
	assert.Equal(t, 60*time.Second, cfg.Backoff.Delay(2))
	assert.Equal(t, 120*time.Second, cfg.Backoff.Delay(3))
	assert.Equal(t, 120*time.Second, cfg.Backoff.Delay(4))
}

func TestQueueConfig_ClaimDeadline(t *testing.T) {
	// 5 x 60s attempts + 30s + 60s + 120s + 120s of backoff.
	assert.Equal(t, 10*time.Minute+30*time.Second, DefaultQueueConfig().ClaimDeadline())

	cfg := QueueConfig{MaxAttempts: 2, AttemptTimeout: time.Second, Backoff: retry.Schedule{5 * time.Second}}
	assert.Equal(t, 7*time.Second, cfg.ClaimDeadline())
}

func TestReleaseQueue_ReleasesEnqueued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := NewReleaseQueue(NewReleaseWorker(f.svc), testQueueConfig(), nil)
	q.Start(ctx)
	defer func() { _ = q.Stop(ctx) }()

	tx := f.dueEscrow(t, "40")
	require.NoError(t, q.Enqueue(tx.ID))

	require.Eventually(t, func() bool {
		status, _ := f.status(tx.ID)
		return status == ledger.StatusCompleted
	}, time.Second, 5*time.Millisecond)
	assertBalances(t, f.get(t, f.receiver.ID), "40", "40")
}

func TestReleaseQueue_RetriesTransientFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	worker, fs := f.flakyWorker(2)
	q := NewReleaseQueue(worker, testQueueConfig(), nil)
	q.Start(ctx)
	defer func() { _ = q.Stop(ctx) }()

	tx := f.dueEscrow(t, "40")
	require.NoError(t, q.Enqueue(tx.ID))

	require.Eventually(t, func() bool {
		status, _ := f.status(tx.ID)
		return status == ledger.StatusCompleted
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), fs.units.Load())
	assertBalances(t, f.get(t, f.receiver.ID), "40", "40")
}

func TestReleaseQueue_TracesEachAttempt(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	f := newFixture(t)
	ctx := context.Background()
	worker, _ := f.flakyWorker(1)
	q := NewReleaseQueue(worker, testQueueConfig(), nil)
	q.Start(ctx)
	defer func() { _ = q.Stop(ctx) }()

	tx := f.dueEscrow(t, "40")
	require.NoError(t, q.Enqueue(tx.ID))
	require.Eventually(t, func() bool {
		status, _ := f.status(tx.ID)
		return status == ledger.StatusCompleted
	}, time.Second, 5*time.Millisecond)

	var attempts []attribute.KeyValue
	require.Eventually(t, func() bool {
		attempts = attempts[:0]
		for _, span := range sr.Ended() {
			if span.Name() != "settlement.ReleaseAttempt" {
				continue
			}
			for _, kv := range span.Attributes() {
				if kv.Key == "release.attempt" {
					attempts = append(attempts, kv)
				}
			}
		}
		return len(attempts) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []attribute.KeyValue{traces.Attempt(1), traces.Attempt(2)}, attempts)
}

func TestReleaseQueue_GivesUpAfterMaxAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	worker, fs := f.flakyWorker(-1)
	q := NewReleaseQueue(worker, testQueueConfig(), nil)
	q.Start(ctx)
	defer func() { _ = q.Stop(ctx) }()

	tx := f.dueEscrow(t, "40")
	require.NoError(t, q.Enqueue(tx.ID))

	require.Eventually(t, func() bool {
		logs, _ := f.store.ListLogs(ctx, tx.ID)
		return len(logs) > 0 && logs[len(logs)-1].Action == ledger.ActionReleaseFailed
	}, time.Second, 5*time.Millisecond)

	status, claimed := f.status(tx.ID)
	assert.Equal(t, ledger.StatusPending, status)
	assert.False(t, claimed, "failure handler clears the claim")
	assert.Equal(t, int32(3), fs.units.Load())
	assertBalances(t, f.get(t, f.sender.ID), "100", "60")
	assertBalances(t, f.get(t, f.receiver.ID), "0", "0")
}

func TestReleaseQueue_StopClearsScheduledRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	worker, _ := f.flakyWorker(-1)
	cfg := testQueueConfig()
	cfg.Backoff = retry.Schedule{time.Hour}
	q := NewReleaseQueue(worker, cfg, nil)
	q.Start(ctx)
	assert.True(t, q.Running())

	tx := f.dueEscrow(t, "40")
	require.NoError(t, q.Enqueue(tx.ID))

	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.timers) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, q.Stop(ctx))
	assert.False(t, q.Running())

	status, claimed := f.status(tx.ID)
	assert.Equal(t, ledger.StatusPending, status)
	assert.False(t, claimed)
	assert.ErrorIs(t, q.Enqueue(tx.ID), ErrQueueStopped)
	require.NoError(t, q.Stop(ctx), "second stop is a no-op")
}

func TestReleaseQueue_StopClearsUnstartedBacklog(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := NewReleaseQueue(NewReleaseWorker(f.svc), testQueueConfig(), nil)

	tx := f.dueEscrow(t, "40")
	require.NoError(t, q.Enqueue(tx.ID))
	require.NoError(t, q.Stop(ctx))

	_, claimed := f.status(tx.ID)
	assert.False(t, claimed)
}

func TestReleaseQueue_Full(t *testing.T) {
	f := newFixture(t)
	cfg := testQueueConfig()
	cfg.Buffer = 1
	q := NewReleaseQueue(NewReleaseWorker(f.svc), cfg, nil)
	defer func() { _ = q.Stop(context.Background()) }()

	require.NoError(t, q.Enqueue(1))
	assert.ErrorIs(t, q.Enqueue(2), ErrQueueFull)
}

func TestSweepAndQueue_EndToEnd(t *testing.T) {
	f := newFixtureWithPolicy(t, relaxedPolicy())
	ctx := context.Background()
	q := NewReleaseQueue(NewReleaseWorker(f.svc), testQueueConfig(), nil)
	q.Start(ctx)
	defer func() { _ = q.Stop(ctx) }()
	sweeper := NewSweeper(f.store, q, nil).WithClock(f.clock.Now)

	var ids []int64
	for range 5 {
		ids = append(ids, f.send(t, "10", "goods_services").ID)
	}
	f.clock.Advance(DefaultHoldWindow)

	n, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	require.Eventually(t, func() bool {
		for _, id := range ids {
			if status, _ := f.status(id); status != ledger.StatusCompleted {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)

	assertBalances(t, f.get(t, f.sender.ID), "50", "50")
	assertBalances(t, f.get(t, f.receiver.ID), "50", "50")
	assert.ElementsMatch(t, ids, f.notifier.ids())
}
