package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/holdpay/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dueEscrow creates a held payment, moves the clock past its window and
// claims it the way the sweep would.
func (f *fixture) dueEscrow(t *testing.T, amount string) *ledger.Transaction {
	t.Helper()
	tx := f.send(t, amount, "goods_services")
	f.clock.Advance(DefaultHoldWindow)
	won, err := f.store.TryClaim(context.Background(), tx.ID)
	require.NoError(t, err)
	require.True(t, won)
	return tx
}

func TestProcess_ReleasesExactlyOnce(t *testing.T) {
	f := newFixture(t)
	w := NewReleaseWorker(f.svc)
	ctx := context.Background()
	tx := f.dueEscrow(t, "50")

	outcome, err := w.Process(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReleased, outcome)

	for range 3 {
		outcome, err = w.Process(ctx, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, OutcomeSkipped, outcome)
	}

	assertBalances(t, f.get(t, f.sender.ID), "50", "50")
	assertBalances(t, f.get(t, f.receiver.ID), "50", "50")

	got := f.tx(t, tx.ID)
	assert.Equal(t, ledger.StatusCompleted, got.Status)
	assert.False(t, got.InProgress)
	assert.NotNil(t, got.ProcessedAt)
	assert.Equal(t, []int64{tx.ID}, f.notifier.ids())

	logs, err := f.svc.AuditTrail(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, ledger.ActionReleased, logs[1].Action)
	assert.Equal(t, ActorReleaseWorker, logs[1].Actor)
}

func TestProcess_ConcurrentAttemptsCreditOnce(t *testing.T) {
	f := newFixture(t)
	w := NewReleaseWorker(f.svc)
	tx := f.dueEscrow(t, "20")

	var wg sync.WaitGroup
	outcomes := make([]ReleaseOutcome, 8)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], _ = w.Process(context.Background(), tx.ID)
		}(i)
	}
	wg.Wait()

	released := 0
	for _, o := range outcomes {
		if o == OutcomeReleased {
			released++
		}
	}
	assert.Equal(t, 1, released)
	assertBalances(t, f.get(t, f.receiver.ID), "20", "20")
	assertBalances(t, f.get(t, f.sender.ID), "80", "80")
}

func TestProcess_NotDueClearsClaim(t *testing.T) {
	f := newFixture(t)
	w := NewReleaseWorker(f.svc)
	ctx := context.Background()
	tx := f.send(t, "10", "goods_services")
	won, err := f.store.TryClaim(ctx, tx.ID)
	require.NoError(t, err)
	require.True(t, won)

	outcome, err := w.Process(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)

	got := f.tx(t, tx.ID)
	assert.Equal(t, ledger.StatusPending, got.Status)
	assert.False(t, got.InProgress)
	assertBalances(t, f.get(t, f.receiver.ID), "0", "0")
}

func TestProcess_DisputedIsNoop(t *testing.T) {
	f := newFixture(t)
	w := NewReleaseWorker(f.svc)
	ctx := context.Background()
	tx := f.send(t, "10", "goods_services")
	_, err := f.svc.OpenDispute(ctx, tx.ID, f.sender.ID, "")
	require.NoError(t, err)
	f.clock.Advance(time.Hour)

	outcome, err := w.Process(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assertBalances(t, f.get(t, f.sender.ID), "100", "100")
	assertBalances(t, f.get(t, f.receiver.ID), "0", "0")
}

func TestProcess_BannedReceiverRecordsFailure(t *testing.T) {
	f := newFixture(t)
	w := NewReleaseWorker(f.svc)
	ctx := context.Background()
	tx := f.dueEscrow(t, "30")
	f.mutate(t, f.receiver.ID, func(a *ledger.Account) { a.Status = ledger.AccountBanned })

	outcome, err := w.Process(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	got := f.tx(t, tx.ID)
	assert.Equal(t, ledger.StatusPending, got.Status)
	assert.False(t, got.InProgress)
	// The hold stays in place until the receiver can be paid or an admin acts.
	assertBalances(t, f.get(t, f.sender.ID), "100", "70")
	assertBalances(t, f.get(t, f.receiver.ID), "0", "0")

	logs, err := f.svc.AuditTrail(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.ActionReleaseFailed, logs[len(logs)-1].Action)
	assert.Contains(t, logs[len(logs)-1].Note, "banned")
	assert.Empty(t, f.notifier.ids())
}

func TestProcess_UnknownTransactionSkipped(t *testing.T) {
	f := newFixture(t)
	outcome, err := NewReleaseWorker(f.svc).Process(context.Background(), 777)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
}

func TestHandleFailure_ClearsClaim(t *testing.T) {
	f := newFixture(t)
	w := NewReleaseWorker(f.svc)
	ctx := context.Background()
	tx := f.dueEscrow(t, "10")

	w.HandleFailure(ctx, tx.ID, errors.New("database unavailable"))

	got := f.tx(t, tx.ID)
	assert.False(t, got.InProgress)
	assert.Equal(t, ledger.StatusPending, got.Status)

	logs, err := f.svc.AuditTrail(ctx, tx.ID)
	require.NoError(t, err)
	last := logs[len(logs)-1]
	assert.Equal(t, ledger.ActionReleaseFailed, last.Action)
	assert.Equal(t, "database unavailable", last.Note)

	// Cleared claims are eligible for the next sweep.
	won, err := f.store.TryClaim(ctx, tx.ID)
	require.NoError(t, err)
	assert.True(t, won)
}
