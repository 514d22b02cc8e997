package settlement

import (
	"testing"
	"time"

	"github.com/mbd888/holdpay/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to ledger.Status
		want     bool
	}{
		{ledger.StatusPending, ledger.StatusCompleted, true},
		{ledger.StatusPending, ledger.StatusDisputed, true},
		{ledger.StatusPending, ledger.StatusFailed, true},
		{ledger.StatusPending, ledger.StatusCanceled, true},
		{ledger.StatusPending, ledger.StatusRefunded, false},
		{ledger.StatusDisputed, ledger.StatusRefunded, true},
		{ledger.StatusDisputed, ledger.StatusCompleted, true},
		{ledger.StatusDisputed, ledger.StatusPending, false},
		{ledger.StatusCompleted, ledger.StatusDisputed, false},
		{ledger.StatusRefunded, ledger.StatusCompleted, false},
		{ledger.StatusCanceled, ledger.StatusPending, false},
		{ledger.StatusFailed, ledger.StatusCompleted, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestMoveTo_TerminalIsConflict(t *testing.T) {
	for _, st := range []ledger.Status{ledger.StatusCompleted, ledger.StatusFailed, ledger.StatusRefunded, ledger.StatusCanceled} {
		tx := &ledger.Transaction{ID: 3, Status: st}
		err := moveTo(tx, ledger.StatusDisputed)
		require.ErrorIs(t, err, ErrConflict)
		assert.Contains(t, err.Error(), "already "+string(st))
		assert.Equal(t, st, tx.Status, "status unchanged")
	}

	tx := &ledger.Transaction{ID: 4, Status: ledger.StatusDisputed}
	require.NoError(t, moveTo(tx, ledger.StatusRefunded))
}

func TestApplyRelease_RejectsBannedReceiverWithoutSideEffects(t *testing.T) {
	now := time.Now()
	due := now.Add(-time.Minute)
	sender := &ledger.Account{ID: 1, Balance: d("100"), AvailableBalance: d("60")}
	receiver := &ledger.Account{ID: 2, Balance: d("5"), AvailableBalance: d("5"), Status: ledger.AccountBanned}
	tx := &ledger.Transaction{ID: 9, SenderID: 1, ReceiverID: 2, Amount: d("40"),
		Kind: ledger.KindSend, Purpose: ledger.PurposeGoodsServices, Status: ledger.StatusPending,
		InProgress: true, ScheduledReleaseAt: &due}

	err := applyRelease(tx, sender, receiver, now)
	assert.ErrorIs(t, err, ledger.ErrAccountBanned)
	assert.True(t, sender.Balance.Equal(d("100")))
	assert.True(t, receiver.Balance.Equal(d("5")))
	assert.Equal(t, ledger.StatusPending, tx.Status)
}

func TestApplyHoldThenDisputeKeepsInvariant(t *testing.T) {
	now := time.Now()
	sender := &ledger.Account{ID: 1, Balance: d("100"), AvailableBalance: d("100")}
	tx := &ledger.Transaction{ID: 1, Amount: d("30"), Kind: ledger.KindSend,
		Purpose: ledger.PurposeGoodsServices, Status: ledger.StatusPending}

	require.NoError(t, applyHold(tx, sender, now.Add(DefaultHoldWindow)))
	assert.True(t, sender.Held().Equal(d("30")))

	require.NoError(t, applyDispute(tx, sender, "ref"))
	assert.True(t, sender.Held().IsZero())
	assert.True(t, tx.Disputed)
	assert.Equal(t, ledger.StatusDisputed, tx.Status)

	require.NoError(t, applyRefundResolution(tx, now))
	assert.False(t, tx.Disputed)
	assert.Equal(t, ledger.StatusRefunded, tx.Status)
	assert.ErrorIs(t, applyRefundResolution(tx, now), ErrConflict)
}
