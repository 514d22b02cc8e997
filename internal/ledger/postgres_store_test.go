//go:build integration

package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/holdpay/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPGStore(t *testing.T) *PostgresStore {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)
	return NewPostgresStore(db).WithLockTimeout(2 * time.Second)
}

func pgAccount(t *testing.T, s *PostgresStore, email, balance string) *Account {
	t.Helper()
	a := &Account{Name: email, Email: email, Balance: d(balance), AvailableBalance: d(balance)}
	require.NoError(t, s.CreateAccount(context.Background(), a))
	return a
}

func TestPostgresStore_AccountRoundTrip(t *testing.T) {
	s := newPGStore(t)
	ctx := context.Background()

	a := pgAccount(t, s, "a@example.com", "12.34")
	assert.NotZero(t, a.ID)

	got, err := s.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(d("12.34")))
	assert.Equal(t, AccountActive, got.Status)

	err = s.CreateAccount(ctx, &Account{Name: "dup", Email: "a@example.com"})
	assert.ErrorIs(t, err, ErrDuplicateEmail)

	_, err = s.GetAccountByEmail(ctx, "missing@example.com")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestPostgresStore_AtomicRollback(t *testing.T) {
	s := newPGStore(t)
	ctx := context.Background()
	a := pgAccount(t, s, "a@example.com", "100")
	b := pgAccount(t, s, "b@example.com", "0")

	boom := errors.New("boom")
	err := s.Atomic(ctx, func(u Unit) error {
		accts, err := u.LockAccounts(ctx, b.ID, a.ID)
		if err != nil {
			return err
		}
		require.Len(t, accts, 2)
		require.NoError(t, accts[a.ID].Debit(d("10")))
		require.NoError(t, u.SaveAccount(ctx, accts[a.ID]))
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, _ := s.GetAccount(ctx, a.ID)
	assert.True(t, got.Balance.Equal(d("100")))
}

func TestPostgresStore_TransactionLifecycle(t *testing.T) {
	s := newPGStore(t)
	ctx := context.Background()
	a := pgAccount(t, s, "a@example.com", "100")
	b := pgAccount(t, s, "b@example.com", "0")

	due := time.Now().Add(-time.Minute).UTC().Truncate(time.Microsecond)
	tx := &Transaction{
		Reference: "ABCDEFGHJK12", SenderID: a.ID, ReceiverID: b.ID, Amount: d("10.50"),
		Kind: KindSend, Purpose: PurposeGoodsServices, Status: StatusPending,
		ScheduledReleaseAt: &due, Note: "lamp",
	}
	require.NoError(t, s.Atomic(ctx, func(u Unit) error {
		if err := u.InsertTransaction(ctx, tx); err != nil {
			return err
		}
		n, err := u.CountPendingEscrows(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		return u.AppendLog(ctx, NewLogEntry(ctx, tx.ID, ActionCreated, ""))
	}))

	got, err := s.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.True(t, got.Amount.Equal(d("10.50")))
	assert.Equal(t, "lamp", got.Note)
	require.NotNil(t, got.ScheduledReleaseAt)
	assert.True(t, got.ScheduledReleaseAt.Equal(due))
	assert.Nil(t, got.ProcessedAt)

	rel, err := s.ListReleasable(ctx, time.Now(), 0, 100)
	require.NoError(t, err)
	require.Len(t, rel, 1)

	ok, err := s.TryClaim(ctx, tx.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.TryClaim(ctx, tx.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	rel, _ = s.ListReleasable(ctx, time.Now(), 0, 100)
	assert.Empty(t, rel)

	require.NoError(t, s.ClearClaim(ctx, tx.ID))
	logs, err := s.ListLogs(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, ActorSystem, logs[0].Actor)

	err = s.Atomic(ctx, func(u Unit) error {
		dup := *tx
		dup.ID = 0
		return u.InsertTransaction(ctx, &dup)
	})
	assert.ErrorIs(t, err, ErrDuplicateReference)
}

func TestPostgresStore_TryClaimConcurrent(t *testing.T) {
	s := newPGStore(t)
	ctx := context.Background()
	a := pgAccount(t, s, "a@example.com", "100")
	b := pgAccount(t, s, "b@example.com", "0")
	due := time.Now()
	tx := &Transaction{
		Reference: "CLAIM0000001", SenderID: a.ID, ReceiverID: b.ID, Amount: d("1"),
		Kind: KindSend, Purpose: PurposeGoodsServices, Status: StatusPending, ScheduledReleaseAt: &due,
	}
	require.NoError(t, s.Atomic(ctx, func(u Unit) error { return u.InsertTransaction(ctx, tx) }))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.TryClaim(ctx, tx.ID)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestPostgresStore_PairScoreAndDecay(t *testing.T) {
	s := newPGStore(t)
	ctx := context.Background()
	a := pgAccount(t, s, "a@example.com", "0")
	b := pgAccount(t, s, "b@example.com", "0")

	require.NoError(t, s.Atomic(ctx, func(u Unit) error {
		for i := 0; i < 3; i++ {
			if _, err := u.IncrementPairScore(ctx, a.ID, b.ID); err != nil {
				return err
			}
		}
		accts, err := u.LockAccounts(ctx, b.ID)
		if err != nil {
			return err
		}
		accts[b.ID].RiskScore = 3
		return u.SaveAccount(ctx, accts[b.ID])
	}))

	score, err := s.PairScore(ctx, a.ID, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, score)
	score, _ = s.PairScore(ctx, b.ID, a.ID)
	assert.Zero(t, score, "pair scores are directional")

	affected, applied, err := s.DecayRiskScores(ctx, "2026-W42", 2)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 1, affected)

	_, applied, err = s.DecayRiskScores(ctx, "2026-W42", 2)
	require.NoError(t, err)
	assert.False(t, applied)

	got, _ := s.GetAccount(ctx, b.ID)
	assert.Equal(t, 1, got.RiskScore)
}

func TestPostgresStore_LockTimeoutIsTransient(t *testing.T) {
	s := newPGStore(t).WithLockTimeout(200 * time.Millisecond)
	ctx := context.Background()
	a := pgAccount(t, s, "a@example.com", "0")

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = s.Atomic(ctx, func(u Unit) error {
			_, err := u.LockAccounts(ctx, a.ID)
			close(held)
			<-release
			return err
		})
	}()
	<-held

	err := s.Atomic(ctx, func(u Unit) error {
		_, err := u.LockAccounts(ctx, a.ID)
		return err
	})
	close(release)
	require.Error(t, err)
	assert.True(t, IsTransient(err), "lock timeout should be transient: %v", err)
}

func TestPostgresStore_HoldMismatchesAndStuckClaims(t *testing.T) {
	s := newPGStore(t)
	ctx := context.Background()
	a := pgAccount(t, s, "a@example.com", "100")
	b := pgAccount(t, s, "b@example.com", "0")
	due := time.Now().Add(time.Hour)
	tx := &Transaction{
		Reference: "HOLD00000001", SenderID: a.ID, ReceiverID: b.ID, Amount: d("40"),
		Kind: KindSend, Purpose: PurposeGoodsServices, Status: StatusPending, ScheduledReleaseAt: &due,
	}
	require.NoError(t, s.Atomic(ctx, func(u Unit) error {
		accts, err := u.LockAccounts(ctx, a.ID)
		if err != nil {
			return err
		}
		if err := accts[a.ID].Hold(tx.Amount); err != nil {
			return err
		}
		if err := u.SaveAccount(ctx, accts[a.ID]); err != nil {
			return err
		}
		return u.InsertTransaction(ctx, tx)
	}))

	mismatches, err := s.ListHoldMismatches(ctx)
	require.NoError(t, err)
	assert.Empty(t, mismatches)

	// Hold 5 more without a matching transaction.
	require.NoError(t, s.Atomic(ctx, func(u Unit) error {
		accts, err := u.LockAccounts(ctx, a.ID)
		if err != nil {
			return err
		}
		if err := accts[a.ID].Hold(d("5")); err != nil {
			return err
		}
		return u.SaveAccount(ctx, accts[a.ID])
	}))
	mismatches, err = s.ListHoldMismatches(ctx)
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	assert.Equal(t, a.ID, mismatches[0].AccountID)
	assert.True(t, mismatches[0].Held.Equal(d("45")))
	assert.True(t, mismatches[0].Expected.Equal(d("40")))

	won, err := s.TryClaim(ctx, tx.ID)
	require.NoError(t, err)
	require.True(t, won)

	stuck, err := s.ListStuckClaims(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, stuck)

	stuck, err = s.ListStuckClaims(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, tx.ID, stuck[0].ID)
}
