package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/holdpay/internal/ledger"
	"github.com/mbd888/holdpay/internal/traces"
)

// ActorReleaseWorker is recorded on audit entries written by release workers.
const ActorReleaseWorker = "release_worker"

// ReleaseOutcome describes what one release attempt did.
type ReleaseOutcome string

const (
	// OutcomeReleased means the hold was settled and the receiver credited.
	OutcomeReleased ReleaseOutcome = "released"
	// OutcomeSkipped means the transaction was no longer eligible; the claim
	// was cleared and nothing else changed.
	OutcomeSkipped ReleaseOutcome = "skipped"
	// OutcomeFailed means the release cannot succeed as things stand. The
	// claim was cleared and a release_failed entry recorded.
	OutcomeFailed ReleaseOutcome = "failed"
)

// ReleaseWorker settles claimed goods & services payments.
type ReleaseWorker struct {
	svc *Service
}

// NewReleaseWorker creates a worker that shares svc's store, clock and
// notifier.
func NewReleaseWorker(svc *Service) *ReleaseWorker {
	return &ReleaseWorker{svc: svc}
}

// Process runs one release attempt for txID in a single unit of work. An
// error means the unit rolled back and the attempt may be retried; every
// non-error outcome leaves the claim cleared.
func (w *ReleaseWorker) Process(ctx context.Context, txID int64) (_ ReleaseOutcome, err error) {
	ctx = ledger.WithActor(ctx, ActorReleaseWorker)
	ctx, span := traces.StartSpan(ctx, "settlement.Release", traces.TransactionID(txID))
	defer func() { traces.End(span, err) }()

	start := time.Now()
	defer func() { releaseDuration.Observe(time.Since(start).Seconds()) }()

	var (
		outcome ReleaseOutcome
		reason  string
		out     *ledger.Transaction
	)
	err = w.svc.store.Atomic(ctx, func(u ledger.Unit) error {
		outcome, reason, out = "", "", nil

		t, err := u.LockTransaction(ctx, txID)
		if err != nil {
			return err
		}
		now := w.svc.now()

		if t.Status != ledger.StatusPending || t.Disputed || !t.IsEscrowed() {
			outcome, reason = OutcomeSkipped, fmt.Sprintf("status %s", t.Status)
			return clearClaim(ctx, u, t)
		}
		if !t.Due(now) {
			outcome, reason = OutcomeSkipped, "hold window still open"
			return clearClaim(ctx, u, t)
		}

		accts, err := u.LockAccounts(ctx, t.SenderID, t.ReceiverID)
		if err != nil {
			return err
		}
		sender, okSender := accts[t.SenderID]
		receiver, okReceiver := accts[t.ReceiverID]
		switch {
		case !okSender:
			reason = "sender account missing"
		case !okReceiver:
			reason = "receiver account missing"
		default:
			if cerr := receiver.CanReceive(t.Amount); cerr != nil {
				reason = cerr.Error()
			}
		}
		if reason != "" {
			outcome = OutcomeFailed
			if err := clearClaim(ctx, u, t); err != nil {
				return err
			}
			return u.AppendLog(ctx, ledger.NewLogEntry(ctx, t.ID, ledger.ActionReleaseFailed, reason))
		}

		if err := applyRelease(t, sender, receiver, now); err != nil {
			return err
		}
		if err := u.SaveAccount(ctx, sender); err != nil {
			return err
		}
		if err := u.SaveAccount(ctx, receiver); err != nil {
			return err
		}
		if err := u.SaveTransaction(ctx, t); err != nil {
			return err
		}
		if err := u.AppendLog(ctx, ledger.NewLogEntry(ctx, t.ID, ledger.ActionReleased, "")); err != nil {
			return err
		}
		outcome, out = OutcomeReleased, t
		return nil
	})
	if errors.Is(err, ledger.ErrTransactionNotFound) {
		w.svc.logger.Warn("release skipped, transaction not found", "transactionId", txID)
		releasesTotal.WithLabelValues(string(OutcomeSkipped)).Inc()
		return OutcomeSkipped, nil
	}
	if err != nil {
		return "", fmt.Errorf("release transaction %d: %w", txID, err)
	}

	releasesTotal.WithLabelValues(string(outcome)).Inc()
	switch outcome {
	case OutcomeReleased:
		w.svc.logger.Info("escrow released",
			"transactionId", out.ID,
			"senderId", out.SenderID,
			"receiverId", out.ReceiverID,
			"amount", out.Amount,
		)
		w.svc.notifier.FundsReceived(ctx, out)
	case OutcomeFailed:
		w.svc.logger.Error("escrow release failed", "transactionId", txID, "reason", reason)
	default:
		w.svc.logger.Debug("escrow release skipped", "transactionId", txID, "reason", reason)
	}
	return outcome, nil
}

// HandleFailure runs after the final attempt for txID failed. It clears the
// claim and records the cause outside any unit of work, so it still works
// when the failure was the unit itself.
func (w *ReleaseWorker) HandleFailure(ctx context.Context, txID int64, cause error) {
	ctx = ledger.WithActor(ctx, ActorReleaseWorker)
	releasesTotal.WithLabelValues("exhausted").Inc()

	if err := w.svc.store.ClearClaim(ctx, txID); err != nil {
		w.svc.logger.Error("failed to clear release claim", "transactionId", txID, "error", err)
	}
	note := "release failed"
	if cause != nil {
		note = cause.Error()
	}
	if err := w.svc.store.AppendLog(ctx, ledger.NewLogEntry(ctx, txID, ledger.ActionReleaseFailed, note)); err != nil {
		w.svc.logger.Error("failed to record release failure", "transactionId", txID, "error", err)
	}
	w.svc.logger.Error("escrow release gave up", "transactionId", txID, "error", cause)
}

func clearClaim(ctx context.Context, u ledger.Unit, t *ledger.Transaction) error {
	if !t.InProgress {
		return nil
	}
	t.InProgress = false
	return u.SaveTransaction(ctx, t)
}
