package settlement

import (
	"fmt"
	"time"

	"github.com/mbd888/holdpay/internal/ledger"
)

// transitions lists the statuses each status may move to. Anything not listed
// is terminal.
var transitions = map[ledger.Status][]ledger.Status{
	ledger.StatusPending: {
		ledger.StatusCompleted,
		ledger.StatusDisputed,
		ledger.StatusFailed,
		ledger.StatusCanceled,
	},
	ledger.StatusDisputed: {
		ledger.StatusRefunded,
		ledger.StatusCompleted,
	},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to ledger.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func moveTo(t *ledger.Transaction, to ledger.Status) error {
	if t.Status.IsTerminal() {
		return fmt.Errorf("%w: transaction %d is already %s", ErrConflict, t.ID, t.Status)
	}
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("%w: transaction %d cannot move from %s to %s", ErrConflict, t.ID, t.Status, to)
	}
	t.Status = to
	return nil
}

func settled(t *ledger.Transaction, to ledger.Status, now time.Time) error {
	if err := moveTo(t, to); err != nil {
		return err
	}
	t.ProcessedAt = &now
	t.InProgress = false
	return nil
}

// The apply functions below mutate locked in-memory rows only. Callers save
// them inside the same unit of work.

// applyDirectSend settles a friends & family send immediately.
func applyDirectSend(t *ledger.Transaction, sender, receiver *ledger.Account, now time.Time) error {
	if err := sender.Debit(t.Amount); err != nil {
		return err
	}
	if err := receiver.Credit(t.Amount); err != nil {
		return err
	}
	return settled(t, ledger.StatusCompleted, now)
}

// applyHold reserves the sender's funds for an escrowed send and schedules
// its release.
func applyHold(t *ledger.Transaction, sender *ledger.Account, releaseAt time.Time) error {
	if err := sender.Hold(t.Amount); err != nil {
		return err
	}
	t.Status = ledger.StatusPending
	t.ScheduledReleaseAt = &releaseAt
	return nil
}

// applyRelease consumes the sender's hold and credits the receiver.
func applyRelease(t *ledger.Transaction, sender, receiver *ledger.Account, now time.Time) error {
	if err := receiver.CanReceive(t.Amount); err != nil {
		return err
	}
	if err := sender.SettleHold(t.Amount); err != nil {
		return err
	}
	if err := receiver.Credit(t.Amount); err != nil {
		return err
	}
	return settled(t, ledger.StatusCompleted, now)
}

// applyDispute returns the hold to the sender. The receiver was never
// credited, so only the sender row changes.
func applyDispute(t *ledger.Transaction, sender *ledger.Account, evidence string) error {
	if err := sender.ReturnHold(t.Amount); err != nil {
		return err
	}
	if err := moveTo(t, ledger.StatusDisputed); err != nil {
		return err
	}
	t.Disputed = true
	t.InProgress = false
	t.DisputeEvidence = evidence
	return nil
}

// applyRefundResolution closes a dispute in the sender's favour. The hold was
// already returned when the dispute opened.
func applyRefundResolution(t *ledger.Transaction, now time.Time) error {
	if err := settled(t, ledger.StatusRefunded, now); err != nil {
		return err
	}
	t.Disputed = false
	return nil
}

// applyCreditResolution closes a dispute in the receiver's favour, paying
// from the sender's current available funds.
func applyCreditResolution(t *ledger.Transaction, sender, receiver *ledger.Account, now time.Time) error {
	if err := sender.Debit(t.Amount); err != nil {
		return err
	}
	if err := receiver.Credit(t.Amount); err != nil {
		return err
	}
	if err := settled(t, ledger.StatusCompleted, now); err != nil {
		return err
	}
	t.Disputed = false
	return nil
}

// applyRequestAccepted pays a money request: the payer is the transaction's
// sender, the requester its receiver.
func applyRequestAccepted(t *ledger.Transaction, payer, requester *ledger.Account, now time.Time) error {
	if err := payer.Debit(t.Amount); err != nil {
		return err
	}
	if err := requester.Credit(t.Amount); err != nil {
		return err
	}
	return settled(t, ledger.StatusCompleted, now)
}
