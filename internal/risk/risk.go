// Package risk decides whether a transfer may proceed and tracks the
// reputation signals disputes leave behind.
//
// Two signals exist. Each account carries a global risk score, raised by one
// for every dispute opened against it and decayed weekly. Each ordered
// (reporter, reported) pair carries a score counting how often the reporter
// disputed the reported account; pair scores never decay.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mbd888/holdpay/internal/ledger"
	"github.com/shopspring/decimal"
)

// ErrPolicyRejection is wrapped by every gate failure.
var ErrPolicyRejection = errors.New("rejected by risk policy")

var (
	ErrSenderBanned            = fmt.Errorf("%w: sender account is banned", ErrPolicyRejection)
	ErrSenderSuspended         = fmt.Errorf("%w: sender account is suspended", ErrPolicyRejection)
	ErrReceiverBanned          = fmt.Errorf("%w: receiver account is banned", ErrPolicyRejection)
	ErrReceiverRestricted      = fmt.Errorf("%w: receiver is restricted from goods and services payments", ErrPolicyRejection)
	ErrPairRestricted          = fmt.Errorf("%w: too many disputes with this receiver", ErrPolicyRejection)
	ErrLargeTransferRestricted = fmt.Errorf("%w: receiver may not accept large transfers", ErrPolicyRejection)
	ErrTooManyPending          = fmt.Errorf("%w: receiver has too many pending escrows", ErrPolicyRejection)
)

// Policy holds the thresholds the gates compare against.
type Policy struct {
	// ReceiverRiskLimit blocks escrowed payments to receivers at or above it.
	ReceiverRiskLimit int
	// PairScoreLimit blocks escrowed payments once the sender has disputed
	// the receiver this many times.
	PairScoreLimit int
	// LargeTransferRiskLimit blocks transfers above LargeTransferThreshold to
	// receivers at or above it.
	LargeTransferRiskLimit int
	LargeTransferThreshold decimal.Decimal
	// MaxPendingEscrows caps unsettled escrowed payments per receiver.
	MaxPendingEscrows int
	// DecayStep is subtracted from every positive risk score per period.
	DecayStep int
}

// DefaultPolicy returns the production thresholds.
func DefaultPolicy() Policy {
	return Policy{
		ReceiverRiskLimit:      10,
		PairScoreLimit:         5,
		LargeTransferRiskLimit: 60,
		LargeTransferThreshold: decimal.NewFromInt(5000),
		MaxPendingEscrows:      3,
		DecayStep:              2,
	}
}

// Service applies the risk policy and records dispute outcomes.
type Service struct {
	store  ledger.Store
	policy Policy
	logger *slog.Logger
}

// NewService creates a risk service.
func NewService(store ledger.Store, policy Policy, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, policy: policy, logger: logger}
}

// Policy returns the active thresholds.
func (s *Service) Policy() Policy {
	return s.policy
}

// Gate checks whether sender may pay receiver. It runs inside the unit that
// creates the transfer, after both accounts are locked, and never writes.
func (s *Service) Gate(ctx context.Context, u ledger.Unit, sender, receiver *ledger.Account, amount decimal.Decimal, purpose ledger.Purpose) error {
	err := s.gate(ctx, u, sender, receiver, amount, purpose)
	if errors.Is(err, ErrPolicyRejection) {
		policyRejections.WithLabelValues(rejectionReason(err)).Inc()
		s.logger.Info("transfer rejected by risk policy",
			"senderId", sender.ID, "receiverId", receiver.ID, "purpose", purpose, "reason", rejectionReason(err))
	}
	return err
}

func (s *Service) gate(ctx context.Context, u ledger.Unit, sender, receiver *ledger.Account, amount decimal.Decimal, purpose ledger.Purpose) error {
	switch sender.Status {
	case ledger.AccountBanned:
		return ErrSenderBanned
	case ledger.AccountSuspended:
		return ErrSenderSuspended
	}
	if receiver.Status == ledger.AccountBanned {
		return ErrReceiverBanned
	}

	if amount.GreaterThan(s.policy.LargeTransferThreshold) && receiver.RiskScore >= s.policy.LargeTransferRiskLimit {
		return ErrLargeTransferRestricted
	}

	if purpose != ledger.PurposeGoodsServices {
		return nil
	}

	if receiver.RiskScore >= s.policy.ReceiverRiskLimit {
		return ErrReceiverRestricted
	}
	pair, err := u.PairScore(ctx, sender.ID, receiver.ID)
	if err != nil {
		return fmt.Errorf("read pair score: %w", err)
	}
	if pair >= s.policy.PairScoreLimit {
		return ErrPairRestricted
	}
	pending, err := u.CountPendingEscrows(ctx, receiver.ID)
	if err != nil {
		return fmt.Errorf("count pending escrows: %w", err)
	}
	if pending >= s.policy.MaxPendingEscrows {
		return ErrTooManyPending
	}
	return nil
}

// RecordDispute raises the reporter->reported pair score and the reported
// account's risk score. reported must already be locked by u; it is saved
// here. It returns the new pair score.
func (s *Service) RecordDispute(ctx context.Context, u ledger.Unit, reporterID int64, reported *ledger.Account) (int, error) {
	pair, err := u.IncrementPairScore(ctx, reporterID, reported.ID)
	if err != nil {
		return 0, fmt.Errorf("increment pair score: %w", err)
	}
	reported.AddRisk(1)
	if err := u.SaveAccount(ctx, reported); err != nil {
		return 0, err
	}
	disputesRecorded.Inc()
	return pair, nil
}

// PairScore returns how often reporter has disputed reported.
func (s *Service) PairScore(ctx context.Context, reporterID, reportedID int64) (int, error) {
	return s.store.PairScore(ctx, reporterID, reportedID)
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrSenderBanned):
		return "sender_banned"
	case errors.Is(err, ErrSenderSuspended):
		return "sender_suspended"
	case errors.Is(err, ErrReceiverBanned):
		return "receiver_banned"
	case errors.Is(err, ErrReceiverRestricted):
		return "receiver_risk"
	case errors.Is(err, ErrPairRestricted):
		return "pair_score"
	case errors.Is(err, ErrLargeTransferRestricted):
		return "large_transfer"
	case errors.Is(err, ErrTooManyPending):
		return "too_many_pending"
	}
	return "other"
}
