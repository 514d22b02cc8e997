// Package settlement moves funds between ledger accounts.
//
// Friends & family sends settle immediately. Goods & services sends place a
// hold on the sender's available balance and are released to the receiver by
// the escrow sweep once the hold window has elapsed, unless the sender opens
// a dispute first. Money requests are paid or declined by the payer.
//
// Every transition runs in one ledger unit of work that locks the transaction
// row before any account rows, so the sweep, the release workers and API
// callers can act on the same transaction concurrently.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/holdpay/internal/idgen"
	"github.com/mbd888/holdpay/internal/ledger"
	"github.com/mbd888/holdpay/internal/risk"
	"github.com/mbd888/holdpay/internal/traces"
	"github.com/shopspring/decimal"
)

const (
	DefaultHoldWindow  = 20 * time.Minute
	DefaultUnitTimeout = 60 * time.Second

	maxNoteLength     = 255
	maxEvidenceLength = 500
	defaultListLimit  = 100
	maxListLimit      = 500
)

// Request responses.
const (
	RequestAccept = "accept"
	RequestReject = "reject"
)

// Dispute resolutions.
const (
	ResolveReturnToSender = "return_to_sender"
	ResolveCreditReceiver = "credit_receiver"
)

// TransferRequest describes a push payment.
type TransferRequest struct {
	SenderID      int64           `json:"-"`
	ReceiverEmail string          `json:"receiverEmail" binding:"required"`
	Amount        decimal.Decimal `json:"amount"`
	Purpose       string          `json:"purpose" binding:"required"`
	Note          string          `json:"note"`
}

// MoneyRequest asks the account behind PayerEmail to pay RequesterID.
type MoneyRequest struct {
	RequesterID int64           `json:"-"`
	PayerEmail  string          `json:"payerEmail" binding:"required"`
	Amount      decimal.Decimal `json:"amount"`
	Note        string          `json:"note"`
}

// AuthContext identifies the caller of an operation.
type AuthContext struct {
	AccountID int64
}

// ReversalResult is returned when a dispute is opened.
type ReversalResult struct {
	Transaction       *ledger.Transaction `json:"transaction"`
	RefundAmount      decimal.Decimal     `json:"refundAmount"`
	ReceiverRiskScore int                 `json:"receiverRiskScore"`
	PairScore         int                 `json:"pairScore"`
}

// Service runs the settlement state machine.
type Service struct {
	store       ledger.Store
	risk        *risk.Service
	notifier    Notifier
	holdWindow  time.Duration
	unitTimeout time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// NewService creates a settlement service.
func NewService(store ledger.Store, riskSvc *risk.Service, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       store,
		risk:        riskSvc,
		notifier:    nopNotifier{},
		holdWindow:  DefaultHoldWindow,
		unitTimeout: DefaultUnitTimeout,
		now:         time.Now,
		logger:      logger,
	}
}

// WithNotifier sets the receiver of "funds received" events.
func (s *Service) WithNotifier(n Notifier) *Service {
	if n != nil {
		s.notifier = n
	}
	return s
}

// WithHoldWindow sets how long goods & services payments are held.
func (s *Service) WithHoldWindow(d time.Duration) *Service {
	if d > 0 {
		s.holdWindow = d
	}
	return s
}

// WithUnitTimeout bounds how long one unit of work may run.
func (s *Service) WithUnitTimeout(d time.Duration) *Service {
	if d > 0 {
		s.unitTimeout = d
	}
	return s
}

// WithClock replaces time.Now, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// HoldWindow returns the configured hold window.
func (s *Service) HoldWindow() time.Duration {
	return s.holdWindow
}

// detach returns a context that ignores caller cancellation but expires after
// the unit timeout. A unit that has begun always runs to commit or rollback.
func (s *Service) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.unitTimeout)
}

func invalid(err error) error {
	return fmt.Errorf("%w: %w", ErrValidation, err)
}

func validateNote(note string) error {
	if len(note) > maxNoteLength {
		return fmt.Errorf("%w: note exceeds %d characters", ErrValidation, maxNoteLength)
	}
	return nil
}

// insertTransaction stores t with a fresh reference. A reference collision is
// reported as transient so the unit is retried with a new one.
func insertTransaction(ctx context.Context, u ledger.Unit, t *ledger.Transaction) error {
	t.Reference = idgen.Reference()
	err := u.InsertTransaction(ctx, t)
	if errors.Is(err, ledger.ErrDuplicateReference) {
		return fmt.Errorf("%w: %w", ledger.ErrTransient, err)
	}
	return err
}

func lockPair(ctx context.Context, u ledger.Unit, a, b int64) (*ledger.Account, *ledger.Account, error) {
	accts, err := u.LockAccounts(ctx, a, b)
	if err != nil {
		return nil, nil, err
	}
	first, ok := accts[a]
	if !ok {
		return nil, nil, fmt.Errorf("account %d: %w", a, ledger.ErrAccountNotFound)
	}
	second, ok := accts[b]
	if !ok {
		return nil, nil, fmt.Errorf("account %d: %w", b, ledger.ErrAccountNotFound)
	}
	return first, second, nil
}

// CreateTransfer sends money to the account registered under
// req.ReceiverEmail. Friends & family sends complete immediately; goods &
// services sends are held until the hold window elapses.
func (s *Service) CreateTransfer(ctx context.Context, req TransferRequest) (_ *ledger.Transaction, err error) {
	ctx, span := traces.StartSpan(ctx, "settlement.CreateTransfer",
		traces.AccountID(req.SenderID), traces.Amount(req.Amount.String()), traces.Purpose(req.Purpose))
	defer func() { traces.End(span, err) }()

	purpose, err := ledger.ParsePurpose(req.Purpose)
	if err != nil {
		return nil, invalid(err)
	}
	if err := ledger.ValidateAmount(req.Amount); err != nil {
		return nil, invalid(err)
	}
	if err := validateNote(req.Note); err != nil {
		return nil, err
	}
	email := ledger.NormalizeEmail(req.ReceiverEmail)
	if email == "" {
		return nil, fmt.Errorf("%w: receiver email is required", ErrValidation)
	}

	uctx, cancel := s.detach(ctx)
	defer cancel()

	var out *ledger.Transaction
	err = ledger.Atomically(uctx, s.store, func(u ledger.Unit) error {
		recv, err := u.FindAccountByEmail(uctx, email)
		if err != nil {
			return err
		}
		if recv.ID == req.SenderID {
			return fmt.Errorf("%w: cannot send money to yourself", ErrValidation)
		}
		sender, receiver, err := lockPair(uctx, u, req.SenderID, recv.ID)
		if err != nil {
			return err
		}
		if err := s.risk.Gate(uctx, u, sender, receiver, req.Amount, purpose); err != nil {
			return err
		}

		now := s.now()
		t := &ledger.Transaction{
			SenderID:   sender.ID,
			ReceiverID: receiver.ID,
			Amount:     req.Amount,
			Kind:       ledger.KindSend,
			Purpose:    purpose,
			Status:     ledger.StatusPending,
			Note:       strings.TrimSpace(req.Note),
		}
		if purpose == ledger.PurposeFriendsFamily {
			err = applyDirectSend(t, sender, receiver, now)
		} else {
			err = applyHold(t, sender, now.Add(s.holdWindow))
		}
		if err != nil {
			return err
		}
		if err := insertTransaction(uctx, u, t); err != nil {
			return err
		}
		if err := u.SaveAccount(uctx, sender); err != nil {
			return err
		}
		if t.Status == ledger.StatusCompleted {
			if err := u.SaveAccount(uctx, receiver); err != nil {
				return err
			}
		}
		if err := u.AppendLog(uctx, ledger.NewLogEntry(uctx, t.ID, ledger.ActionCreated, "")); err != nil {
			return err
		}
		if t.Status == ledger.StatusCompleted {
			if err := u.AppendLog(uctx, ledger.NewLogEntry(uctx, t.ID, ledger.ActionCompleted, "")); err != nil {
				return err
			}
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(traces.TransactionID(out.ID))
	transfersCreated.WithLabelValues(string(out.Purpose)).Inc()
	s.logger.Info("transfer created",
		"transactionId", out.ID,
		"reference", out.Reference,
		"senderId", out.SenderID,
		"receiverId", out.ReceiverID,
		"amount", out.Amount,
		"purpose", out.Purpose,
		"status", out.Status,
	)
	if out.Status == ledger.StatusCompleted {
		s.notifier.FundsReceived(ctx, out)
	}
	return out, nil
}

// RequestMoney records a pending request for the payer to pay the requester.
// No funds move until the payer accepts.
func (s *Service) RequestMoney(ctx context.Context, req MoneyRequest) (_ *ledger.Transaction, err error) {
	ctx, span := traces.StartSpan(ctx, "settlement.RequestMoney",
		traces.AccountID(req.RequesterID), traces.Amount(req.Amount.String()))
	defer func() { traces.End(span, err) }()

	if err := ledger.ValidateAmount(req.Amount); err != nil {
		return nil, invalid(err)
	}
	if err := validateNote(req.Note); err != nil {
		return nil, err
	}
	email := ledger.NormalizeEmail(req.PayerEmail)
	if email == "" {
		return nil, fmt.Errorf("%w: payer email is required", ErrValidation)
	}

	uctx, cancel := s.detach(ctx)
	defer cancel()

	var out *ledger.Transaction
	err = ledger.Atomically(uctx, s.store, func(u ledger.Unit) error {
		payer, err := u.FindAccountByEmail(uctx, email)
		if err != nil {
			return err
		}
		if payer.ID == req.RequesterID {
			return fmt.Errorf("%w: cannot request money from yourself", ErrValidation)
		}
		if _, _, err := lockPair(uctx, u, payer.ID, req.RequesterID); err != nil {
			return err
		}

		t := &ledger.Transaction{
			SenderID:   payer.ID,
			ReceiverID: req.RequesterID,
			Amount:     req.Amount,
			Kind:       ledger.KindRequest,
			Purpose:    ledger.PurposeFriendsFamily,
			Status:     ledger.StatusPending,
			Note:       strings.TrimSpace(req.Note),
		}
		if err := insertTransaction(uctx, u, t); err != nil {
			return err
		}
		if err := u.AppendLog(uctx, ledger.NewLogEntry(uctx, t.ID, ledger.ActionCreated, "")); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	requestsTotal.WithLabelValues("created").Inc()
	s.logger.Info("money requested",
		"transactionId", out.ID, "requesterId", out.ReceiverID, "payerId", out.SenderID, "amount", out.Amount)
	return out, nil
}

// RespondToRequest lets the payer accept or reject a pending money request.
// Accepting moves the funds at once and is subject to the risk gates.
func (s *Service) RespondToRequest(ctx context.Context, txID int64, action string, caller AuthContext) (_ *ledger.Transaction, err error) {
	ctx, span := traces.StartSpan(ctx, "settlement.RespondToRequest",
		traces.TransactionID(txID), traces.AccountID(caller.AccountID))
	defer func() { traces.End(span, err) }()

	action = strings.ToLower(strings.TrimSpace(action))
	if action != RequestAccept && action != RequestReject {
		return nil, fmt.Errorf("%w: action must be %q or %q", ErrValidation, RequestAccept, RequestReject)
	}

	uctx, cancel := s.detach(ctx)
	defer cancel()

	var out *ledger.Transaction
	err = ledger.Atomically(uctx, s.store, func(u ledger.Unit) error {
		t, err := u.LockTransaction(uctx, txID)
		if err != nil {
			return err
		}
		if t.Kind != ledger.KindRequest {
			return fmt.Errorf("%w: transaction %d is not a money request", ErrConflict, txID)
		}
		if t.SenderID != caller.AccountID {
			return ErrUnauthorized
		}
		if t.Status != ledger.StatusPending {
			return fmt.Errorf("%w: request %d is already %s", ErrConflict, txID, t.Status)
		}

		logAction := ledger.ActionRequestRejected
		if action == RequestAccept {
			payer, requester, err := lockPair(uctx, u, t.SenderID, t.ReceiverID)
			if err != nil {
				return err
			}
			if err := s.risk.Gate(uctx, u, payer, requester, t.Amount, t.Purpose); err != nil {
				return err
			}
			if err := applyRequestAccepted(t, payer, requester, s.now()); err != nil {
				return err
			}
			if err := u.SaveAccount(uctx, payer); err != nil {
				return err
			}
			if err := u.SaveAccount(uctx, requester); err != nil {
				return err
			}
			logAction = ledger.ActionRequestAccepted
		} else if err := settled(t, ledger.StatusFailed, s.now()); err != nil {
			return err
		}

		if err := u.SaveTransaction(uctx, t); err != nil {
			return err
		}
		if err := u.AppendLog(uctx, ledger.NewLogEntry(uctx, t.ID, logAction, "")); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	if action == RequestAccept {
		requestsTotal.WithLabelValues("accepted").Inc()
		s.notifier.FundsReceived(ctx, out)
	} else {
		requestsTotal.WithLabelValues("rejected").Inc()
	}
	s.logger.Info("money request answered", "transactionId", out.ID, "action", action, "status", out.Status)
	return out, nil
}

// CancelRequest withdraws a pending money request. Only the requester may
// cancel it.
func (s *Service) CancelRequest(ctx context.Context, txID, requesterID int64) (_ *ledger.Transaction, err error) {
	ctx, span := traces.StartSpan(ctx, "settlement.CancelRequest",
		traces.TransactionID(txID), traces.AccountID(requesterID))
	defer func() { traces.End(span, err) }()

	uctx, cancel := s.detach(ctx)
	defer cancel()

	var out *ledger.Transaction
	err = ledger.Atomically(uctx, s.store, func(u ledger.Unit) error {
		t, err := u.LockTransaction(uctx, txID)
		if err != nil {
			return err
		}
		if t.Kind != ledger.KindRequest {
			return fmt.Errorf("%w: transaction %d is not a money request", ErrConflict, txID)
		}
		if t.ReceiverID != requesterID {
			return ErrUnauthorized
		}
		if err := settled(t, ledger.StatusCanceled, s.now()); err != nil {
			return err
		}
		if err := u.SaveTransaction(uctx, t); err != nil {
			return err
		}
		if err := u.AppendLog(uctx, ledger.NewLogEntry(uctx, t.ID, ledger.ActionRequestCanceled, "")); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	requestsTotal.WithLabelValues("canceled").Inc()
	s.logger.Info("money request canceled", "transactionId", out.ID)
	return out, nil
}

// OpenDispute reverses a held goods & services payment before it is
// released. The hold returns to the sender's available balance, and the
// receiver's risk score and the sender->receiver pair score each rise by one.
//
// The transaction row lock is the same one the release worker takes, so a
// dispute and a release of the same payment never both succeed.
func (s *Service) OpenDispute(ctx context.Context, txID, senderID int64, evidence string) (_ *ReversalResult, err error) {
	ctx, span := traces.StartSpan(ctx, "settlement.OpenDispute",
		traces.TransactionID(txID), traces.AccountID(senderID))
	defer func() { traces.End(span, err) }()

	evidence = strings.TrimSpace(evidence)
	if len(evidence) > maxEvidenceLength {
		return nil, fmt.Errorf("%w: evidence reference exceeds %d characters", ErrValidation, maxEvidenceLength)
	}

	uctx, cancel := s.detach(ctx)
	defer cancel()

	var out *ReversalResult
	err = ledger.Atomically(uctx, s.store, func(u ledger.Unit) error {
		t, err := u.LockTransaction(uctx, txID)
		if err != nil {
			return err
		}
		if t.SenderID != senderID {
			return ErrUnauthorized
		}
		switch {
		case !t.IsEscrowed():
			return fmt.Errorf("%w: only goods and services payments can be disputed", ErrConflict)
		case t.Status != ledger.StatusPending || t.Disputed:
			return fmt.Errorf("%w: transaction %d is %s", ErrConflict, txID, t.Status)
		case t.InProgress:
			return fmt.Errorf("%w: transaction %d is being released", ErrConflict, txID)
		case t.Due(s.now()):
			return fmt.Errorf("%w: hold window for transaction %d has elapsed", ErrConflict, txID)
		}

		sender, receiver, err := lockPair(uctx, u, t.SenderID, t.ReceiverID)
		if err != nil {
			return err
		}
		if err := applyDispute(t, sender, evidence); err != nil {
			return err
		}
		if err := u.SaveAccount(uctx, sender); err != nil {
			return err
		}
		pair, err := s.risk.RecordDispute(uctx, u, sender.ID, receiver)
		if err != nil {
			return err
		}
		if err := u.SaveTransaction(uctx, t); err != nil {
			return err
		}
		if err := u.AppendLog(uctx, ledger.NewLogEntry(uctx, t.ID, ledger.ActionDisputed, evidence)); err != nil {
			return err
		}
		out = &ReversalResult{
			Transaction:       t,
			RefundAmount:      t.Amount,
			ReceiverRiskScore: receiver.RiskScore,
			PairScore:         pair,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	disputesOpened.Inc()
	s.logger.Info("transaction disputed",
		"transactionId", txID,
		"senderId", senderID,
		"refund", out.RefundAmount,
		"receiverRiskScore", out.ReceiverRiskScore,
		"pairScore", out.PairScore,
	)
	return out, nil
}

// ResolveDispute closes a disputed transaction. return_to_sender confirms the
// refund; credit_receiver pays the receiver from the sender's current
// available balance.
func (s *Service) ResolveDispute(ctx context.Context, txID int64, action string) (_ *ledger.Transaction, err error) {
	ctx, span := traces.StartSpan(ctx, "settlement.ResolveDispute", traces.TransactionID(txID))
	defer func() { traces.End(span, err) }()

	action = strings.ToLower(strings.TrimSpace(action))
	if action != ResolveReturnToSender && action != ResolveCreditReceiver {
		return nil, fmt.Errorf("%w: action must be %q or %q", ErrValidation, ResolveReturnToSender, ResolveCreditReceiver)
	}

	uctx, cancel := s.detach(ctx)
	defer cancel()

	var out *ledger.Transaction
	err = ledger.Atomically(uctx, s.store, func(u ledger.Unit) error {
		t, err := u.LockTransaction(uctx, txID)
		if err != nil {
			return err
		}
		if t.Status != ledger.StatusDisputed {
			return fmt.Errorf("%w: transaction %d is not disputed", ErrConflict, txID)
		}

		now := s.now()
		if action == ResolveReturnToSender {
			if err := applyRefundResolution(t, now); err != nil {
				return err
			}
		} else {
			sender, receiver, err := lockPair(uctx, u, t.SenderID, t.ReceiverID)
			if err != nil {
				return err
			}
			if err := applyCreditResolution(t, sender, receiver, now); err != nil {
				return err
			}
			if err := u.SaveAccount(uctx, sender); err != nil {
				return err
			}
			if err := u.SaveAccount(uctx, receiver); err != nil {
				return err
			}
		}
		if err := u.SaveTransaction(uctx, t); err != nil {
			return err
		}
		if err := u.AppendLog(uctx, ledger.NewLogEntry(uctx, t.ID, ledger.ActionDisputeResolved, action)); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	resolutionsTotal.WithLabelValues(action).Inc()
	s.logger.Info("dispute resolved",
		"transactionId", out.ID, "action", action, "status", out.Status, "actor", ledger.ActorFromContext(ctx))
	if out.Status == ledger.StatusCompleted {
		s.notifier.FundsReceived(ctx, out)
	}
	return out, nil
}

// ListDisputes returns disputed transactions awaiting resolution.
func (s *Service) ListDisputes(ctx context.Context, limit int) ([]*ledger.Transaction, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)
	return s.store.ListByStatus(ctx, ledger.StatusDisputed, limit)
}

// ResetClaim clears a release claim left behind by a worker that died
// mid-attempt, so the next sweep can pick the transaction up again.
func (s *Service) ResetClaim(ctx context.Context, txID int64) (_ *ledger.Transaction, err error) {
	ctx, span := traces.StartSpan(ctx, "settlement.ResetClaim", traces.TransactionID(txID))
	defer func() { traces.End(span, err) }()

	uctx, cancel := s.detach(ctx)
	defer cancel()

	var out *ledger.Transaction
	err = ledger.Atomically(uctx, s.store, func(u ledger.Unit) error {
		t, err := u.LockTransaction(uctx, txID)
		if err != nil {
			return err
		}
		if !t.InProgress {
			return fmt.Errorf("%w: transaction %d is not claimed", ErrConflict, txID)
		}
		t.InProgress = false
		if err := u.SaveTransaction(uctx, t); err != nil {
			return err
		}
		if err := u.AppendLog(uctx, ledger.NewLogEntry(uctx, t.ID, ledger.ActionClaimReset, "")); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Warn("release claim reset", "transactionId", txID, "actor", ledger.ActorFromContext(ctx))
	return out, nil
}

// Get returns a transaction by id.
func (s *Service) Get(ctx context.Context, txID int64) (*ledger.Transaction, error) {
	return s.store.GetTransaction(ctx, txID)
}

// AuditTrail returns the audit log of a transaction, oldest first.
func (s *Service) AuditTrail(ctx context.Context, txID int64) ([]*ledger.LogEntry, error) {
	if _, err := s.store.GetTransaction(ctx, txID); err != nil {
		return nil, err
	}
	return s.store.ListLogs(ctx, txID)
}
