package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/holdpay/internal/retry"
	"github.com/shopspring/decimal"
)

const (
	transientAttempts  = 3
	transientBaseDelay = 20 * time.Millisecond
)

// Atomically runs fn in a unit of work and retries the whole unit when it
// fails with a transient storage error.
func Atomically(ctx context.Context, store Store, fn func(Unit) error) error {
	return retry.Do(ctx, transientAttempts, transientBaseDelay, retry.When(IsTransient, func() error {
		return store.Atomic(ctx, fn)
	}))
}

// NormalizeEmail lower-cases and trims an email address for lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Service administers accounts: opening, funding and status changes.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates an account service.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// OpenAccountRequest contains the details of a new account.
type OpenAccountRequest struct {
	Name  string `json:"name" binding:"required"`
	Email string `json:"email" binding:"required"`
}

// OpenAccount registers a new active account with a zero balance.
func (s *Service) OpenAccount(ctx context.Context, req OpenAccountRequest) (*Account, error) {
	done := observeOp("open_account")
	defer done()

	name := strings.TrimSpace(req.Name)
	email := NormalizeEmail(req.Email)
	if name == "" || !strings.Contains(email, "@") {
		return nil, ErrInvalidAccount
	}

	acct := &Account{
		Name:             name,
		Email:            email,
		Balance:          decimal.Zero,
		AvailableBalance: decimal.Zero,
		Status:           AccountActive,
	}
	if err := s.store.CreateAccount(ctx, acct); err != nil {
		return nil, err
	}
	s.logger.Info("account opened", "accountId", acct.ID)
	return acct, nil
}

// GetAccount returns an account by id.
func (s *Service) GetAccount(ctx context.Context, id int64) (*Account, error) {
	return s.store.GetAccount(ctx, id)
}

// Deposit credits settled funds to an account.
func (s *Service) Deposit(ctx context.Context, id int64, amount decimal.Decimal) (*Account, error) {
	done := observeOp("deposit")
	defer done()

	if err := ValidateAmount(amount); err != nil {
		return nil, err
	}

	var out *Account
	err := Atomically(ctx, s.store, func(u Unit) error {
		accts, err := u.LockAccounts(ctx, id)
		if err != nil {
			return err
		}
		acct, ok := accts[id]
		if !ok {
			return ErrAccountNotFound
		}
		if err := acct.Credit(amount); err != nil {
			return err
		}
		if err := u.SaveAccount(ctx, acct); err != nil {
			return err
		}
		out = acct
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("deposit to account %d: %w", id, err)
	}
	return out, nil
}

// SetStatus changes the administrative status of an account.
func (s *Service) SetStatus(ctx context.Context, id int64, status AccountStatus) (*Account, error) {
	if !status.Valid() {
		return nil, ErrInvalidAccountState
	}

	var out *Account
	err := Atomically(ctx, s.store, func(u Unit) error {
		accts, err := u.LockAccounts(ctx, id)
		if err != nil {
			return err
		}
		acct, ok := accts[id]
		if !ok {
			return ErrAccountNotFound
		}
		acct.Status = status
		if err := u.SaveAccount(ctx, acct); err != nil {
			return err
		}
		out = acct
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("account status changed", "accountId", id, "status", status, "actor", ActorFromContext(ctx))
	return out, nil
}
