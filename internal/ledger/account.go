// Package ledger holds participant accounts and the transaction records that
// move funds between them.
//
// Every account carries two figures:
//
//	balance            total funds, including amounts held against outgoing escrows
//	available_balance  funds the account can spend right now
//
// balance - available_balance is always the sum of the account's outstanding
// holds. Holds are placed on the sender when a goods & services transfer is
// created and are either consumed (release) or returned (dispute).
package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrDuplicateEmail      = errors.New("email already registered")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInsufficientFunds   = errors.New("insufficient available balance")
	ErrHoldMismatch        = errors.New("amount exceeds outstanding holds")
	ErrBalanceCeiling      = errors.New("balance would exceed the supported maximum")
	ErrAccountBanned       = errors.New("account is banned")
	ErrInvalidAccountState = errors.New("invalid account status")
	ErrInvalidAccount      = errors.New("name and a valid email are required")
)

// AccountStatus is the administrative state of an account.
type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountSuspended AccountStatus = "suspended" // may receive, may not send
	AccountBanned    AccountStatus = "banned"    // may neither send nor receive
)

// Valid reports whether s is a known status.
func (s AccountStatus) Valid() bool {
	switch s {
	case AccountActive, AccountSuspended, AccountBanned:
		return true
	}
	return false
}

// MaxRiskScore caps the global risk counter.
const MaxRiskScore = 100

// AmountScale is the number of fractional digits stored for money.
const AmountScale = 2

// MaxBalance is the largest value a NUMERIC(16,2) column holds.
var MaxBalance = decimal.RequireFromString("99999999999999.99")

// Account is a participant in the ledger.
type Account struct {
	ID               int64           `json:"id"`
	Name             string          `json:"name"`
	Email            string          `json:"email"`
	Balance          decimal.Decimal `json:"balance"`
	AvailableBalance decimal.Decimal `json:"availableBalance"`
	RiskScore        int             `json:"riskScore"`
	Status           AccountStatus   `json:"status"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// ValidateAmount checks that amount is positive and has no more than two
// fractional digits.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if !amount.Equal(amount.Round(AmountScale)) {
		return ErrInvalidAmount
	}
	return nil
}

// Held returns the total of outstanding holds against the account.
func (a *Account) Held() decimal.Decimal {
	return a.Balance.Sub(a.AvailableBalance)
}

// CanSpend reports whether amount is covered by the available balance.
func (a *Account) CanSpend(amount decimal.Decimal) bool {
	return a.AvailableBalance.GreaterThanOrEqual(amount)
}

// CanReceive reports whether the account may be credited with amount.
func (a *Account) CanReceive(amount decimal.Decimal) error {
	if a.Status == AccountBanned {
		return ErrAccountBanned
	}
	if a.Balance.Add(amount).GreaterThan(MaxBalance) {
		return ErrBalanceCeiling
	}
	return nil
}

// Hold reserves amount out of the available balance. The total balance is
// untouched until the hold is settled or returned.
func (a *Account) Hold(amount decimal.Decimal) error {
	if !a.CanSpend(amount) {
		return ErrInsufficientFunds
	}
	a.AvailableBalance = a.AvailableBalance.Sub(amount)
	return nil
}

// ReturnHold gives a previously held amount back to the available balance.
func (a *Account) ReturnHold(amount decimal.Decimal) error {
	if a.Held().LessThan(amount) {
		return ErrHoldMismatch
	}
	a.AvailableBalance = a.AvailableBalance.Add(amount)
	return nil
}

// SettleHold consumes a previously held amount: the funds leave the account.
func (a *Account) SettleHold(amount decimal.Decimal) error {
	if a.Held().LessThan(amount) {
		return ErrHoldMismatch
	}
	a.Balance = a.Balance.Sub(amount)
	return nil
}

// Debit removes amount from both figures at once.
func (a *Account) Debit(amount decimal.Decimal) error {
	if err := a.Hold(amount); err != nil {
		return err
	}
	return a.SettleHold(amount)
}

// Credit adds settled funds to both figures.
func (a *Account) Credit(amount decimal.Decimal) error {
	if err := a.CanReceive(amount); err != nil {
		return err
	}
	a.Balance = a.Balance.Add(amount)
	a.AvailableBalance = a.AvailableBalance.Add(amount)
	return nil
}

// AddRisk raises the risk score, capped at MaxRiskScore.
func (a *Account) AddRisk(points int) {
	a.RiskScore = min(a.RiskScore+points, MaxRiskScore)
}

// DecayRisk lowers the risk score by step, floored at zero.
func (a *Account) DecayRisk(step int) {
	a.RiskScore = max(a.RiskScore-step, 0)
}

func (a *Account) clone() *Account {
	cp := *a
	return &cp
}
