package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Store persists accounts, transactions, reputation pairs and the audit log.
//
// Methods on Store run outside any unit of work and are safe for concurrent
// use. Mutations that must see a consistent view of several rows go through
// Atomic.
type Store interface {
	// Atomic runs fn inside a single unit of work. If fn returns an error
	// every write made through the Unit is discarded. fn must only touch
	// storage through the Unit it is given.
	Atomic(ctx context.Context, fn func(Unit) error) error

	CreateAccount(ctx context.Context, acct *Account) error
	GetAccount(ctx context.Context, id int64) (*Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*Account, error)

	GetTransaction(ctx context.Context, id int64) (*Transaction, error)
	// ListReleasable returns escrowed transactions whose hold window has
	// elapsed at now and that are not claimed, disputed or settled, in
	// ascending id order starting after afterID.
	ListReleasable(ctx context.Context, now time.Time, afterID int64, limit int) ([]*Transaction, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Transaction, error)

	// TryClaim sets in_progress on a pending, undisputed, unclaimed
	// transaction. It reports false when another caller already holds the
	// claim or the transaction is no longer eligible.
	TryClaim(ctx context.Context, id int64) (bool, error)
	ClearClaim(ctx context.Context, id int64) error

	AppendLog(ctx context.Context, entry *LogEntry) error
	ListLogs(ctx context.Context, txID int64) ([]*LogEntry, error)

	PairScore(ctx context.Context, reporterID, reportedID int64) (int, error)
	// DecayRiskScores lowers every positive risk score by step, at most once
	// per period. applied is false when the period was already processed.
	DecayRiskScores(ctx context.Context, period string, step int) (affected int, applied bool, err error)

	// ListHoldMismatches returns accounts whose held amount (balance minus
	// available) differs from the sum of their pending escrowed sends.
	ListHoldMismatches(ctx context.Context) ([]HoldMismatch, error)
	// ListStuckClaims returns claimed transactions whose row was last
	// updated before cutoff, oldest first.
	ListStuckClaims(ctx context.Context, cutoff time.Time, limit int) ([]*Transaction, error)

	Ping(ctx context.Context) error
}

// HoldMismatch is an account whose held funds do not match its outstanding
// holds.
type HoldMismatch struct {
	AccountID int64           `json:"accountId"`
	Held      decimal.Decimal `json:"held"`
	Expected  decimal.Decimal `json:"expected"`
}

// Unit is the view of storage inside Store.Atomic. Rows returned by the Lock
// methods stay locked against other units until the unit ends.
type Unit interface {
	// LockTransaction locks a transaction row. It must be taken before any
	// account locks in the same unit.
	LockTransaction(ctx context.Context, id int64) (*Transaction, error)
	// LockAccounts locks the given accounts in ascending id order. Missing
	// ids are absent from the result rather than an error.
	LockAccounts(ctx context.Context, ids ...int64) (map[int64]*Account, error)
	FindAccountByEmail(ctx context.Context, email string) (*Account, error)
	SaveAccount(ctx context.Context, acct *Account) error

	InsertTransaction(ctx context.Context, t *Transaction) error
	SaveTransaction(ctx context.Context, t *Transaction) error
	// CountPendingEscrows counts goods & services sends to receiverID that
	// have not yet settled.
	CountPendingEscrows(ctx context.Context, receiverID int64) (int, error)

	PairScore(ctx context.Context, reporterID, reportedID int64) (int, error)
	IncrementPairScore(ctx context.Context, reporterID, reportedID int64) (int, error)

	AppendLog(ctx context.Context, entry *LogEntry) error
}
