package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrDuplicateReference  = errors.New("transaction reference already exists")
	ErrInvalidPurpose      = errors.New("invalid purpose")
)

// Kind distinguishes a push transfer from a money request.
type Kind string

const (
	KindSend    Kind = "send"
	KindRequest Kind = "request"
)

// Purpose selects the settlement path of a transfer.
type Purpose string

const (
	PurposeFriendsFamily Purpose = "friends_family"
	PurposeGoodsServices Purpose = "goods_services"
)

// ParsePurpose normalises the labels clients use for a purpose. Case, spacing,
// punctuation and the word "and" are ignored, so "Goods and Services",
// "goods_and_services", "goods-services" and "goods & services" all map to
// PurposeGoodsServices.
func ParsePurpose(label string) (Purpose, error) {
	var b strings.Builder
	for _, r := range strings.ToLower(label) {
		if unicode.IsLetter(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	var words []string
	for _, w := range strings.Fields(b.String()) {
		if w != "and" {
			words = append(words, w)
		}
	}
	switch strings.Join(words, "") {
	case "friendsfamily", "ff":
		return PurposeFriendsFamily, nil
	case "goodsservices", "gs":
		return PurposeGoodsServices, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPurpose, label)
}

// Status is the lifecycle state of a transaction.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusDisputed  Status = "disputed"
	StatusRefunded  Status = "refunded"
	StatusCanceled  Status = "canceled"
)

// IsTerminal reports whether no further transition can leave s. Disputed is
// not terminal: an administrator may still resolve it.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRefunded, StatusCanceled:
		return true
	}
	return false
}

// Transaction is a single movement of funds between two accounts.
type Transaction struct {
	ID                 int64           `json:"id"`
	Reference          string          `json:"reference"`
	SenderID           int64           `json:"senderId"`
	ReceiverID         int64           `json:"receiverId"`
	Amount             decimal.Decimal `json:"amount"`
	Kind               Kind            `json:"kind"`
	Purpose            Purpose         `json:"purpose"`
	Status             Status          `json:"status"`
	Disputed           bool            `json:"disputed"`
	InProgress         bool            `json:"inProgress"`
	ScheduledReleaseAt *time.Time      `json:"scheduledReleaseAt,omitempty"`
	ProcessedAt        *time.Time      `json:"processedAt,omitempty"`
	Note               string          `json:"note,omitempty"`
	DisputeEvidence    string          `json:"disputeEvidence,omitempty"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

// IsEscrowed reports whether the transaction follows the hold-and-release path.
func (t *Transaction) IsEscrowed() bool {
	return t.Kind == KindSend && t.Purpose == PurposeGoodsServices
}

// Releasable reports whether the sweep may claim the transaction at now.
func (t *Transaction) Releasable(now time.Time) bool {
	return t.IsEscrowed() &&
		t.Status == StatusPending &&
		!t.Disputed &&
		!t.InProgress &&
		t.ScheduledReleaseAt != nil &&
		!t.ScheduledReleaseAt.After(now)
}

// Due reports whether the hold window has elapsed.
func (t *Transaction) Due(now time.Time) bool {
	return t.ScheduledReleaseAt != nil && !t.ScheduledReleaseAt.After(now)
}

// Claimable reports whether a worker may set the in_progress flag.
func (t *Transaction) Claimable() bool {
	return t.Status == StatusPending && !t.Disputed && !t.InProgress
}

func (t *Transaction) clone() *Transaction {
	cp := *t
	if t.ScheduledReleaseAt != nil {
		v := *t.ScheduledReleaseAt
		cp.ScheduledReleaseAt = &v
	}
	if t.ProcessedAt != nil {
		v := *t.ProcessedAt
		cp.ProcessedAt = &v
	}
	return &cp
}
