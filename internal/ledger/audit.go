package ledger

import (
	"context"
	"time"
)

// Action names a recorded transition in the transaction log.
type Action string

const (
	ActionCreated         Action = "created"
	ActionCompleted       Action = "completed"
	ActionReleased        Action = "released"
	ActionReleaseFailed   Action = "release_failed"
	ActionDisputed        Action = "disputed"
	ActionDisputeResolved Action = "dispute_resolved"
	ActionRequestAccepted Action = "request_accepted"
	ActionRequestRejected Action = "request_rejected"
	ActionRequestCanceled Action = "request_canceled"
	ActionClaimReset      Action = "claim_reset"
)

// LogEntry is one append-only row of a transaction's audit trail.
type LogEntry struct {
	ID            int64     `json:"id"`
	TransactionID int64     `json:"transactionId"`
	Action        Action    `json:"action"`
	Actor         string    `json:"actor"`
	Note          string    `json:"note,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

type contextKey string

const ctxActor contextKey = "audit_actor"

// ActorSystem is recorded when no caller is attached to the context.
const ActorSystem = "system"

// WithActor attaches the caller identity recorded on audit entries.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, ctxActor, actor)
}

// ActorFromContext returns the attached caller identity or ActorSystem.
func ActorFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxActor).(string); ok && v != "" {
		return v
	}
	return ActorSystem
}

// NewLogEntry builds an entry attributed to the actor on ctx.
func NewLogEntry(ctx context.Context, txID int64, action Action, note string) *LogEntry {
	return &LogEntry{
		TransactionID: txID,
		Action:        action,
		Actor:         ActorFromContext(ctx),
		Note:          note,
	}
}
