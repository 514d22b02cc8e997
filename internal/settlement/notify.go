package settlement

import (
	"context"

	"github.com/mbd888/holdpay/internal/ledger"
)

// Notifier is told about every credit that completed, after its unit of work
// committed. Implementations must not block.
type Notifier interface {
	FundsReceived(ctx context.Context, t *ledger.Transaction)
}

type nopNotifier struct{}

func (nopNotifier) FundsReceived(context.Context, *ledger.Transaction) {}
