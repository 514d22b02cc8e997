package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/holdpay/internal/ledger"
)

const (
	DefaultSweepInterval  = time.Minute
	DefaultSweepBatchSize = 100
)

// Enqueuer accepts claimed transactions for release.
type Enqueuer interface {
	Enqueue(txID int64) error
}

// Sweeper periodically claims goods & services payments whose hold window
// has elapsed and hands them to the release queue. It never touches
// balances. Several sweepers may run at once: the claim is a conditional
// update, so each transaction is queued by exactly one of them.
type Sweeper struct {
	store     ledger.Store
	queue     Enqueuer
	interval  time.Duration
	batchSize int
	now       func() time.Time
	logger    *slog.Logger
	stop      chan struct{}
	running   atomic.Bool
}

// NewSweeper creates a sweeper with the default interval and batch size.
func NewSweeper(store ledger.Store, queue Enqueuer, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:     store,
		queue:     queue,
		interval:  DefaultSweepInterval,
		batchSize: DefaultSweepBatchSize,
		now:       time.Now,
		logger:    logger,
		stop:      make(chan struct{}, 1),
	}
}

// WithInterval sets the time between sweeps.
func (s *Sweeper) WithInterval(d time.Duration) *Sweeper {
	if d > 0 {
		s.interval = d
	}
	return s
}

// WithBatchSize sets how many candidates are read per query.
func (s *Sweeper) WithBatchSize(n int) *Sweeper {
	if n > 0 {
		s.batchSize = n
	}
	return s
}

// WithClock replaces time.Now, for tests.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Running reports whether the sweep loop is actively running.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the sweep loop to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in escrow sweep", "panic", fmt.Sprint(r))
		}
	}()
	n, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Warn("escrow sweep failed", "queued", n, "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("escrow sweep queued releases", "queued", n)
	}
}

// Sweep claims every releasable transaction due at the current time, in
// ascending id order, and returns how many were queued.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	queued := 0
	var after int64

	for {
		batch, err := s.store.ListReleasable(ctx, now, after, s.batchSize)
		if err != nil {
			sweepRuns.WithLabelValues("error").Inc()
			return queued, fmt.Errorf("list releasable transactions: %w", err)
		}

		for _, t := range batch {
			after = t.ID
			won, err := s.store.TryClaim(ctx, t.ID)
			if err != nil {
				s.logger.Warn("failed to claim transaction", "transactionId", t.ID, "error", err)
				continue
			}
			if !won {
				continue
			}
			if err := s.queue.Enqueue(t.ID); err != nil {
				if cerr := s.store.ClearClaim(ctx, t.ID); cerr != nil {
					s.logger.Error("failed to clear claim after enqueue failure", "transactionId", t.ID, "error", cerr)
				}
				if errors.Is(err, ErrQueueStopped) {
					sweepRuns.WithLabelValues("stopped").Inc()
					return queued, err
				}
				s.logger.Warn("failed to enqueue release", "transactionId", t.ID, "error", err)
				continue
			}
			queued++
			sweepClaims.Inc()
		}

		if len(batch) < s.batchSize {
			break
		}
	}

	sweepRuns.WithLabelValues("ok").Inc()
	return queued, nil
}
