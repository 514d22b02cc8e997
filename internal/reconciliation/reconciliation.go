// Package reconciliation checks the ledger against its own bookkeeping: held
// funds must equal outstanding escrow holds, and no release claim may outlive
// the release retry budget.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/holdpay/internal/health"
	"github.com/mbd888/holdpay/internal/ledger"
)

// DefaultStuckLimit caps how many stuck claims one run reports.
const DefaultStuckLimit = 100

// Report holds the outcome of one reconciliation run.
type Report struct {
	Mismatches  []ledger.HoldMismatch `json:"mismatches"`
	StuckClaims []int64               `json:"stuckClaims"`
	CheckedAt   time.Time             `json:"checkedAt"`
}

// Clean reports whether the run found nothing to act on.
func (r *Report) Clean() bool {
	return len(r.Mismatches) == 0 && len(r.StuckClaims) == 0
}

// Service performs reconciliation runs and remembers the latest report.
type Service struct {
	store      ledger.Store
	stuckAfter time.Duration
	limit      int
	now        func() time.Time
	logger     *slog.Logger

	mu   sync.RWMutex
	last *Report
}

// NewService creates a reconciliation service. A claim whose row has not
// changed for stuckAfter counts as stuck.
func NewService(store ledger.Store, stuckAfter time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      store,
		stuckAfter: stuckAfter,
		limit:      DefaultStuckLimit,
		now:        time.Now,
		logger:     logger,
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Run checks every account's held funds and looks for abandoned claims.
func (s *Service) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	defer func() { runDuration.Observe(time.Since(start).Seconds()) }()

	mismatches, err := s.store.ListHoldMismatches(ctx)
	if err != nil {
		runErrors.Inc()
		return nil, fmt.Errorf("failed to compare holds: %w", err)
	}
	now := s.now()
	stuck, err := s.store.ListStuckClaims(ctx, now.Add(-s.stuckAfter), s.limit)
	if err != nil {
		runErrors.Inc()
		return nil, fmt.Errorf("failed to list stuck claims: %w", err)
	}

	report := &Report{
		Mismatches:  mismatches,
		StuckClaims: make([]int64, 0, len(stuck)),
		CheckedAt:   now,
	}
	if report.Mismatches == nil {
		report.Mismatches = []ledger.HoldMismatch{}
	}
	for _, t := range stuck {
		report.StuckClaims = append(report.StuckClaims, t.ID)
		s.logger.Warn("release claim abandoned",
			"transactionId", t.ID, "claimedSince", t.UpdatedAt, "stuckAfter", s.stuckAfter.String())
	}
	for _, m := range mismatches {
		s.logger.Error("held funds do not match outstanding holds",
			"accountId", m.AccountID, "held", m.Held.String(), "expected", m.Expected.String())
	}

	holdMismatches.Set(float64(len(report.Mismatches)))
	stuckClaims.Set(float64(len(report.StuckClaims)))

	s.mu.Lock()
	s.last = report
	s.mu.Unlock()
	return report, nil
}

// Last returns the most recent report, or nil before the first run.
func (s *Service) Last() *Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// HealthCheck reports the latest run. It never queries the store itself.
func (s *Service) HealthCheck(context.Context) health.Status {
	r := s.Last()
	switch {
	case r == nil:
		return health.Status{Healthy: true, Detail: "no run yet"}
	case r.Clean():
		return health.Status{Healthy: true}
	default:
		return health.Status{Detail: fmt.Sprintf("%d hold mismatches, %d stuck claims",
			len(r.Mismatches), len(r.StuckClaims))}
	}
}
