package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// DecayResult describes one decay pass.
type DecayResult struct {
	Period   string `json:"period"`
	Affected int    `json:"affected"`
	// Applied is false when the period had already been processed.
	Applied bool `json:"applied"`
}

// PeriodKey returns the ISO week containing t, e.g. "2026-W42".
func PeriodKey(t time.Time) string {
	year, week := t.UTC().ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

// Decay lowers every positive risk score by the policy step, once per ISO
// week. A second call within the same week is a no-op.
func (s *Service) Decay(ctx context.Context, now time.Time) (DecayResult, error) {
	period := PeriodKey(now)
	affected, applied, err := s.store.DecayRiskScores(ctx, period, s.policy.DecayStep)
	if err != nil {
		decayRuns.WithLabelValues("error").Inc()
		return DecayResult{Period: period}, fmt.Errorf("decay risk scores for %s: %w", period, err)
	}
	if !applied {
		decayRuns.WithLabelValues("skipped").Inc()
		return DecayResult{Period: period}, nil
	}
	decayRuns.WithLabelValues("applied").Inc()
	decayedAccounts.Add(float64(affected))
	return DecayResult{Period: period, Affected: affected, Applied: true}, nil
}

// DecayJob runs Decay on a fixed interval.
type DecayJob struct {
	service  *Service
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewDecayJob creates a decay job. interval is typically a week; shorter
// intervals are safe because each ISO week decays at most once.
func NewDecayJob(service *Service, interval time.Duration, logger *slog.Logger) *DecayJob {
	if interval <= 0 {
		interval = 7 * 24 * time.Hour
	}
	return &DecayJob{
		service:  service,
		interval: interval,
		now:      time.Now,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the job loop is actively running.
func (j *DecayJob) Running() bool {
	return j.running.Load()
}

// Start runs once immediately, then on every tick. Call in a goroutine.
func (j *DecayJob) Start(ctx context.Context) {
	j.running.Store(true)
	defer j.running.Store(false)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.safeRun(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-j.stop:
			return
		case <-ticker.C:
			j.safeRun(ctx)
		}
	}
}

// Stop signals the job to stop.
func (j *DecayJob) Stop() {
	select {
	case j.stop <- struct{}{}:
	default:
	}
}

func (j *DecayJob) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			j.logger.Error("panic in risk decay job", "panic", fmt.Sprint(r))
		}
	}()

	res, err := j.service.Decay(ctx, j.now())
	if err != nil {
		j.logger.Warn("risk decay failed", "error", err)
		return
	}
	if res.Applied {
		j.logger.Info("risk scores decayed", "period", res.Period, "accounts", res.Affected)
	}
}
