package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/holdpay/internal/retry"
	"github.com/mbd888/holdpay/internal/syncutil"
	"github.com/mbd888/holdpay/internal/traces"
)

// QueueConfig tunes the release queue.
type QueueConfig struct {
	Workers        int
	Buffer         int
	MaxAttempts    int
	Backoff        retry.Schedule
	AttemptTimeout time.Duration
}

// DefaultQueueConfig returns the production settings: five attempts spaced
// 30s, 60s, 120s, 120s apart, each bounded at 60s.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Workers:        4,
		Buffer:         1024,
		MaxAttempts:    5,
		Backoff:        retry.Schedule{30 * time.Second, 60 * time.Second, 120 * time.Second},
		AttemptTimeout: 60 * time.Second,
	}
}

func (c QueueConfig) withDefaults() QueueConfig {
	d := DefaultQueueConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.Buffer <= 0 {
		c.Buffer = d.Buffer
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if len(c.Backoff) == 0 {
		c.Backoff = d.Backoff
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = d.AttemptTimeout
	}
	return c
}

// ClaimDeadline is the longest a claim can legitimately stay set: every
// attempt running to its timeout plus every backoff delay between them.
// A claim older than this has been abandoned.
func (c QueueConfig) ClaimDeadline() time.Duration {
	c = c.withDefaults()
	total := time.Duration(c.MaxAttempts) * c.AttemptTimeout
	for n := 1; n < c.MaxAttempts; n++ {
		total += c.Backoff.Delay(n)
	}
	return total
}

type releaseTask struct {
	txID    int64
	attempt int
}

// ReleaseQueue feeds claimed transactions to a pool of release workers and
// retries failed attempts on a fixed schedule. Attempts for the same
// transaction never overlap within the process.
type ReleaseQueue struct {
	worker *ReleaseWorker
	cfg    QueueConfig
	locks  *syncutil.KeyMutex
	tasks  chan releaseTask
	done   chan struct{}
	logger *slog.Logger

	mu      sync.Mutex
	stopped bool
	timers  map[int64]*time.Timer

	base      context.Context
	startOnce sync.Once
	wg        sync.WaitGroup
	running   atomic.Bool
}

// NewReleaseQueue creates a stopped queue. Tasks enqueued before Start are
// buffered.
func NewReleaseQueue(worker *ReleaseWorker, cfg QueueConfig, logger *slog.Logger) *ReleaseQueue {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &ReleaseQueue{
		worker: worker,
		cfg:    cfg,
		locks:  syncutil.NewKeyMutex(),
		tasks:  make(chan releaseTask, cfg.Buffer),
		done:   make(chan struct{}),
		logger: logger,
		timers: make(map[int64]*time.Timer),
		base:   context.Background(),
	}
}

// Running reports whether the worker pool is running.
func (q *ReleaseQueue) Running() bool {
	return q.running.Load()
}

// Enqueue schedules the first release attempt for a claimed transaction.
func (q *ReleaseQueue) Enqueue(txID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return ErrQueueStopped
	}
	select {
	case q.tasks <- releaseTask{txID: txID, attempt: 1}:
		queueDepth.Inc()
		return nil
	default:
		return ErrQueueFull
	}
}

// Start launches the workers. Attempts run on a context detached from ctx so
// cancellation never interrupts a unit of work; use Stop to shut down.
func (q *ReleaseQueue) Start(ctx context.Context) {
	q.startOnce.Do(func() {
		q.base = context.WithoutCancel(ctx)
		q.running.Store(true)
		for range q.cfg.Workers {
			q.wg.Add(1)
			go q.loop()
		}
		q.logger.Info("release queue started", "workers", q.cfg.Workers, "maxAttempts", q.cfg.MaxAttempts, "backoff", q.cfg.Backoff.String())
	})
}

// Stop stops accepting work, cancels scheduled retries and waits for
// in-flight attempts. Claims of tasks that will no longer run are cleared so
// the next sweep can pick them up again.
func (q *ReleaseQueue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	abandoned := make([]int64, 0, len(q.timers))
	for id, tm := range q.timers {
		tm.Stop()
		abandoned = append(abandoned, id)
	}
	q.timers = make(map[int64]*time.Timer)
	q.mu.Unlock()
	close(q.done)

	var err error
	finished := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		err = ctx.Err()
	}

drain:
	for {
		select {
		case t := <-q.tasks:
			abandoned = append(abandoned, t.txID)
		default:
			break drain
		}
	}
	queueDepth.Sub(float64(len(abandoned)))

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	for _, id := range abandoned {
		if cerr := q.worker.svc.store.ClearClaim(cctx, id); cerr != nil {
			q.logger.Warn("failed to clear claim on shutdown", "transactionId", id, "error", cerr)
		}
	}
	q.running.Store(false)
	q.logger.Info("release queue stopped", "abandoned", len(abandoned))
	return err
}

func (q *ReleaseQueue) loop() {
	defer q.wg.Done()
	for {
		select {
		case <-q.done:
			return
		case t := <-q.tasks:
			queueDepth.Dec()
			q.attempt(t)
		}
	}
}

func (q *ReleaseQueue) attempt(t releaseTask) {
	ctx, cancel := context.WithTimeout(q.base, q.cfg.AttemptTimeout)
	defer cancel()

	err := q.process(ctx, t)
	if err == nil {
		return
	}
	if retry.IsPermanent(err) || t.attempt >= q.cfg.MaxAttempts {
		fctx, fcancel := context.WithTimeout(q.base, q.cfg.AttemptTimeout)
		defer fcancel()
		q.worker.HandleFailure(fctx, t.txID, err)
		return
	}

	delay := q.cfg.Backoff.Delay(t.attempt)
	releasesTotal.WithLabelValues("retried").Inc()
	q.logger.Warn("release attempt failed, retrying",
		"transactionId", t.txID, "attempt", t.attempt, "retryIn", delay, "error", err)
	q.schedule(releaseTask{txID: t.txID, attempt: t.attempt + 1}, delay)
}

func (q *ReleaseQueue) process(ctx context.Context, t releaseTask) (err error) {
	ctx, span := traces.StartSpan(ctx, "settlement.ReleaseAttempt", traces.TransactionID(t.txID), traces.Attempt(t.attempt))
	defer func() { traces.End(span, err) }()
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("panic in release worker", "transactionId", t.txID, "panic", fmt.Sprint(r))
			err = fmt.Errorf("release worker panic: %v", r)
		}
	}()

	unlock, err := q.locks.Lock(ctx, t.txID)
	if err != nil {
		return err
	}
	defer unlock()
	_, err = q.worker.Process(ctx, t.txID)
	return err
}

func (q *ReleaseQueue) schedule(t releaseTask, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		q.clearClaim(t.txID)
		return
	}
	if old, ok := q.timers[t.txID]; ok {
		old.Stop()
		queueDepth.Dec()
	}
	var tm *time.Timer
	tm = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if q.timers[t.txID] != tm {
			return
		}
		delete(q.timers, t.txID)
		if q.stopped {
			return
		}
		select {
		case q.tasks <- t:
		default:
			queueDepth.Dec()
			q.logger.Warn("release queue full, dropping retry", "transactionId", t.txID)
			q.clearClaim(t.txID)
		}
	})
	q.timers[t.txID] = tm
	queueDepth.Inc()
}

// clearClaim releases a claim for a task the queue will not run.
func (q *ReleaseQueue) clearClaim(txID int64) {
	ctx, cancel := context.WithTimeout(q.base, 10*time.Second)
	defer cancel()
	if err := q.worker.svc.store.ClearClaim(ctx, txID); err != nil {
		q.logger.Warn("failed to clear release claim", "transactionId", txID, "error", err)
	}
}
