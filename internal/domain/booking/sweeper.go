package booking

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/opd/opd/internal/clock"
	"github.com/opd/opd/internal/platform/db"
	"github.com/opd/opd/internal/platform/monitor"
	"github.com/opd/opd/internal/platform/retry"
)

// SweepResult summarises one sweep run.
type SweepResult struct {
	Scanned   int       `json:"scanned"`
	Released  int       `json:"released"`
	Failed    int       `json:"failed"`
	StartedAt time.Time `json:"started_at"`
	Duration  string    `json:"duration"`
}

// Sweeper releases slot units held by appointments whose payment never
// arrived. Only one sweep runs at a time; overlapping calls fail with
// ErrSweepInProgress.
type Sweeper struct {
	slots   SlotRepository
	appts   AppointmentRepository
	clk     clock.Clock
	log     zerolog.Logger
	monitor *monitor.Monitor

	holdExpiry time.Duration
	batchSize  int

	runTx func(ctx context.Context, fn func(ctx context.Context) error) error

	running atomic.Bool
	mu      sync.Mutex
	last    *SweepResult
}

func NewSweeper(pool *pgxpool.Pool, slots SlotRepository, appts AppointmentRepository,
	clk clock.Clock, mon *monitor.Monitor, log zerolog.Logger,
	holdExpiry time.Duration, batchSize int, lockTimeout time.Duration) *Sweeper {
	if mon != nil {
		mon.TrackService("expiry_sweeper")
	}
	return &Sweeper{
		slots:      slots,
		appts:      appts,
		clk:        clk,
		monitor:    mon,
		log:        log.With().Str("component", "sweeper").Logger(),
		holdExpiry: holdExpiry,
		batchSize:  batchSize,
		runTx: func(ctx context.Context, fn func(ctx context.Context) error) error {
			return db.WithLockTimeout(ctx, pool, lockTimeout, fn)
		},
	}
}

// Run performs one full sweep, batch by batch until no expired holds remain.
func (s *Sweeper) Run(ctx context.Context) (*SweepResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrSweepInProgress
	}
	defer s.running.Store(false)

	start := s.clk.Now()
	cutoff := start.Add(-s.holdExpiry)
	result := &SweepResult{StartedAt: start}

	s.log.Info().Time("cutoff", cutoff).Int("batch_size", s.batchSize).Msg("sweep started")

	for {
		var expired []*Appointment
		err := retry.WithBackoff(ctx, func(ctx context.Context) error {
			var err error
			expired, err = s.appts.FindExpired(ctx, cutoff, s.batchSize)
			return err
		}, retry.Options{
			OnRetry: func(attempt int, delay time.Duration) {
				s.log.Warn().Int("attempt", attempt).Dur("delay", delay).Msg("retrying expired hold query")
			},
		})
		if err != nil {
			if s.monitor != nil {
				s.monitor.RecordFailure("expiry_sweeper", err)
			}
			return result, fmt.Errorf("find expired holds: %w", err)
		}
		if len(expired) == 0 {
			break
		}

		result.Scanned += len(expired)
		released := 0
		for _, appt := range expired {
			if err := s.releaseExpired(ctx, appt); err != nil {
				result.Failed++
				s.log.Error().Err(err).Str("appointment_id", appt.ID.String()).Msg("failed to release expired hold")
				continue
			}
			result.Released++
			released++
		}

		// Failed holds stay pending, so a batch that released nothing
		// would be re-fetched verbatim. Stop and let the next scheduled
		// sweep retry instead of spinning.
		if released == 0 {
			s.log.Error().Int("failed", result.Failed).Msg("sweep made no progress, aborting run")
			break
		}
		if len(expired) < s.batchSize {
			break
		}
	}

	result.Duration = s.clk.Now().Sub(start).String()
	if result.Released != result.Scanned {
		s.log.Warn().
			Int("scanned", result.Scanned).
			Int("released", result.Released).
			Int("failed", result.Failed).
			Msg("sweep finished with failures")
	} else {
		s.log.Info().Int("released", result.Released).Str("duration", result.Duration).Msg("sweep finished")
	}
	if s.monitor != nil {
		if result.Failed == 0 {
			s.monitor.RecordSuccess("expiry_sweeper")
		} else {
			s.monitor.RecordFailure("expiry_sweeper",
				fmt.Errorf("%d of %d expired holds failed to release", result.Failed, result.Scanned))
		}
	}

	s.mu.Lock()
	s.last = result
	s.mu.Unlock()
	return result, nil
}

// releaseExpired cancels one expired hold. The appointment is re-read under
// lock because a payment webhook may have confirmed it since the batch query.
func (s *Sweeper) releaseExpired(ctx context.Context, appt *Appointment) error {
	return s.runTx(ctx, func(ctx context.Context) error {
		current, err := s.appts.GetForUpdate(ctx, appt.ID)
		if err != nil {
			return err
		}
		if current.Status != StatusPending || current.PaymentStatus != PaymentPending {
			s.log.Info().Str("appointment_id", appt.ID.String()).Str("status", current.Status).
				Msg("hold no longer expired, skipping")
			return nil
		}

		now := s.clk.Now()
		cancelled, failed := StatusCancelled, PaymentFailed
		reason, by := "payment window expired", "system"
		if err := s.appts.Update(ctx, current.ID, AppointmentUpdate{
			Status:        &cancelled,
			PaymentStatus: &failed,
			CancelReason:  &reason,
			CancelledBy:   &by,
			CancelledAt:   &now,
		}); err != nil {
			return err
		}
		return s.slots.Release(ctx, current.SlotID, current.ID)
	})
}

// LastResult returns the most recent completed sweep, or nil.
func (s *Sweeper) LastResult() *SweepResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// IsRunning reports whether a sweep is currently in progress.
func (s *Sweeper) IsRunning() bool {
	return s.running.Load()
}

// SchedulerStatus is the health snapshot of the background scheduler.
type SchedulerStatus struct {
	Running   bool         `json:"running"`
	Sweeping  bool         `json:"sweeping"`
	Interval  string       `json:"interval"`
	LastSweep *SweepResult `json:"last_sweep,omitempty"`
}

// Scheduler runs the sweeper on a fixed interval.
type Scheduler struct {
	sweeper  *Sweeper
	interval time.Duration
	log      zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewScheduler(sweeper *Sweeper, interval time.Duration, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		sweeper:  sweeper,
		interval: interval,
		log:      log.With().Str("component", "sweep_scheduler").Logger(),
	}
}

// Start launches the periodic sweep loop. Calling Start on a running
// scheduler is a no-op.
func (sc *Scheduler) Start(ctx context.Context) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	sc.cancel = cancel
	sc.done = make(chan struct{})
	go sc.loop(ctx)
	sc.log.Info().Dur("interval", sc.interval).Msg("sweep scheduler started")
}

func (sc *Scheduler) loop(ctx context.Context) {
	defer close(sc.done)
	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := sc.sweeper.Run(ctx); err != nil && err != ErrSweepInProgress {
				sc.log.Error().Err(err).Msg("scheduled sweep failed")
			}
		}
	}
}

// Stop halts the loop and waits for an in-flight sweep iteration to finish.
func (sc *Scheduler) Stop() {
	sc.mu.Lock()
	cancel, done := sc.cancel, sc.done
	sc.cancel = nil
	sc.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	sc.log.Info().Msg("sweep scheduler stopped")
}

// Status reports the scheduler and last sweep outcome.
func (sc *Scheduler) Status() SchedulerStatus {
	sc.mu.Lock()
	running := sc.cancel != nil
	sc.mu.Unlock()
	return SchedulerStatus{
		Running:   running,
		Sweeping:  sc.sweeper.IsRunning(),
		Interval:  sc.interval.String(),
		LastSweep: sc.sweeper.LastResult(),
	}
}
