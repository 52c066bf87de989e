package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"unitmover.io/unitmover/internal/domain"
)

// Default periods of the maintenance jobs.
const (
	DefaultResumeInterval = time.Minute
	DefaultReserveCheck   = 5 * time.Minute
	DefaultSweepInterval  = time.Minute
)

// maintenanceOpts is shared by the periodic jobs: one attempt, and at
// most one queued job of a kind per period.
func maintenanceOpts(period time.Duration) river.InsertOpts {
	return river.InsertOpts{
		Queue:       river.QueueDefault,
		MaxAttempts: 1,
		UniqueOpts: river.UniqueOpts{
			ByArgs:   true,
			ByPeriod: period,
			ByQueue:  true,
		},
	}
}

// ---------------------------------------------------------------------------
// Resume stalled pipelines
// ---------------------------------------------------------------------------

// Resumer reschedules pipelines that stopped making progress.
type Resumer interface {
	ResumeStalled(ctx context.Context) (int, error)
}

// ResumeStalledArgs is a periodic job that reschedules stalled pipelines,
// for example after a crash between a state write and the next enqueue.
type ResumeStalledArgs struct{}

// Kind returns the job kind identifier.
func (ResumeStalledArgs) Kind() string { return "migration_resume" }

// InsertOpts returns default insert options.
func (ResumeStalledArgs) InsertOpts() river.InsertOpts { return maintenanceOpts(DefaultResumeInterval) }

// ResumeStalledWorker runs ResumeStalledArgs.
type ResumeStalledWorker struct {
	river.WorkerDefaults[ResumeStalledArgs]
	resumer Resumer
}

// NewResumeStalledWorker creates the worker.
func NewResumeStalledWorker(resumer Resumer) *ResumeStalledWorker {
	return &ResumeStalledWorker{resumer: resumer}
}

// Work reschedules stalled pipelines.
func (w *ResumeStalledWorker) Work(ctx context.Context, job *river.Job[ResumeStalledArgs]) error {
	if w == nil || w.resumer == nil {
		return fmt.Errorf("resume worker is not initialized")
	}
	n, err := w.resumer.ResumeStalled(ctx)
	logMaintenance(job.JobRow, "Stalled migration resume", err, zap.Int("resumed", n))
	return err
}

// ---------------------------------------------------------------------------
// Reserve low-balance check
// ---------------------------------------------------------------------------

// ReserveChecker reads the reserve and alerts when it is low.
type ReserveChecker interface {
	Check(ctx context.Context) (domain.ReserveStatus, error)
}

// ReserveCheckArgs is a periodic job that raises the low-balance alert
// while the reserve stays under its threshold.
type ReserveCheckArgs struct{}

// Kind returns the job kind identifier.
func (ReserveCheckArgs) Kind() string { return "reserve_check" }

// InsertOpts returns default insert options.
func (ReserveCheckArgs) InsertOpts() river.InsertOpts { return maintenanceOpts(DefaultReserveCheck) }

// ReserveCheckWorker runs ReserveCheckArgs.
type ReserveCheckWorker struct {
	river.WorkerDefaults[ReserveCheckArgs]
	checker ReserveChecker
}

// NewReserveCheckWorker creates the worker.
func NewReserveCheckWorker(checker ReserveChecker) *ReserveCheckWorker {
	return &ReserveCheckWorker{checker: checker}
}

// Work checks the reserve.
func (w *ReserveCheckWorker) Work(ctx context.Context, job *river.Job[ReserveCheckArgs]) error {
	if w == nil || w.checker == nil {
		return fmt.Errorf("reserve check worker is not initialized")
	}
	status, err := w.checker.Check(ctx)
	logMaintenance(job.JobRow, "Reserve check", err,
		zap.Uint64("balance", status.Balance),
		zap.Uint64("min_threshold", status.MinThreshold),
	)
	return err
}

// ---------------------------------------------------------------------------
// Transfer session sweep
// ---------------------------------------------------------------------------

// Sweeper reclaims expired transfer sessions.
type Sweeper interface {
	Sweep(ctx context.Context) int
}

// SessionSweepArgs is a periodic job that drops expired transfer
// sessions held in this process.
type SessionSweepArgs struct{}

// Kind returns the job kind identifier.
func (SessionSweepArgs) Kind() string { return "transfer_sweep" }

// InsertOpts returns default insert options.
func (SessionSweepArgs) InsertOpts() river.InsertOpts { return maintenanceOpts(DefaultSweepInterval) }

// SessionSweepWorker runs SessionSweepArgs.
type SessionSweepWorker struct {
	river.WorkerDefaults[SessionSweepArgs]
	sweeper Sweeper
}

// NewSessionSweepWorker creates the worker.
func NewSessionSweepWorker(sweeper Sweeper) *SessionSweepWorker {
	return &SessionSweepWorker{sweeper: sweeper}
}

// Work sweeps expired sessions.
func (w *SessionSweepWorker) Work(ctx context.Context, job *river.Job[SessionSweepArgs]) error {
	if w == nil || w.sweeper == nil {
		return fmt.Errorf("session sweep worker is not initialized")
	}
	n := w.sweeper.Sweep(ctx)
	logMaintenance(job.JobRow, "Transfer session sweep", nil, zap.Int("reclaimed", n))
	return nil
}

// ---------------------------------------------------------------------------
// Registration
// ---------------------------------------------------------------------------

// Intervals sets the maintenance periods. Zero values use the defaults.
type Intervals struct {
	Resume       time.Duration
	ReserveCheck time.Duration
	Sweep        time.Duration
}

func (i Intervals) withDefaults() Intervals {
	if i.Resume <= 0 {
		i.Resume = DefaultResumeInterval
	}
	if i.ReserveCheck <= 0 {
		i.ReserveCheck = DefaultReserveCheck
	}
	if i.Sweep <= 0 {
		i.Sweep = DefaultSweepInterval
	}
	return i
}

// Maintenance groups the collaborators of the periodic jobs. A nil
// Sweeper disables the sweep job.
type Maintenance struct {
	Resumer   Resumer
	Reserve   ReserveChecker
	Sweeper   Sweeper
	Intervals Intervals
}

// Register adds the maintenance workers to workers and returns the
// matching periodic jobs.
func (m Maintenance) Register(workers *river.Workers) []*river.PeriodicJob {
	iv := m.Intervals.withDefaults()
	var periodic []*river.PeriodicJob

	if m.Resumer != nil {
		river.AddWorker(workers, NewResumeStalledWorker(m.Resumer))
		periodic = append(periodic, every(iv.Resume, ResumeStalledArgs{}))
	}
	if m.Reserve != nil {
		river.AddWorker(workers, NewReserveCheckWorker(m.Reserve))
		periodic = append(periodic, every(iv.ReserveCheck, ReserveCheckArgs{}))
	}
	if m.Sweeper != nil {
		river.AddWorker(workers, NewSessionSweepWorker(m.Sweeper))
		periodic = append(periodic, every(iv.Sweep, SessionSweepArgs{}))
	}
	return periodic
}
