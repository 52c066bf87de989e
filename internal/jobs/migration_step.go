package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"unitmover.io/unitmover/internal/domain"
	"unitmover.io/unitmover/internal/infrastructure"
	"unitmover.io/unitmover/internal/migration"
	apperrors "unitmover.io/unitmover/internal/pkg/errors"
	"unitmover.io/unitmover/internal/pkg/logger"
)

// DefaultStepTimeout bounds one stage. The import and handoff stages wait
// on remote calls and backoff, so River's one minute default is too short.
const DefaultStepTimeout = 15 * time.Minute

// ---------------------------------------------------------------------------
// Job Args
// ---------------------------------------------------------------------------

// MigrationStepArgs carries only the subject. The stage to run is read
// from the stored state.
type MigrationStepArgs struct {
	Subject string `json:"subject"`
}

// Kind returns the job kind identifier for a pipeline step.
func (MigrationStepArgs) Kind() string { return "migration_step" }

// InsertOpts returns default insert options for step jobs.
//
// Steps are not unique: the next step is enqueued while the current job
// is still running, and a uniqueness check on the running state would
// drop it. Duplicate chains collapse on the state version instead.
func (MigrationStepArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       infrastructure.QueueMigrations,
		MaxAttempts: 10,
	}
}

// ---------------------------------------------------------------------------
// Worker
// ---------------------------------------------------------------------------

// Stepper runs one stage of a pipeline.
type Stepper interface {
	Advance(ctx context.Context, subject string) (*domain.MigrationState, error)
}

// MigrationStepWorker runs one stage per job and enqueues the next one.
//
// Execution flow:
//  1. Advance the subject by one stage
//  2. A recorded failure or a lost version race ends the chain
//  3. Any other error is returned so River retries the job
//  4. A non-terminal state enqueues the next step
type MigrationStepWorker struct {
	river.WorkerDefaults[MigrationStepArgs]
	stepper Stepper
	next    migration.Scheduler
	timeout time.Duration
}

// NewMigrationStepWorker creates a step worker. next enqueues the
// following step.
func NewMigrationStepWorker(stepper Stepper, next migration.Scheduler, timeout time.Duration) *MigrationStepWorker {
	if timeout <= 0 {
		timeout = DefaultStepTimeout
	}
	return &MigrationStepWorker{stepper: stepper, next: next, timeout: timeout}
}

// Timeout overrides River's default job timeout.
func (w *MigrationStepWorker) Timeout(*river.Job[MigrationStepArgs]) time.Duration {
	return w.timeout
}

// Work executes one stage.
func (w *MigrationStepWorker) Work(ctx context.Context, job *river.Job[MigrationStepArgs]) error {
	subject := job.Args.Subject
	if subject == "" {
		return river.JobCancel(errors.New("migration step job has no subject"))
	}
	fields := append(jobFields(job.JobRow), zap.String("subject", subject))

	st, err := w.stepper.Advance(ctx, subject)
	switch {
	case err == nil:
	case apperrors.IsCode(err, apperrors.CodeNotFound) && st == nil:
		return river.JobCancel(fmt.Errorf("no migration for subject %s: %w", subject, err))
	case apperrors.IsCode(err, apperrors.CodeConflict):
		// Another chain wrote the state first; it carries on.
		logger.Info("Migration step lost version race, dropping chain",
			append(fields, zap.Error(err))...)
		return nil
	case st != nil && st.Status == domain.MigrationFailed:
		logger.Info("Migration step recorded failure",
			append(fields, zap.String("error_code", apperrors.CodeOf(err)))...)
		return nil
	default:
		logger.Warn("Migration step failed, will retry",
			append(fields, zap.Error(err))...)
		return fmt.Errorf("advance %s: %w", subject, err)
	}

	if st.Status.Terminal() || st.Status == domain.MigrationNotStarted {
		logger.Info("Migration pipeline finished",
			append(fields, zap.String("status", string(st.Status)))...)
		return nil
	}
	if err := w.next.Schedule(ctx, subject); err != nil {
		return fmt.Errorf("enqueue next step for %s: %w", subject, err)
	}
	logger.Debug("Migration step done",
		append(fields, zap.String("status", string(st.Status)))...)
	return nil
}

// ---------------------------------------------------------------------------
// Scheduler
// ---------------------------------------------------------------------------

// RiverScheduler enqueues step jobs. The River client is attached after
// it is built, since the client needs the step worker first.
type RiverScheduler struct {
	mu       sync.RWMutex
	inserter Inserter
}

var _ migration.Scheduler = (*RiverScheduler)(nil)

// NewRiverScheduler creates a scheduler with no client attached.
func NewRiverScheduler() *RiverScheduler {
	return &RiverScheduler{}
}

// Attach sets the client used to enqueue jobs.
func (s *RiverScheduler) Attach(inserter Inserter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserter = inserter
}

// Schedule implements migration.Scheduler.
func (s *RiverScheduler) Schedule(ctx context.Context, subject string) error {
	s.mu.RLock()
	inserter := s.inserter
	s.mu.RUnlock()
	if inserter == nil {
		return errors.New("river client is not attached")
	}
	if _, err := inserter.Insert(ctx, MigrationStepArgs{Subject: subject}, nil); err != nil {
		return fmt.Errorf("insert migration step job: %w", err)
	}
	return nil
}
