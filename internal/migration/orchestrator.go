// Package migration drives one subject's data from the shared store onto a
// dedicated unit.
//
// Each subject has a single MigrationState that moves through
//
//	NOT_STARTED → EXPORTING → CREATING → INSTALLING → IMPORTING → VERIFYING → COMPLETED
//
// with FAILED reachable from every non-terminal stage. Advance runs
// exactly one stage and persists the outcome, so a Scheduler can run the
// pipeline as a chain of independent jobs that survive restarts. Every
// state write is an optimistic compare-and-swap on the state version.
//
// Import Path: unitmover.io/unitmover/internal/migration
package migration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"unitmover.io/unitmover/internal/domain"
	"unitmover.io/unitmover/internal/handoff"
	apperrors "unitmover.io/unitmover/internal/pkg/errors"
	"unitmover.io/unitmover/internal/pkg/logger"
	"unitmover.io/unitmover/internal/provider"
	"unitmover.io/unitmover/internal/registry"
	"unitmover.io/unitmover/internal/repository"
	"unitmover.io/unitmover/internal/reserve"
	"unitmover.io/unitmover/internal/source"
	"unitmover.io/unitmover/internal/transfer"
	"unitmover.io/unitmover/internal/verify"
)

// Scheduler queues the next pipeline step of a subject.
type Scheduler interface {
	Schedule(ctx context.Context, subject string) error
}

// Config tunes the orchestrator.
type Config struct {
	OrchestratorID string
	FundingCredits uint64
	// StallAfter is how long a non-terminal pipeline may go without a
	// state write before ResumeStalled picks it up.
	StallAfter time.Duration
	Clock      clock.Clock
}

// Deps are the collaborators of the orchestrator.
type Deps struct {
	Migrations  repository.MigrationRepository
	Reserve     *reserve.Manager
	Registry    *registry.Service
	Source      source.Store
	Provisioner provider.Provisioner
	Verifier    verify.Verifier
	Handoff     *handoff.Saga
	Uploader    *transfer.Uploader
	Toggle      *Toggle
	Template    *provider.UnitTemplate
	// Events may be nil.
	Events *domain.EventDispatcher
}

// Orchestrator owns every MigrationState write.
type Orchestrator struct {
	migrations  repository.MigrationRepository
	reserve     *reserve.Manager
	registry    *registry.Service
	source      source.Store
	provisioner provider.Provisioner
	verifier    verify.Verifier
	saga        *handoff.Saga
	uploader    *transfer.Uploader
	toggle      *Toggle
	template    *provider.UnitTemplate
	events      *domain.EventDispatcher

	cfg       Config
	scheduler Scheduler
	log       *zap.Logger
}

// NewOrchestrator validates deps and creates an Orchestrator. A Scheduler
// is attached later with SetScheduler; without one, Migrate only records
// the start and the caller drives the pipeline with Run.
func NewOrchestrator(deps Deps, cfg Config) (*Orchestrator, error) {
	switch {
	case deps.Migrations == nil:
		return nil, errors.New("migration repository is required")
	case deps.Reserve == nil:
		return nil, errors.New("reserve manager is required")
	case deps.Registry == nil:
		return nil, errors.New("registry is required")
	case deps.Source == nil:
		return nil, errors.New("source store is required")
	case deps.Provisioner == nil:
		return nil, errors.New("provisioner is required")
	case deps.Verifier == nil:
		return nil, errors.New("verifier is required")
	case deps.Handoff == nil:
		return nil, errors.New("handoff saga is required")
	case deps.Uploader == nil:
		return nil, errors.New("uploader is required")
	case deps.Toggle == nil:
		return nil, errors.New("feature toggle is required")
	}
	if err := deps.Template.Validate(); err != nil {
		return nil, fmt.Errorf("unit template: %w", err)
	}
	if cfg.OrchestratorID == "" {
		return nil, errors.New("orchestrator id is required")
	}
	if cfg.FundingCredits == 0 {
		return nil, errors.New("funding credits must be positive")
	}
	if cfg.StallAfter <= 0 {
		cfg.StallAfter = 10 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}

	return &Orchestrator{
		migrations:  deps.Migrations,
		reserve:     deps.Reserve,
		registry:    deps.Registry,
		source:      deps.Source,
		provisioner: deps.Provisioner,
		verifier:    deps.Verifier,
		saga:        deps.Handoff,
		uploader:    deps.Uploader,
		toggle:      deps.Toggle,
		template:    deps.Template,
		events:      deps.Events,
		cfg:         cfg,
		log:         logger.Named("migration"),
	}, nil
}

// SetScheduler attaches the step scheduler.
func (o *Orchestrator) SetScheduler(s Scheduler) {
	o.scheduler = s
}

// errLostRace means another caller claimed the subject first.
var errLostRace = errors.New("lost claim race")

// Migrate starts or inspects the migration of subject.
//
// With no state, NOT_STARTED, or FAILED before a handoff reached the
// owner, it checks the feature toggle, funds a new unit from the reserve
// and schedules the pipeline. A pipeline already in progress is returned
// untouched. A completed migration returns its state, which carries the
// target unit id.
func (o *Orchestrator) Migrate(ctx context.Context, caller domain.Caller, subject string) (*domain.MigrationState, error) {
	if subject == "" {
		return nil, apperrors.ErrInvalidArgument("subject is required")
	}
	if !caller.MayActOn(subject) {
		return nil, apperrors.ErrUnauthorizedCaller(caller.ID, subject)
	}

	state, err := o.lookup(ctx, subject)
	if err != nil {
		return nil, err
	}
	if !state.Restartable() {
		return state, nil
	}

	enabled, err := o.toggle.Enabled(ctx)
	if err != nil {
		return nil, apperrors.ErrInternalf(err, "read feature toggle")
	}
	if !enabled {
		return nil, apperrors.ErrMigrationDisabled()
	}

	claimed, err := o.claim(ctx, caller, subject, state)
	if errors.Is(err, errLostRace) {
		current, lookupErr := o.lookup(ctx, subject)
		if lookupErr != nil {
			return nil, lookupErr
		}
		return current, nil
	}
	if err != nil {
		return nil, err
	}

	if err := o.fund(ctx, claimed); err != nil {
		return claimed, err
	}

	o.schedule(ctx, subject)
	return claimed, nil
}

// claim moves subject to EXPORTING for a new attempt. Only one concurrent
// caller wins; the others get errLostRace.
func (o *Orchestrator) claim(ctx context.Context, caller domain.Caller, subject string, state *domain.MigrationState) (*domain.MigrationState, error) {
	now := o.now()
	if state == nil {
		state = &domain.MigrationState{
			Subject:   subject,
			Status:    domain.MigrationNotStarted,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := o.migrations.Create(ctx, state); err != nil {
			if errors.Is(err, repository.ErrAlreadyExists) {
				return nil, errLostRace
			}
			return nil, apperrors.ErrInternalf(err, "create migration state")
		}
	}

	from := state.Status
	next := state.Clone()
	next.Status = domain.MigrationExporting
	next.Attempt++
	next.Error = nil
	next.CompletedAt = nil
	// CreditsConsumed carries over: a debit that never reached a registered
	// unit still funds this attempt.
	next.Export = domain.ExportSummary{}
	next.Transfer = domain.TransferProgress{}
	next.Verified = false
	next.Handoff = domain.HandoffRecord{}

	if err := o.save(ctx, next); err != nil {
		if apperrors.IsCode(err, apperrors.CodeConflict) {
			return nil, errLostRace
		}
		return nil, err
	}

	o.log.Info("Migration started",
		zap.String("subject", subject),
		zap.String("actor", caller.ID),
		zap.Int("attempt", next.Attempt),
	)
	o.events.Publish(ctx, domain.EventMigrationStarted, domain.AggregateMigration, subject, caller.ID,
		domain.MigrationPayload{Subject: subject, From: from, To: next.Status, Attempt: next.Attempt})
	return next, nil
}

// fund debits the reserve for a new unit. An owner with a resumable unit
// in the registry reuses it, and a debit left over from an attempt that
// failed before registering a unit is reused; neither is charged again.
func (o *Orchestrator) fund(ctx context.Context, st *domain.MigrationState) error {
	entry, err := o.registry.GetByOwner(ctx, st.Subject)
	if err != nil {
		return o.fail(ctx, st, apperrors.ErrInternalf(err, "lookup registry"))
	}
	if entry != nil && entry.Status.Resumable() {
		next := st.Clone()
		next.CreditsConsumed = entry.CreditsConsumed
		next.TargetUnitID = entry.UnitID
		if err := o.save(ctx, next); err != nil {
			return err
		}
		*st = *next
		o.log.Info("Reusing unit from earlier attempt",
			zap.String("subject", st.Subject),
			zap.String("unit_id", entry.UnitID),
		)
		return nil
	}
	if st.CreditsConsumed >= o.cfg.FundingCredits {
		o.log.Info("Reusing debit from earlier attempt",
			zap.String("subject", st.Subject),
			zap.Uint64("credits", st.CreditsConsumed),
		)
		return nil
	}

	if _, err := o.reserve.PreflightAndConsume(ctx, o.cfg.FundingCredits); err != nil {
		return o.fail(ctx, st, err)
	}
	next := st.Clone()
	next.CreditsConsumed = o.cfg.FundingCredits
	if err := o.save(ctx, next); err != nil {
		o.log.Error("Reserve debited but not recorded",
			zap.String("subject", st.Subject),
			zap.Uint64("credits", o.cfg.FundingCredits),
			zap.Error(err),
		)
		return err
	}
	*st = *next
	return nil
}

// Advance runs the current stage of subject once. On a stage failure the
// returned state is FAILED and the error is the recorded cause. Any other
// error leaves the state as it was.
func (o *Orchestrator) Advance(ctx context.Context, subject string) (*domain.MigrationState, error) {
	st, err := o.lookup(ctx, subject)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, apperrors.ErrMigrationNotFound(subject)
	}

	switch st.Status {
	case domain.MigrationExporting:
		err = o.export(ctx, st)
	case domain.MigrationCreating:
		err = o.create(ctx, st)
	case domain.MigrationInstalling:
		err = o.install(ctx, st)
	case domain.MigrationImporting:
		err = o.importData(ctx, st)
	case domain.MigrationVerifying:
		err = o.verifyAndHandoff(ctx, st)
	}
	return st, err
}

// Run advances subject until it reaches a terminal stage.
func (o *Orchestrator) Run(ctx context.Context, subject string) (*domain.MigrationState, error) {
	for {
		st, err := o.Advance(ctx, subject)
		if err != nil {
			return st, err
		}
		if st.Status.Terminal() || st.Status == domain.MigrationNotStarted {
			return st, nil
		}
	}
}

// Reset returns a migration to NOT_STARTED. Admin only, and refused once
// the handoff has given the unit to its owner.
func (o *Orchestrator) Reset(ctx context.Context, caller domain.Caller, subject string) (*domain.MigrationState, error) {
	if !caller.Admin {
		return nil, apperrors.ErrAdminRequired(caller.ID)
	}
	st, err := o.lookup(ctx, subject)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, apperrors.ErrMigrationNotFound(subject)
	}
	if st.Status == domain.MigrationCompleted || st.Handoff.ForwardApplied {
		return nil, apperrors.ErrResetRejected(subject, string(st.Status))
	}
	if st.Status == domain.MigrationNotStarted {
		return st, nil
	}

	from := st.Status
	next := st.Clone()
	next.Status = domain.MigrationNotStarted
	next.Transfer = domain.TransferProgress{}
	next.Verified = false
	next.Handoff = domain.HandoffRecord{}
	if err := o.save(ctx, next); err != nil {
		return nil, err
	}

	o.log.Warn("Migration reset",
		zap.String("subject", subject),
		zap.String("actor", caller.ID),
		zap.String("from", string(from)),
	)
	o.events.Publish(ctx, domain.EventMigrationReset, domain.AggregateMigration, subject, caller.ID,
		domain.MigrationPayload{Subject: subject, From: from, To: next.Status, Attempt: next.Attempt, UnitID: next.TargetUnitID})
	return next, nil
}

// GetStatus returns the state of subject.
func (o *Orchestrator) GetStatus(ctx context.Context, caller domain.Caller, subject string) (*domain.MigrationState, error) {
	if !caller.MayActOn(subject) {
		return nil, apperrors.ErrUnauthorizedCaller(caller.ID, subject)
	}
	st, err := o.lookup(ctx, subject)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, apperrors.ErrMigrationNotFound(subject)
	}
	return st, nil
}

// GetUnitID returns the unit owner received from a completed migration.
func (o *Orchestrator) GetUnitID(ctx context.Context, caller domain.Caller, owner string) (string, error) {
	if !caller.MayActOn(owner) {
		return "", apperrors.ErrUnauthorizedCaller(caller.ID, owner)
	}
	return o.registry.CompletedUnitID(ctx, owner)
}

// ResumeStalled schedules every non-terminal pipeline whose state has not
// been written for StallAfter. It returns the number scheduled.
func (o *Orchestrator) ResumeStalled(ctx context.Context) (int, error) {
	if o.scheduler == nil {
		return 0, nil
	}
	cutoff := o.now().Add(-o.cfg.StallAfter)
	stalled, err := o.migrations.ListStalled(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stalled migrations: %w", err)
	}

	n := 0
	for _, st := range stalled {
		if err := o.scheduler.Schedule(ctx, st.Subject); err != nil {
			o.log.Warn("Resume schedule failed",
				zap.String("subject", st.Subject),
				zap.Error(err),
			)
			continue
		}
		n++
	}
	if n > 0 {
		o.log.Info("Resumed stalled migrations", zap.Int("count", n))
	}
	return n, nil
}

// Stats counts migrations per status.
func (o *Orchestrator) Stats(ctx context.Context) (map[domain.MigrationStatus]int, error) {
	return o.migrations.CountByStatus(ctx)
}

func (o *Orchestrator) schedule(ctx context.Context, subject string) {
	if o.scheduler == nil {
		return
	}
	if err := o.scheduler.Schedule(ctx, subject); err != nil {
		// resume_stalled picks the subject up later
		o.log.Error("Schedule migration step failed",
			zap.String("subject", subject),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) lookup(ctx context.Context, subject string) (*domain.MigrationState, error) {
	st, err := o.migrations.Get(ctx, subject)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.ErrInternalf(err, "read migration state")
	}
	return st, nil
}

// save writes st with a version check and bumps st.Version.
func (o *Orchestrator) save(ctx context.Context, st *domain.MigrationState) error {
	st.UpdatedAt = o.now()
	err := o.migrations.Update(ctx, st)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrConflict):
		return apperrors.ErrVersionConflict(st.Subject)
	default:
		return apperrors.ErrInternalf(err, "write migration state")
	}
}

// transition persists st at stage to. st is only changed once the write
// succeeded.
func (o *Orchestrator) transition(ctx context.Context, st *domain.MigrationState, to domain.MigrationStatus, mutate func(*domain.MigrationState)) error {
	if !domain.CanTransition(st.Status, to) {
		return apperrors.ErrInternalf(nil, "illegal transition %s -> %s", st.Status, to)
	}
	from := st.Status
	next := st.Clone()
	next.Status = to
	if mutate != nil {
		mutate(next)
	}
	if err := o.save(ctx, next); err != nil {
		return err
	}
	*st = *next

	o.log.Info("Migration stage changed",
		zap.String("subject", st.Subject),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("unit_id", st.TargetUnitID),
	)
	eventType := domain.EventMigrationStageChanged
	if to == domain.MigrationCompleted {
		eventType = domain.EventMigrationCompleted
	}
	o.events.Publish(ctx, eventType, domain.AggregateMigration, st.Subject, "system",
		domain.MigrationPayload{Subject: st.Subject, From: from, To: to, Attempt: st.Attempt, UnitID: st.TargetUnitID})
	return nil
}

// fail records cause on st, moves it to FAILED and returns cause. A
// cancelled context records nothing; the stage is retried on resume.
func (o *Orchestrator) fail(ctx context.Context, st *domain.MigrationState, cause error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	from := st.Status
	next := st.Clone()
	next.Status = domain.MigrationFailed
	next.Error = toMigrationError(cause)
	if err := o.save(ctx, next); err != nil {
		o.log.Error("Record migration failure failed",
			zap.String("subject", st.Subject),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return err
	}
	*st = *next

	if st.TargetUnitID != "" {
		o.markUnitFailed(ctx, st.TargetUnitID)
	}

	o.log.Warn("Migration failed",
		zap.String("subject", st.Subject),
		zap.String("stage", string(from)),
		zap.String("kind", st.Error.Kind),
		zap.String("unit_id", st.TargetUnitID),
		zap.Error(cause),
	)
	o.events.Publish(ctx, domain.EventMigrationFailed, domain.AggregateMigration, st.Subject, "system",
		domain.MigrationPayload{
			Subject:   st.Subject,
			From:      from,
			To:        domain.MigrationFailed,
			Attempt:   st.Attempt,
			UnitID:    st.TargetUnitID,
			ErrorKind: st.Error.Kind,
			Message:   st.Error.Message,
		})
	return cause
}

func (o *Orchestrator) markUnitFailed(ctx context.Context, unitID string) {
	entry, err := o.registry.Get(ctx, unitID)
	if err != nil || entry.Status == domain.UnitCompleted || entry.Status == domain.UnitFailed {
		return
	}
	if _, err := o.registry.SetStatus(ctx, unitID, domain.UnitFailed); err != nil {
		o.log.Warn("Mark unit failed",
			zap.String("unit_id", unitID),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) now() time.Time {
	return o.cfg.Clock.Now().UTC()
}

// toMigrationError flattens err into the persisted error record.
func toMigrationError(err error) *domain.MigrationError {
	appErr, ok := apperrors.IsAppError(err)
	if !ok {
		return &domain.MigrationError{Kind: apperrors.CodeInternal, Message: err.Error()}
	}
	msg := appErr.Message
	if appErr.Err != nil {
		msg = msg + ": " + appErr.Err.Error()
	}
	var params map[string]string
	if len(appErr.Params) > 0 {
		params = make(map[string]string, len(appErr.Params))
		for k, v := range appErr.Params {
			params[k] = fmt.Sprint(v)
		}
	}
	return &domain.MigrationError{Kind: appErr.Code, Message: msg, Params: params}
}
