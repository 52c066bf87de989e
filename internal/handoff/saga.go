// Package handoff transfers administrative control of a verified unit from
// the orchestrator to its owner.
//
// The handoff is a two-phase saga. The forward step sets the controller
// set to {owner} and is retried with exponential backoff on transient
// errors. Once the attempts are exhausted, or on a non-transient error,
// compensation restores {orchestrator, owner} on a best-effort basis. The
// saga record is persisted before every provider call so a restarted
// process resumes with the attempts already spent.
//
// Import Path: unitmover.io/unitmover/internal/handoff
package handoff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"go.uber.org/zap"

	"unitmover.io/unitmover/internal/domain"
	apperrors "unitmover.io/unitmover/internal/pkg/errors"
	"unitmover.io/unitmover/internal/pkg/logger"
)

// Controller sets the administrative identities of a unit.
type Controller interface {
	SetControllers(ctx context.Context, unitID string, controllers domain.Controllers) error
}

// PersistFunc durably stores the saga record. It is called before each
// provider call and after each outcome.
type PersistFunc func(ctx context.Context, record domain.HandoffRecord) error

// Config bounds the saga.
type Config struct {
	MaxAttempts          int
	InitialDelay         time.Duration
	MaxDelay             time.Duration
	CompensationAttempts int
	Clock                clock.Clock
}

// Request identifies one handoff.
type Request struct {
	UnitID       string
	Owner        string
	Orchestrator string
	// Record is the saga state persisted so far.
	Record domain.HandoffRecord
}

// Saga runs controller handoffs.
type Saga struct {
	ctrl Controller
	cfg  Config
	log  *zap.Logger
}

// NewSaga creates a Saga.
func NewSaga(ctrl Controller, cfg Config) *Saga {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.CompensationAttempts <= 0 {
		cfg.CompensationAttempts = 3
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	return &Saga{ctrl: ctrl, cfg: cfg, log: logger.Named("handoff")}
}

// errPersist marks a failed durable write. No provider call follows it.
type errPersist struct{ err error }

func (e errPersist) Error() string { return "persist handoff record: " + e.err.Error() }
func (e errPersist) Unwrap() error { return e.err }

// Execute runs the saga from req.Record. It returns the final record and
// nil on success, or a HANDOFF_FAILED error after compensation. A
// cancelled context stops the saga without compensating; the persisted
// record lets a later call resume it.
func (s *Saga) Execute(ctx context.Context, req Request, persist PersistFunc) (domain.HandoffRecord, error) {
	rec := req.Record
	log := s.log.With(zap.String("unit_id", req.UnitID), zap.String("owner", req.Owner))

	if rec.ForwardApplied {
		return rec, nil
	}
	if rec.Phase == domain.HandoffCompensated || rec.Phase == domain.HandoffAbandoned {
		return rec, apperrors.ErrHandoffFailed(req.UnitID, errors.New(rec.LastError))
	}

	var forwardErr error
	if rec.Phase != domain.HandoffCompensating {
		rec.Phase = domain.HandoffForward
		forwardErr = s.forward(ctx, req, &rec, persist, log)
		if forwardErr == nil {
			return rec, nil
		}
		if ctx.Err() != nil {
			return rec, ctx.Err()
		}
		var pe errPersist
		if errors.As(forwardErr, &pe) {
			return rec, apperrors.ErrInternalf(pe.err, "persist handoff record")
		}
		rec.LastError = forwardErr.Error()
	}

	log.Warn("Handoff forward step exhausted, compensating",
		zap.Int("attempts", rec.Attempts),
		zap.String("error", rec.LastError),
	)
	rec.Phase = domain.HandoffCompensating
	if err := s.compensate(ctx, req, &rec, persist, log); err != nil {
		var pe errPersist
		if errors.As(err, &pe) {
			return rec, apperrors.ErrInternalf(pe.err, "persist handoff record")
		}
		if ctx.Err() != nil {
			return rec, ctx.Err()
		}
	}
	return rec, apperrors.ErrHandoffFailed(req.UnitID, errors.New(rec.LastError))
}

// forward attempts set_controllers({owner}) until success, a fatal error
// or the attempt budget is spent.
func (s *Saga) forward(ctx context.Context, req Request, rec *domain.HandoffRecord, persist PersistFunc, log *zap.Logger) error {
	remaining := s.cfg.MaxAttempts - rec.Attempts
	if remaining <= 0 {
		if rec.LastError == "" {
			rec.LastError = "handoff attempts exhausted"
		}
		return errors.New(rec.LastError)
	}

	var last error
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			rec.Attempts++
			if err := persist(ctx, *rec); err != nil {
				last = errPersist{err}
				return last
			}
			last = s.ctrl.SetControllers(ctx, req.UnitID, domain.OwnerControl(req.Owner))
			if last != nil {
				rec.LastError = last.Error()
			}
			return last
		},
		IsFatalError: func(err error) bool {
			var pe errPersist
			return errors.As(err, &pe) || !transient(err)
		},
		NotifyFunc: func(err error, attempt int) {
			log.Warn("Handoff attempt failed",
				zap.Int("attempt", rec.Attempts),
				zap.Error(err),
			)
		},
		Attempts:    remaining,
		Delay:       s.cfg.InitialDelay,
		MaxDelay:    s.cfg.MaxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       s.cfg.Clock,
		Stop:        ctx.Done(),
	})
	if err == nil {
		rec.ForwardApplied = true
		rec.Phase = domain.HandoffApplied
		rec.LastError = ""
		if perr := persist(ctx, *rec); perr != nil {
			// The owner already holds the unit; the caller records the
			// outcome with its next write.
			log.Error("Persist applied handoff failed", zap.Error(perr))
		}
		log.Info("Controllers handed to owner", zap.Int("attempts", rec.Attempts))
		return nil
	}
	if last == nil {
		return fmt.Errorf("handoff: %w", err)
	}
	return last
}

// compensate restores dual control. Failure leaves the saga Abandoned.
func (s *Saga) compensate(ctx context.Context, req Request, rec *domain.HandoffRecord, persist PersistFunc, log *zap.Logger) error {
	dual := domain.DualControl(req.Orchestrator, req.Owner)

	var last error
	err := errors.New("compensation attempts exhausted")
	if remaining := s.cfg.CompensationAttempts - rec.CompensationAttempts; remaining > 0 {
		err = retry.Call(retry.CallArgs{
			Func: func() error {
				rec.CompensationAttempts++
				if err := persist(ctx, *rec); err != nil {
					last = errPersist{err}
					return last
				}
				last = s.ctrl.SetControllers(ctx, req.UnitID, dual)
				return last
			},
			IsFatalError: func(err error) bool {
				var pe errPersist
				return errors.As(err, &pe)
			},
			Attempts:    remaining,
			Delay:       s.cfg.InitialDelay,
			MaxDelay:    s.cfg.MaxDelay,
			BackoffFunc: retry.DoubleDelay,
			Clock:       s.cfg.Clock,
			Stop:        ctx.Done(),
		})
	}

	var pe errPersist
	if errors.As(last, &pe) {
		return last
	}
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	if err == nil {
		rec.Compensated = true
		rec.Phase = domain.HandoffCompensated
		log.Info("Handoff compensated, dual control restored")
	} else {
		rec.Phase = domain.HandoffAbandoned
		log.Error("Handoff compensation failed",
			zap.Int("compensation_attempts", rec.CompensationAttempts),
			zap.Error(err),
		)
	}
	if perr := persist(ctx, *rec); perr != nil {
		return errPersist{perr}
	}
	return nil
}

func transient(err error) bool {
	if appErr, ok := apperrors.IsAppError(err); ok {
		return appErr.Retryable()
	}
	return errors.Is(err, context.DeadlineExceeded)
}
