package migration

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"unitmover.io/unitmover/internal/domain"
	"unitmover.io/unitmover/internal/handoff"
	apperrors "unitmover.io/unitmover/internal/pkg/errors"
	"unitmover.io/unitmover/internal/provider"
	"unitmover.io/unitmover/internal/source"
	"unitmover.io/unitmover/internal/transfer"
)

// export reads the subject's data and records what is there. Source data
// is only ever read.
func (o *Orchestrator) export(ctx context.Context, st *domain.MigrationState) error {
	items, err := o.source.ExportSubjectData(ctx, st.Subject)
	if err != nil {
		return o.fail(ctx, st, apperrors.ErrInternalf(err, "export subject data"))
	}
	summary := source.Summarize(items)
	return o.transition(ctx, st, domain.MigrationCreating, func(next *domain.MigrationState) {
		next.Export = summary
	})
}

// create provisions the unit, or resumes the owner's unit from an earlier
// attempt, and records it in the registry.
func (o *Orchestrator) create(ctx context.Context, st *domain.MigrationState) error {
	entry, err := o.registry.GetByOwner(ctx, st.Subject)
	if err != nil {
		return err
	}

	var unitID string
	switch {
	case entry != nil && entry.Status == domain.UnitCompleted:
		return o.fail(ctx, st, apperrors.ErrCreateFailed(
			fmt.Errorf("owner already holds completed unit %s", entry.UnitID)))

	case entry != nil:
		unitID = entry.UnitID
		if _, err := o.provisioner.GetUnit(ctx, unitID); err != nil {
			return o.fail(ctx, st, apperrors.ErrCreateFailed(err))
		}

	default:
		if st.CreditsConsumed == 0 {
			// The start was recorded but the debit was not; fund now.
			if err := o.fund(ctx, st); err != nil {
				return err
			}
		}
		unit, err := o.provisioner.CreateUnit(ctx, provider.CreateRequest{
			IdempotencyKey: st.Subject,
			Owner:          st.Subject,
			Controllers:    domain.DualControl(o.cfg.OrchestratorID, st.Subject),
			FundingCredits: st.CreditsConsumed,
			Template:       o.template,
		})
		if err != nil {
			return o.fail(ctx, st, apperrors.ErrCreateFailed(err))
		}
		unitID = unit.ID
		entry, err = o.registry.Register(ctx, unitID, st.Subject)
		if err != nil {
			return o.fail(ctx, st, apperrors.ErrCreateFailed(err))
		}
	}

	if entry.CreditsConsumed < st.CreditsConsumed {
		if _, err := o.registry.AddCredits(ctx, unitID, st.CreditsConsumed-entry.CreditsConsumed); err != nil {
			return err
		}
	}
	if _, err := o.registry.SetStatus(ctx, unitID, domain.UnitInstalling); err != nil {
		return err
	}
	return o.transition(ctx, st, domain.MigrationInstalling, func(next *domain.MigrationState) {
		next.TargetUnitID = unitID
	})
}

// install puts the single unit template image on the unit.
func (o *Orchestrator) install(ctx context.Context, st *domain.MigrationState) error {
	if err := o.provisioner.InstallImage(ctx, st.TargetUnitID, o.template); err != nil {
		return o.fail(ctx, st, apperrors.ErrInstallFailed(st.TargetUnitID, err))
	}
	if _, err := o.registry.SetStatus(ctx, st.TargetUnitID, domain.UnitImporting); err != nil {
		return err
	}
	return o.transition(ctx, st, domain.MigrationImporting, nil)
}

// persistError marks a failed state write during the import loop.
type persistError struct{ err error }

func (e persistError) Error() string { return e.err.Error() }
func (e persistError) Unwrap() error { return e.err }

// importData copies every item into a transfer session on the unit. Items
// that fail their commit are recorded and the rest continue; the gate
// decides what that means. Progress is persisted after every item so a
// resumed step skips what is already done.
func (o *Orchestrator) importData(ctx context.Context, st *domain.MigrationState) error {
	items, err := o.source.ExportSubjectData(ctx, st.Subject)
	if err != nil {
		return o.fail(ctx, st, apperrors.ErrImportFailed("", err))
	}
	count, total := transfer.Totals(items)

	var summary domain.TransferSummary
	if count > 0 {
		ep, err := o.provisioner.ImportEndpoint(ctx, st.TargetUnitID)
		if err != nil {
			return o.fail(ctx, st, apperrors.ErrImportFailed("", err))
		}

		for restarted := false; ; restarted = true {
			var itemID string
			summary, itemID, err = o.upload(ctx, st, ep, items, count, total)
			if err == nil {
				break
			}
			var pe persistError
			if errors.As(err, &pe) {
				return pe.err
			}
			if apperrors.IsCode(err, apperrors.CodeSessionNotFound) && !restarted {
				// The session expired or the unit restarted without a
				// snapshot; start over once.
				o.log.Warn("Transfer session lost, restarting import",
					zap.String("subject", st.Subject),
					zap.String("session_id", st.Transfer.SessionID),
				)
				next := st.Clone()
				next.Transfer = domain.TransferProgress{}
				if err := o.save(ctx, next); err != nil {
					return err
				}
				*st = *next
				continue
			}
			return o.fail(ctx, st, apperrors.ErrImportFailed(itemID, err))
		}
	}

	if _, err := o.registry.SetStatus(ctx, st.TargetUnitID, domain.UnitVerifying); err != nil {
		return err
	}
	return o.transition(ctx, st, domain.MigrationVerifying, func(next *domain.MigrationState) {
		next.Transfer.SessionID = ""
		next.Transfer.Summary = &summary
	})
}

// upload runs one session to its summary. On error it also returns the
// item being sent, if any.
func (o *Orchestrator) upload(ctx context.Context, st *domain.MigrationState, ep transfer.Endpoint, items []domain.Item, count int, total uint64) (domain.TransferSummary, string, error) {
	record := func(mutate func(*domain.TransferProgress)) error {
		next := st.Clone()
		mutate(&next.Transfer)
		if err := o.save(ctx, next); err != nil {
			return persistError{err}
		}
		*st = *next
		return nil
	}

	if st.Transfer.SessionID == "" {
		sid, err := ep.Begin(ctx, count, total)
		if err != nil {
			return domain.TransferSummary{}, "", err
		}
		if err := record(func(p *domain.TransferProgress) { p.SessionID = sid }); err != nil {
			return domain.TransferSummary{}, "", err
		}
	}
	sid := st.Transfer.SessionID

	for _, item := range items {
		if st.Transfer.Done(item.ID) {
			continue
		}
		res, err := o.uploader.Upload(ctx, ep, sid, item)
		if err != nil {
			return domain.TransferSummary{}, item.ID, err
		}
		if !res.OK() {
			o.log.Warn("Item failed verification on unit",
				zap.String("subject", st.Subject),
				zap.String("item_id", item.ID),
				zap.String("reason", res.Reason),
			)
		}
		err = record(func(p *domain.TransferProgress) {
			if res.OK() {
				p.Committed = append(p.Committed, item.ID)
			} else {
				p.Failed = append(p.Failed, item.ID)
			}
		})
		if err != nil {
			return domain.TransferSummary{}, item.ID, err
		}
	}

	summary, err := ep.Finalize(ctx, sid)
	if err != nil {
		return domain.TransferSummary{}, "", err
	}
	o.log.Info("Transfer finalized",
		zap.String("subject", st.Subject),
		zap.String("unit_id", st.TargetUnitID),
		zap.Int("items_committed", summary.ItemsCommitted),
		zap.Int("items_failed", summary.ItemsFailed),
		zap.Int("items_missing", summary.ItemsMissing),
		zap.Uint64("total_bytes", summary.TotalBytes),
	)
	return summary, "", nil
}

// verifyAndHandoff runs the gate, then the controller handoff saga.
func (o *Orchestrator) verifyAndHandoff(ctx context.Context, st *domain.MigrationState) error {
	unitID := st.TargetUnitID

	if !st.Verified {
		var summary domain.TransferSummary
		if st.Transfer.Summary != nil {
			summary = *st.Transfer.Summary
		}
		if err := o.verifier.Verify(ctx, unitID, summary); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !apperrors.IsCode(err, apperrors.CodeVerifyFailed) {
				err = apperrors.ErrVerifyFailed(apperrors.VerifyKindUnhealthy, err.Error(), "")
			}
			return o.fail(ctx, st, err)
		}
		next := st.Clone()
		next.Verified = true
		if err := o.save(ctx, next); err != nil {
			return err
		}
		*st = *next
	}

	entry, err := o.registry.Get(ctx, unitID)
	if err != nil {
		return err
	}
	if entry.Status != domain.UnitHandoff && entry.Status != domain.UnitCompleted {
		if _, err := o.registry.SetStatus(ctx, unitID, domain.UnitHandoff); err != nil {
			return err
		}
	}

	rec, err := o.saga.Execute(ctx, handoff.Request{
		UnitID:       unitID,
		Owner:        st.Subject,
		Orchestrator: o.cfg.OrchestratorID,
		Record:       st.Handoff,
	}, func(ctx context.Context, rec domain.HandoffRecord) error {
		next := st.Clone()
		next.Handoff = rec
		if err := o.save(ctx, next); err != nil {
			return err
		}
		*st = *next
		return nil
	})
	if err != nil {
		if !apperrors.IsCode(err, apperrors.CodeHandoffFailed) {
			return err
		}
		if rec.Compensated {
			o.events.Publish(ctx, domain.EventHandoffCompensated, domain.AggregateUnit, unitID, "system",
				domain.HandoffPayload{
					Subject:     st.Subject,
					UnitID:      unitID,
					Attempts:    rec.Attempts,
					Compensated: true,
					Reason:      rec.LastError,
				})
		}
		return o.fail(ctx, st, err)
	}

	if entry.Status != domain.UnitCompleted {
		if _, err := o.registry.SetStatus(ctx, unitID, domain.UnitCompleted); err != nil {
			return err
		}
	}
	completedAt := o.now()
	return o.transition(ctx, st, domain.MigrationCompleted, func(next *domain.MigrationState) {
		next.Handoff = rec
		next.CompletedAt = &completedAt
	})
}
