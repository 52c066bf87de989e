// Package jobs defines the River job types that drive migrations and the
// periodic maintenance around them.
//
// A step job carries only the subject. The worker reads the durable
// MigrationState, runs one stage, and enqueues the next step.
//
// Import Path: unitmover.io/unitmover/internal/jobs
package jobs

import (
	"context"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"go.uber.org/zap"

	"unitmover.io/unitmover/internal/pkg/logger"
)

// Inserter is the part of *river.Client used to enqueue jobs.
type Inserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

// every builds a periodic job that enqueues args at interval and once at
// client start.
func every(interval time.Duration, args river.JobArgs) *river.PeriodicJob {
	return river.NewPeriodicJob(
		river.PeriodicInterval(interval),
		func() (river.JobArgs, *river.InsertOpts) { return args, nil },
		&river.PeriodicJobOpts{RunOnStart: true},
	)
}

// jobFields returns the log fields shared by every worker.
func jobFields(row *rivertype.JobRow) []zap.Field {
	if row == nil {
		return nil
	}
	return []zap.Field{
		zap.Int64("job_id", row.ID),
		zap.String("kind", row.Kind),
		zap.Int("attempt", row.Attempt),
	}
}

// logMaintenance logs the outcome of a maintenance job. Failures are
// warnings; the next period retries.
func logMaintenance(row *rivertype.JobRow, msg string, err error, fields ...zap.Field) {
	fields = append(fields, jobFields(row)...)
	if err != nil {
		logger.Warn(msg+" failed", append(fields, zap.Error(err))...)
		return
	}
	logger.Debug(msg+" completed", fields...)
}
