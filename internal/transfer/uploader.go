package transfer

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"go.uber.org/zap"

	"unitmover.io/unitmover/internal/domain"
	apperrors "unitmover.io/unitmover/internal/pkg/errors"
	"unitmover.io/unitmover/internal/pkg/logger"
	"unitmover.io/unitmover/internal/pkg/worker"
)

// UploaderConfig configures an Uploader.
type UploaderConfig struct {
	ChunkSize int
	// Attempts bounds retries of a single call on transient errors.
	Attempts int
	Delay    time.Duration
	MaxDelay time.Duration
	Clock    clock.Clock
}

// Uploader is the source side of the protocol. Chunks of one item are sent
// concurrently on a worker pool, then the item is committed.
type Uploader struct {
	pool *worker.Pool
	cfg  UploaderConfig
	log  *zap.Logger
}

// NewUploader creates an uploader fanning chunk puts out on pool.
func NewUploader(pool *worker.Pool, cfg UploaderConfig) *Uploader {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 512 * 1024
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Delay <= 0 {
		cfg.Delay = 200 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	return &Uploader{pool: pool, cfg: cfg, log: logger.Named("uploader")}
}

// Upload sends item into an open session and commits it. A commit that
// fails verification is returned as a result, not an error; errors are
// reserved for calls that could not complete.
func (u *Uploader) Upload(ctx context.Context, ep Endpoint, sessionID string, item domain.Item) (CommitResult, error) {
	chunks, manifest := Split(item, u.cfg.ChunkSize)

	fns := make([]func(context.Context) error, 0, len(chunks))
	for _, ch := range chunks {
		fns = append(fns, func(ctx context.Context) error {
			return u.call(ctx, "put_chunk", func() error {
				_, err := ep.PutChunk(ctx, sessionID, item.ID, ch.Index, ch.Data, ch.Hash)
				return err
			})
		})
	}
	if err := u.pool.Run(ctx, fns...); err != nil {
		return CommitResult{}, err
	}

	var result CommitResult
	err := u.call(ctx, "commit_item", func() error {
		var err error
		result, err = ep.CommitItem(ctx, sessionID, manifest)
		return err
	})
	if err != nil {
		return CommitResult{}, err
	}

	u.log.Debug("Item uploaded",
		zap.String("session_id", sessionID),
		zap.String("item_id", item.ID),
		zap.Int("chunks", len(chunks)),
		zap.String("status", string(result.Status)),
	)
	return result, nil
}

// call runs fn, retrying transient failures with doubling delay. The
// error returned is the last one fn produced.
func (u *Uploader) call(ctx context.Context, op string, fn func() error) error {
	var last error
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			last = fn()
			return last
		},
		IsFatalError: func(err error) bool {
			return !IsRetryable(err)
		},
		NotifyFunc: func(err error, attempt int) {
			u.log.Warn("Transfer call failed, retrying",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		},
		Attempts:    u.cfg.Attempts,
		Delay:       u.cfg.Delay,
		MaxDelay:    u.cfg.MaxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       u.cfg.Clock,
		Stop:        ctx.Done(),
	})
	switch {
	case err == nil:
		return nil
	case retry.IsRetryStopped(err) && ctx.Err() != nil:
		return ctx.Err()
	case last != nil:
		return last
	default:
		return apperrors.ErrInternalf(err, "%s", op)
	}
}
