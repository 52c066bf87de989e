package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"unitmover.io/unitmover/internal/pkg/logger"
)

// Ticker runs the maintenance tasks on a timer when River is not
// available: with the in-memory store, and in the unit daemon.
type Ticker struct {
	clk   clock.Clock
	tasks []tickerTask

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type tickerTask struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context)
}

// NewTicker builds a Ticker for m. A nil clk uses the wall clock.
func NewTicker(m Maintenance, clk clock.Clock) *Ticker {
	if clk == nil {
		clk = clock.WallClock
	}
	iv := m.Intervals.withDefaults()
	t := &Ticker{clk: clk, stopCh: make(chan struct{})}

	if m.Resumer != nil {
		t.tasks = append(t.tasks, tickerTask{name: "migration_resume", interval: iv.Resume, run: func(ctx context.Context) {
			n, err := m.Resumer.ResumeStalled(ctx)
			logTick("migration_resume", err, zap.Int("resumed", n))
		}})
	}
	if m.Reserve != nil {
		t.tasks = append(t.tasks, tickerTask{name: "reserve_check", interval: iv.ReserveCheck, run: func(ctx context.Context) {
			status, err := m.Reserve.Check(ctx)
			logTick("reserve_check", err, zap.Uint64("balance", status.Balance))
		}})
	}
	if m.Sweeper != nil {
		t.tasks = append(t.tasks, tickerTask{name: "transfer_sweep", interval: iv.Sweep, run: func(ctx context.Context) {
			logTick("transfer_sweep", nil, zap.Int("reclaimed", m.Sweeper.Sweep(ctx)))
		}})
	}
	return t
}

// Start launches one loop per task. Each task also runs once at start.
//
// nolint:naked-goroutine // timer loops; they do not fit the worker pool pattern.
func (t *Ticker) Start(ctx context.Context) {
	for _, task := range t.tasks {
		t.wg.Add(1)
		go func(task tickerTask) {
			defer t.wg.Done()
			task.run(ctx)
			for {
				select {
				case <-t.clk.After(task.interval):
					task.run(ctx)
				case <-t.stopCh:
					return
				case <-ctx.Done():
					return
				}
			}
		}(task)
	}
	logger.Info("Maintenance ticker started", zap.Int("tasks", len(t.tasks)))
}

// Stop ends every loop and waits for running tasks. Safe to call twice.
func (t *Ticker) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
	})
	t.wg.Wait()
}

func logTick(name string, err error, fields ...zap.Field) {
	fields = append(fields, zap.String("task", name))
	if err != nil {
		logger.Warn("Maintenance task failed", append(fields, zap.Error(err))...)
		return
	}
	logger.Debug("Maintenance task completed", fields...)
}
