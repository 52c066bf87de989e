package migration

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"unitmover.io/unitmover/internal/pkg/logger"
	"unitmover.io/unitmover/internal/pkg/worker"
)

// InlineScheduler runs whole pipelines on the general worker pool. It is
// used when no database is configured and River is unavailable. A subject
// already running is not scheduled twice.
type InlineScheduler struct {
	pools *worker.Pools
	orch  *Orchestrator

	mu      sync.Mutex
	running map[string]struct{}
}

var _ Scheduler = (*InlineScheduler)(nil)

// NewInlineScheduler creates an InlineScheduler and attaches it to orch.
func NewInlineScheduler(pools *worker.Pools, orch *Orchestrator) *InlineScheduler {
	s := &InlineScheduler{pools: pools, orch: orch, running: make(map[string]struct{})}
	orch.SetScheduler(s)
	return s
}

// Schedule implements Scheduler.
func (s *InlineScheduler) Schedule(_ context.Context, subject string) error {
	s.mu.Lock()
	if _, ok := s.running[subject]; ok {
		s.mu.Unlock()
		return nil
	}
	s.running[subject] = struct{}{}
	s.mu.Unlock()

	err := s.pools.SubmitDetached("general", func(ctx context.Context) {
		defer s.done(subject)
		st, err := s.orch.Run(ctx, subject)
		if err != nil {
			logger.Warn("Inline migration run ended with error",
				zap.String("subject", subject),
				zap.Error(err),
			)
			return
		}
		logger.Debug("Inline migration run finished",
			zap.String("subject", subject),
			zap.String("status", string(st.Status)),
		)
	})
	if err != nil {
		s.done(subject)
	}
	return err
}

// Running reports whether subject has a pipeline in flight.
func (s *InlineScheduler) Running(subject string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[subject]
	return ok
}

func (s *InlineScheduler) done(subject string) {
	s.mu.Lock()
	delete(s.running, subject)
	s.mu.Unlock()
}
