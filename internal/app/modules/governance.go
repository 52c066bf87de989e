package modules

import (
	"context"
	"net/http"

	"github.com/riverqueue/river"

	"unitmover.io/unitmover/internal/api/handlers"
	"unitmover.io/unitmover/internal/metrics"
	"unitmover.io/unitmover/internal/notification"
)

// GovernanceModule wires the event subscribers: audit trail, metrics and
// alerts. It owns no workers.
type GovernanceModule struct {
	infra     *Infrastructure
	collector *metrics.Collector
	inbox     *notification.InboxSender
	handler   http.Handler
}

// NewGovernanceModule subscribes the audit logger, metrics collector and
// alert triggers to the shared dispatcher.
func NewGovernanceModule(infra *Infrastructure) *GovernanceModule {
	collector := metrics.NewCollector()
	inbox := notification.NewInboxSender(notification.DefaultInboxCapacity)

	infra.AuditLogger.Subscribe(infra.Events)
	collector.Subscribe(infra.Events)
	notification.NewTriggers(inbox).Subscribe(infra.Events)

	return &GovernanceModule{
		infra:     infra,
		collector: collector,
		inbox:     inbox,
		handler:   metrics.Handler(metrics.NewRegistry(collector)),
	}
}

func (m *GovernanceModule) Name() string { return "governance" }

// MetricsHandler serves the Prometheus exposition.
func (m *GovernanceModule) MetricsHandler() http.Handler { return m.handler }

func (m *GovernanceModule) ContributeServerDeps(deps *handlers.ServerDeps) {
	if deps == nil {
		return
	}
	deps.Audit = m.infra.AuditLogger
	deps.Metrics = m.collector
	deps.Alerts = m.inbox
}

func (m *GovernanceModule) RegisterWorkers(*river.Workers) []*river.PeriodicJob { return nil }

func (m *GovernanceModule) Start(context.Context) error { return nil }

func (m *GovernanceModule) Shutdown(context.Context) error { return nil }
