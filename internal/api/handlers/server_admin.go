package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"unitmover.io/unitmover/internal/api/middleware"
	"unitmover.io/unitmover/internal/domain"
	"unitmover.io/unitmover/internal/metrics"
	"unitmover.io/unitmover/internal/notification"
	apperrors "unitmover.io/unitmover/internal/pkg/errors"
	"unitmover.io/unitmover/internal/pkg/logger"
	"unitmover.io/unitmover/internal/repository"
)

// ToggleRequest is the body of PUT /admin/toggle.
type ToggleRequest struct {
	Enabled *bool `json:"enabled"`
}

// ToggleResponse reports the migration feature toggle.
type ToggleResponse struct {
	Enabled bool `json:"enabled"`
}

// TopUpRequest is the body of POST /admin/reserve/topup.
type TopUpRequest struct {
	Amount uint64 `json:"amount"`
}

// ThresholdRequest is the body of PUT /admin/reserve/threshold.
type ThresholdRequest struct {
	MinThreshold *uint64 `json:"min_threshold"`
}

// RegistryList is the body of GET /admin/registry.
type RegistryList struct {
	Items []*domain.RegistryEntry `json:"items"`
	Total int                     `json:"total"`
}

// StatsResponse is the body of GET /admin/stats.
type StatsResponse struct {
	ByStatus map[domain.MigrationStatus]int `json:"by_status"`
	Counters metrics.Stats                  `json:"counters"`
}

// AlertList is the body of GET /admin/alerts.
type AlertList struct {
	Items []notification.Notification `json:"items"`
}

// AuditList is the body of GET /admin/audit-logs.
type AuditList struct {
	Items []*repository.AuditRecord `json:"items"`
}

var allUnitStatuses = []domain.UnitStatus{
	domain.UnitCreating,
	domain.UnitInstalling,
	domain.UnitImporting,
	domain.UnitVerifying,
	domain.UnitHandoff,
	domain.UnitCompleted,
	domain.UnitFailed,
}

// ResetMigration handles POST /admin/migrations/:subject/reset.
func (s *Server) ResetMigration(c *gin.Context) {
	subject := strings.TrimSpace(c.Param("subject"))
	st, err := s.orchestrator.Reset(c.Request.Context(), middleware.AdminCaller(c), subject)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// GetToggle handles GET /admin/toggle.
func (s *Server) GetToggle(c *gin.Context) {
	enabled, err := s.toggle.Enabled(c.Request.Context())
	if err != nil {
		c.Error(apperrors.ErrInternalf(err, "read migration toggle"))
		return
	}
	c.JSON(http.StatusOK, ToggleResponse{Enabled: enabled})
}

// SetToggle handles PUT /admin/toggle.
func (s *Server) SetToggle(c *gin.Context) {
	ctx := c.Request.Context()
	var req ToggleRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
		c.Error(apperrors.ErrInvalidArgument("body must be {\"enabled\": true|false}"))
		return
	}

	caller := middleware.AdminCaller(c)
	if err := s.toggle.Set(ctx, caller, *req.Enabled); err != nil {
		c.Error(err)
		return
	}
	_ = s.audit.LogAction(ctx, "migration.toggle", domain.AggregateMigration, "toggle", caller.ID,
		map[string]interface{}{"enabled": *req.Enabled})
	c.JSON(http.StatusOK, ToggleResponse{Enabled: *req.Enabled})
}

// GetReserve handles GET /admin/reserve.
func (s *Server) GetReserve(c *gin.Context) {
	status, err := s.reserve.Status(c.Request.Context(), middleware.AdminCaller(c))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// TopUpReserve handles POST /admin/reserve/topup.
func (s *Server) TopUpReserve(c *gin.Context) {
	var req TopUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.ErrInvalidArgument("body must be {\"amount\": <credits>}"))
		return
	}
	status, err := s.reserve.TopUp(c.Request.Context(), middleware.AdminCaller(c), req.Amount)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// SetReserveThreshold handles PUT /admin/reserve/threshold.
func (s *Server) SetReserveThreshold(c *gin.Context) {
	ctx := c.Request.Context()
	var req ThresholdRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.MinThreshold == nil {
		c.Error(apperrors.ErrInvalidArgument("body must be {\"min_threshold\": <credits>}"))
		return
	}
	caller := middleware.AdminCaller(c)
	status, err := s.reserve.SetThreshold(ctx, caller, *req.MinThreshold)
	if err != nil {
		c.Error(err)
		return
	}
	_ = s.audit.LogReserve(ctx, "threshold", caller.ID,
		map[string]interface{}{"min_threshold": status.MinThreshold, "balance": status.Balance})
	c.JSON(http.StatusOK, status)
}

// ListRegistry handles GET /admin/registry. Without ?status= every
// status is listed.
func (s *Server) ListRegistry(c *gin.Context) {
	ctx := c.Request.Context()
	statuses := allUnitStatuses
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		statuses = []domain.UnitStatus{domain.UnitStatus(strings.ToUpper(raw))}
	}

	items := make([]*domain.RegistryEntry, 0)
	for _, status := range statuses {
		entries, err := s.registry.ListByStatus(ctx, status)
		if err != nil {
			c.Error(err)
			return
		}
		items = append(items, entries...)
	}
	c.JSON(http.StatusOK, RegistryList{Items: items, Total: len(items)})
}

// GetStats handles GET /admin/stats.
func (s *Server) GetStats(c *gin.Context) {
	byStatus, err := s.orchestrator.Stats(c.Request.Context())
	if err != nil {
		c.Error(apperrors.ErrInternalf(err, "count migrations"))
		return
	}
	resp := StatsResponse{ByStatus: byStatus}
	if s.metrics != nil {
		resp.Counters = s.metrics.Snapshot()
	}
	c.JSON(http.StatusOK, resp)
}

// ListAlerts handles GET /admin/alerts?recipient=&limit=.
func (s *Server) ListAlerts(c *gin.Context) {
	recipient := c.DefaultQuery("recipient", notification.RecipientAdmins)
	limit := queryLimit(c, 50)
	items := []notification.Notification{}
	if s.alerts != nil {
		items = s.alerts.List(recipient, limit)
	}
	c.JSON(http.StatusOK, AlertList{Items: items})
}

// ListAuditLogs handles GET /admin/audit-logs?resource_type=&resource_id=&limit=.
func (s *Server) ListAuditLogs(c *gin.Context) {
	resourceType := strings.TrimSpace(c.Query("resource_type"))
	resourceID := strings.TrimSpace(c.Query("resource_id"))
	if resourceType == "" || resourceID == "" {
		c.Error(apperrors.ErrInvalidArgument("resource_type and resource_id are required"))
		return
	}

	records, err := s.audit.History(c.Request.Context(), resourceType, resourceID, queryLimit(c, 50))
	if err != nil {
		logger.Error("failed to query audit logs",
			zap.String("resource_type", resourceType),
			zap.String("resource_id", resourceID),
			zap.Error(err),
		)
		c.Error(apperrors.ErrInternalf(err, "query audit logs"))
		return
	}
	if records == nil {
		records = []*repository.AuditRecord{}
	}
	c.JSON(http.StatusOK, AuditList{Items: records})
}

// queryLimit parses ?limit= into (0, 200], falling back to def.
func queryLimit(c *gin.Context, def int) int {
	limit, err := strconv.Atoi(c.Query("limit"))
	if err != nil || limit <= 0 {
		return def
	}
	if limit > 200 {
		return 200
	}
	return limit
}
