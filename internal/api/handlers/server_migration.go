package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"unitmover.io/unitmover/internal/api/middleware"
	apperrors "unitmover.io/unitmover/internal/pkg/errors"
	"unitmover.io/unitmover/internal/pkg/logger"
)

// UnitResponse is the body of GET /units/:owner.
type UnitResponse struct {
	Owner  string `json:"owner"`
	UnitID string `json:"unit_id"`
}

// StartMigration handles POST /migrations/:subject.
//
// A migration in a terminal state answers 200: COMPLETED carries the
// target unit id and a FAILED state that cannot restart carries the
// recorded error. A pipeline still running answers 202 and the client
// polls GetMigration.
func (s *Server) StartMigration(c *gin.Context) {
	ctx := c.Request.Context()
	subject := strings.TrimSpace(c.Param("subject"))
	caller := middleware.CallerFrom(c)

	st, err := s.orchestrator.Migrate(ctx, caller, subject)
	if err != nil {
		c.Error(err)
		return
	}

	logger.Info("Migration requested",
		zap.String("subject", subject),
		zap.String("actor", actorFromCtx(c)),
		zap.String("status", string(st.Status)),
	)
	if st.Status.Terminal() {
		c.JSON(http.StatusOK, st)
		return
	}
	c.JSON(http.StatusAccepted, st)
}

// GetMigration handles GET /migrations/:subject.
func (s *Server) GetMigration(c *gin.Context) {
	subject := strings.TrimSpace(c.Param("subject"))
	st, err := s.orchestrator.GetStatus(c.Request.Context(), middleware.CallerFrom(c), subject)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// GetUnit handles GET /units/:owner.
func (s *Server) GetUnit(c *gin.Context) {
	owner := strings.TrimSpace(c.Param("owner"))
	if owner == "" {
		c.Error(apperrors.ErrInvalidArgument("owner is required"))
		return
	}
	unitID, err := s.orchestrator.GetUnitID(c.Request.Context(), middleware.CallerFrom(c), owner)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, UnitResponse{Owner: owner, UnitID: unitID})
}
