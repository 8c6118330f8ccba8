package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"execution-core/internal/engine"
	"execution-core/internal/launcher"
	"execution-core/internal/risk"
)

type listEventsQuery struct {
	Type   string `form:"type"`
	Symbol string `form:"symbol"`
	Limit  int    `form:"limit" binding:"omitempty,gte=1,lte=1000"`
	Source string `form:"source" binding:"omitempty,oneof=live store"`
}

type listExecutionsQuery struct {
	Symbol string `form:"symbol"`
	Limit  int    `form:"limit" binding:"omitempty,gte=1,lte=1000"`
}

type forceShadowRequest struct {
	Reason string `json:"reason" binding:"max=200"`
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.GetSystemStatus(c.Request.Context()))
}

func (s *Server) getRisk(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.GetRiskSnapshot(c.Request.Context()))
}

func (s *Server) getEvents(c *gin.Context) {
	var q listEventsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	list, err := s.Engine.ListEvents(c.Request.Context(), engine.EventQuery{
		Type:   q.Type,
		Symbol: strings.ToUpper(q.Symbol),
		Limit:  q.Limit,
		Stored: q.Source == "store",
	})
	if err != nil {
		s.serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": list, "count": len(list)})
}

func (s *Server) getExecutions(c *gin.Context) {
	var q listExecutionsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	list, err := s.Engine.ListExecutions(c.Request.Context(), strings.ToUpper(q.Symbol), q.Limit)
	if err != nil {
		s.serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": list, "count": len(list)})
}

func (s *Server) clearHalt(c *gin.Context) {
	if err := s.Engine.ClearHalt(c.Request.Context(), CurrentOperator(c)); err != nil {
		s.serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.Engine.GetSystemStatus(c.Request.Context()))
}

func (s *Server) resetDrawdown(c *gin.Context) {
	if err := s.Engine.ResetDrawdown(c.Request.Context(), CurrentOperator(c)); err != nil {
		s.serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.Engine.GetRiskSnapshot(c.Request.Context()).Account)
}

func (s *Server) resetBreaker(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))
	if err := s.Engine.ResetBreaker(c.Request.Context(), symbol, CurrentOperator(c)); err != nil {
		s.serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "state": risk.StateClosed.String()})
}

func (s *Server) forceShadow(c *gin.Context) {
	var req forceShadowRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
			return
		}
	}
	if err := s.Engine.ForceShadow(c.Request.Context(), CurrentOperator(c), req.Reason); err != nil {
		s.serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.Engine.GetSystemStatus(c.Request.Context()))
}

func (s *Server) rebaseDrift(c *gin.Context) {
	if err := s.Engine.RebaseDrift(c.Request.Context(), CurrentOperator(c)); err != nil {
		s.serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.Engine.GetSystemStatus(c.Request.Context()))
}

func (s *Server) serviceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, launcher.ErrHaltPersists):
		respondError(c, http.StatusConflict, "HALT_PERSISTS", err.Error())
	case errors.Is(err, risk.ErrUnknownSymbol):
		respondError(c, http.StatusNotFound, "UNKNOWN_SYMBOL", err.Error())
	case errors.Is(err, engine.ErrNoStore):
		respondError(c, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", err.Error())
	case errors.Is(err, engine.ErrNoDrift):
		respondError(c, http.StatusServiceUnavailable, "DRIFT_UNAVAILABLE", err.Error())
	default:
		s.log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("operator request failed")
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}
