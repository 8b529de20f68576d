package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	triggerdomain "github.com/smallbiznis/casc/internal/trigger/domain"
	"github.com/smallbiznis/casc/pkg/db/pagination"
)

func (s *Server) ListTriggers(c *gin.Context) {
	resp, err := s.triggerSvc.List(c.Request.Context(), principalFrom(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) CreateTrigger(c *gin.Context) {
	var req triggerdomain.CreateTriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.triggerSvc.Create(c.Request.Context(), principalFrom(c), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) DeleteTrigger(c *gin.Context) {
	id, ok := triggerIDParam(c)
	if !ok {
		return
	}

	if err := s.triggerSvc.Delete(c.Request.Context(), principalFrom(c), id); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) ListTriggerLogs(c *gin.Context) {
	id, ok := triggerIDParam(c)
	if !ok {
		return
	}

	var page pagination.Page
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.triggerSvc.ListLogs(c.Request.Context(), principalFrom(c), id, page)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) TestTrigger(c *gin.Context) {
	id, ok := triggerIDParam(c)
	if !ok {
		return
	}

	resp, err := s.triggerSvc.Test(c.Request.Context(), principalFrom(c), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func triggerIDParam(c *gin.Context) (snowflake.ID, bool) {
	id, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil || id == 0 {
		AbortWithError(c, triggerdomain.ErrTriggerNotFound)
		return 0, false
	}
	return id, true
}
