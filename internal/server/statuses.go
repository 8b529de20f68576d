package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	leaddomain "github.com/smallbiznis/casc/internal/lead/domain"
)

type createStatusRequest struct {
	Code      string `json:"code"`
	Name      string `json:"name"`
	Color     string `json:"color"`
	Icon      string `json:"icon"`
	IsInitial bool   `json:"is_initial"`
	IsFinal   bool   `json:"is_final"`
	SortOrder int    `json:"sort_order"`
}

type updateStatusRequest struct {
	Name      *string `json:"name"`
	Color     *string `json:"color"`
	Icon      *string `json:"icon"`
	IsInitial *bool   `json:"is_initial"`
	IsFinal   *bool   `json:"is_final"`
	SortOrder *int    `json:"sort_order"`
	Active    *bool   `json:"active"`
}

func (s *Server) ListStatuses(c *gin.Context) {
	resp, err := s.leadSvc.ListStatuses(c.Request.Context(), principalFrom(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) CreateStatus(c *gin.Context) {
	var req createStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.leadSvc.CreateStatus(c.Request.Context(), principalFrom(c), leaddomain.CreateStatusRequest{
		Code:      strings.TrimSpace(req.Code),
		Name:      strings.TrimSpace(req.Name),
		Color:     strings.TrimSpace(req.Color),
		Icon:      strings.TrimSpace(req.Icon),
		IsInitial: req.IsInitial,
		IsFinal:   req.IsFinal,
		SortOrder: req.SortOrder,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) UpdateStatus(c *gin.Context) {
	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.leadSvc.UpdateStatus(c.Request.Context(), principalFrom(c), strings.TrimSpace(c.Param("code")), leaddomain.UpdateStatusRequest{
		Name:      req.Name,
		Color:     req.Color,
		Icon:      req.Icon,
		IsInitial: req.IsInitial,
		IsFinal:   req.IsFinal,
		SortOrder: req.SortOrder,
		Active:    req.Active,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type createTransitionRequest struct {
	FromCode    *string `json:"from_code"`
	ToCode      string  `json:"to_code"`
	Label       string  `json:"label"`
	Description string  `json:"description"`
}

func (s *Server) ListTransitions(c *gin.Context) {
	resp, err := s.leadSvc.ListTransitions(c.Request.Context(), principalFrom(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) CreateTransition(c *gin.Context) {
	var req createTransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.leadSvc.CreateTransition(c.Request.Context(), principalFrom(c), leaddomain.CreateTransitionRequest{
		FromCode:    req.FromCode,
		ToCode:      strings.TrimSpace(req.ToCode),
		Label:       strings.TrimSpace(req.Label),
		Description: strings.TrimSpace(req.Description),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) DeleteTransition(c *gin.Context) {
	if err := s.leadSvc.DeleteTransition(c.Request.Context(), principalFrom(c), strings.TrimSpace(c.Param("id"))); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}
