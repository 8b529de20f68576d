package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	assignmentdomain "github.com/smallbiznis/casc/internal/assignment/domain"
	conversationdomain "github.com/smallbiznis/casc/internal/conversation/domain"
	"github.com/smallbiznis/casc/pkg/db/pagination"
)

const (
	assignModeManual = "manual"
	assignModeAuto   = "auto"
)

func (s *Server) ListConversations(c *gin.Context) {
	var query struct {
		pagination.Page
		AssignedTo string `form:"assigned_to"`
		Unassigned string `form:"unassigned"`
		Status     string `form:"status"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	assignedTo, err := s.parseSellerFilter(c, query.AssignedTo)
	if err != nil {
		AbortWithError(c, newValidationError("assigned_to", "invalid_assigned_to", "invalid assigned_to"))
		return
	}
	unassigned, err := parseOptionalBool(query.Unassigned)
	if err != nil {
		AbortWithError(c, newValidationError("unassigned", "invalid_unassigned", "invalid unassigned"))
		return
	}

	resp, err := s.assignmentSvc.ListConversations(c.Request.Context(), principalFrom(c), conversationdomain.ListConversationFilter{
		AssignedTo: assignedTo,
		Unassigned: unassigned != nil && *unassigned,
		LeadStatus: strings.TrimSpace(query.Status),
	}, query.Page)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListSellerConversations(c *gin.Context) {
	var query struct {
		pagination.Page
		Status string `form:"status"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	sellerID, err := s.parseSellerFilter(c, c.Param("id"))
	if err != nil || sellerID == nil {
		AbortWithError(c, ErrNotFound)
		return
	}

	resp, err := s.assignmentSvc.ListForSeller(c.Request.Context(), principalFrom(c), *sellerID, conversationdomain.ListConversationFilter{
		LeadStatus: strings.TrimSpace(query.Status),
	}, query.Page)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type assignConversationRequest struct {
	SellerID string `json:"seller_id"`
	Mode     string `json:"mode"`
	Force    bool   `json:"force"`
}

func (s *Server) AssignConversation(c *gin.Context) {
	var req assignConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	mode := strings.ToLower(strings.TrimSpace(req.Mode))
	if mode == "" {
		mode = assignModeManual
		if strings.TrimSpace(req.SellerID) == "" {
			mode = assignModeAuto
		}
	}

	ctx := c.Request.Context()
	key := c.Param("key")

	var (
		resp assignmentdomain.AssignmentResult
		err  error
	)
	switch mode {
	case assignModeManual:
		sellerID, parseErr := uuid.Parse(strings.TrimSpace(req.SellerID))
		if parseErr != nil {
			AbortWithError(c, newValidationError("seller_id", "invalid_seller_id", "seller_id is required for manual assignment"))
			return
		}
		resp, err = s.assignmentSvc.AssignManual(ctx, principalFrom(c), key, sellerID)
	case assignModeAuto:
		resp, err = s.assignmentSvc.AutoAssign(ctx, principalFrom(c), key, req.Force)
	default:
		AbortWithError(c, newValidationError("mode", "invalid_mode", "mode must be manual or auto"))
		return
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type unassignConversationRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) UnassignConversation(c *gin.Context) {
	var req unassignConversationRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	if err := s.assignmentSvc.Unassign(c.Request.Context(), principalFrom(c), c.Param("key"), req.Reason); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) ListAssignmentRules(c *gin.Context) {
	resp, err := s.assignmentSvc.ListRules(c.Request.Context(), principalFrom(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) CreateAssignmentRule(c *gin.Context) {
	var req assignmentdomain.CreateRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.Name = strings.TrimSpace(req.Name)

	resp, err := s.assignmentSvc.CreateRule(c.Request.Context(), principalFrom(c), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) UpdateAssignmentRule(c *gin.Context) {
	id, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, assignmentdomain.ErrRuleNotFound)
		return
	}

	var req assignmentdomain.UpdateRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.assignmentSvc.UpdateRule(c.Request.Context(), principalFrom(c), id, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
