package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	leaddomain "github.com/smallbiznis/casc/internal/lead/domain"
	"github.com/smallbiznis/casc/pkg/db/pagination"
)

type createLeadRequest struct {
	Phone  string   `json:"phone"`
	Name   string   `json:"name"`
	Email  string   `json:"email"`
	Source string   `json:"source"`
	Tags   []string `json:"tags"`
}

func (s *Server) CreateLead(c *gin.Context) {
	var req createLeadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.leadSvc.Create(c.Request.Context(), principalFrom(c), leaddomain.CreateLeadRequest{
		Phone:  strings.TrimSpace(req.Phone),
		Name:   strings.TrimSpace(req.Name),
		Email:  strings.TrimSpace(req.Email),
		Source: strings.TrimSpace(req.Source),
		Tags:   req.Tags,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) ListLeads(c *gin.Context) {
	var query struct {
		pagination.Page
		Status     string `form:"status"`
		Source     string `form:"source"`
		Tag        string `form:"tag"`
		Q          string `form:"q"`
		AssignedTo string `form:"assigned_to"`
		Unassigned string `form:"unassigned"`
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

	resp, err := s.leadSvc.List(c.Request.Context(), principalFrom(c), leaddomain.ListLeadFilter{
		StatusCode:       strings.TrimSpace(query.Status),
		AssignedSellerID: assignedTo,
		Unassigned:       unassigned != nil && *unassigned,
		Source:           strings.TrimSpace(query.Source),
		Tag:              strings.TrimSpace(query.Tag),
		Query:            strings.TrimSpace(query.Q),
	}, query.Page)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetLead(c *gin.Context) {
	id, ok := leadIDParam(c)
	if !ok {
		return
	}

	resp, err := s.leadSvc.Get(c.Request.Context(), principalFrom(c), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type changeLeadStatusRequest struct {
	ToCode       string         `json:"to_code"`
	ExpectedFrom *string        `json:"expected_from"`
	Comment      *string        `json:"comment"`
	Metadata     map[string]any `json:"metadata"`
}

func (s *Server) ChangeLeadStatus(c *gin.Context) {
	id, ok := leadIDParam(c)
	if !ok {
		return
	}

	var req changeLeadStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.leadSvc.ChangeStatus(c.Request.Context(), principalFrom(c), leaddomain.ChangeStatusRequest{
		LeadID:       id,
		ExpectedFrom: req.ExpectedFrom,
		To:           strings.TrimSpace(req.ToCode),
		Comment:      req.Comment,
		Metadata:     req.Metadata,
		Source:       leaddomain.SourceManual,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Lead})
}

type bulkLeadStatusRequest struct {
	LeadIDs  []string       `json:"lead_ids"`
	ToCode   string         `json:"to_code"`
	Comment  *string        `json:"comment"`
	Metadata map[string]any `json:"metadata"`
}

func (s *Server) BulkChangeLeadStatus(c *gin.Context) {
	var req bulkLeadStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ids := make([]uuid.UUID, 0, len(req.LeadIDs))
	for _, raw := range req.LeadIDs {
		id, err := uuid.Parse(strings.TrimSpace(raw))
		if err != nil {
			AbortWithError(c, newValidationError("lead_ids", "invalid_lead_id", "invalid lead id "+raw))
			return
		}
		ids = append(ids, id)
	}

	results, err := s.leadSvc.BulkChangeStatus(c.Request.Context(), principalFrom(c), leaddomain.BulkChangeStatusRequest{
		LeadIDs:  ids,
		To:       strings.TrimSpace(req.ToCode),
		Comment:  req.Comment,
		Metadata: req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	out := make(map[string]string, len(results))
	for id, code := range results {
		out[id.String()] = code
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"results": out}})
}

func (s *Server) LeadTimeline(c *gin.Context) {
	id, ok := leadIDParam(c)
	if !ok {
		return
	}

	var window pagination.Window
	if err := c.ShouldBindQuery(&window); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.leadSvc.Timeline(c.Request.Context(), principalFrom(c), id, window)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) LeadAvailableTransitions(c *gin.Context) {
	id, ok := leadIDParam(c)
	if !ok {
		return
	}

	resp, err := s.leadSvc.AvailableTransitions(c.Request.Context(), principalFrom(c), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// leadIDParam reports malformed ids as not found, like ids of other tenants.
func leadIDParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, leaddomain.ErrNotFound)
		return uuid.Nil, false
	}
	return id, true
}

// parseSellerFilter accepts a user id or "me".
func (s *Server) parseSellerFilter(c *gin.Context, value string) (*uuid.UUID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	if strings.EqualFold(trimmed, "me") {
		self := principalFrom(c).UserID
		return &self, nil
	}
	id, err := uuid.Parse(trimmed)
	if err != nil {
		return nil, err
	}
	return &id, nil
}
