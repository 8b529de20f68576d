package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	auditdomain "github.com/smallbiznis/casc/internal/audit/domain"
	"github.com/smallbiznis/casc/internal/authorization"
	"github.com/smallbiznis/casc/internal/observability/logger"
	tenantdomain "github.com/smallbiznis/casc/internal/tenant/domain"
	"go.uber.org/zap"
)

func (s *Server) GetTenantConfig(c *gin.Context) {
	if !s.authorize(c, authorization.ObjectTenant, authorization.ActionRead) {
		return
	}

	resp, err := s.tenantSvc.Config(c.Request.Context(), principalFrom(c).TenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) UpdateTenantConfig(c *gin.Context) {
	if !s.authorize(c, authorization.ObjectTenant, authorization.ActionConfigure) {
		return
	}

	var req tenantdomain.TenantConfig
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.tenantSvc.UpdateConfig(c.Request.Context(), principalFrom(c).TenantID, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type createUserRequest struct {
	Email       string   `json:"email"`
	Name        string   `json:"name"`
	Role        string   `json:"role"`
	Password    string   `json:"password"`
	Specialties []string `json:"specialties"`
}

func (s *Server) CreateUser(c *gin.Context) {
	if !s.authorize(c, authorization.ObjectTenant, authorization.ActionConfigure) {
		return
	}

	var req createUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.tenantSvc.CreateUser(c.Request.Context(), principalFrom(c).TenantID, tenantdomain.CreateUserRequest{
		Email:       strings.TrimSpace(req.Email),
		Name:        strings.TrimSpace(req.Name),
		Role:        tenantdomain.Role(strings.ToLower(strings.TrimSpace(req.Role))),
		Password:    req.Password,
		Specialties: req.Specialties,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) ListSellers(c *gin.Context) {
	if !s.authorize(c, authorization.ObjectSeller, authorization.ActionRead) {
		return
	}

	resp, err := s.tenantSvc.ListSellers(c.Request.Context(), principalFrom(c).TenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type updateSellerRequest struct {
	Active             *bool    `json:"active"`
	Specialties        []string `json:"specialties"`
	ConversionRate     *string  `json:"conversion_rate"`
	AvgResponseSeconds *int     `json:"avg_response_seconds"`
}

func (s *Server) UpdateSeller(c *gin.Context) {
	if !s.authorize(c, authorization.ObjectSeller, authorization.ActionConfigure) {
		return
	}

	userID, err := uuid.Parse(strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, tenantdomain.ErrSellerNotFound)
		return
	}

	var req updateSellerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.tenantSvc.UpdateSeller(c.Request.Context(), principalFrom(c).TenantID, userID, tenantdomain.UpdateSellerRequest{
		Active:             req.Active,
		Specialties:        req.Specialties,
		ConversionRate:     req.ConversionRate,
		AvgResponseSeconds: req.AvgResponseSeconds,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type putCredentialRequest struct {
	Value string `json:"value"`
}

// PutCredential stores a provider secret. The value is never echoed back.
func (s *Server) PutCredential(c *gin.Context) {
	if !s.authorize(c, authorization.ObjectCredential, authorization.ActionConfigure) {
		return
	}

	var req putCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Value == "" {
		AbortWithError(c, newValidationError("value", "required", "value is required"))
		return
	}

	ctx := c.Request.Context()
	principal := principalFrom(c)
	name := strings.TrimSpace(c.Param("name"))
	if err := s.vault.Put(ctx, principal.TenantID, name, []byte(req.Value)); err != nil {
		AbortWithError(c, err)
		return
	}

	if s.auditSvc != nil {
		if err := s.auditSvc.Record(ctx, principal.TenantID, auditdomain.Entry{
			Action:     "credential.stored",
			TargetType: "credential",
			TargetID:   name,
		}); err != nil {
			logger.FromContext(ctx).Warn("failed to record credential audit", zap.Error(err))
		}
	}

	c.Status(http.StatusNoContent)
}
