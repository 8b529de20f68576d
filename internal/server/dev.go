package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	tenantdomain "github.com/smallbiznis/casc/internal/tenant/domain"
	"gorm.io/gorm"
)

type devProvisionRequest struct {
	Name          string                     `json:"name"`
	Slug          string                     `json:"slug"`
	Niche         string                     `json:"niche"`
	Config        *tenantdomain.TenantConfig `json:"config"`
	AdminEmail    string                     `json:"admin_email"`
	AdminName     string                     `json:"admin_name"`
	AdminPassword string                     `json:"admin_password"`
}

type devCleanupRequest struct {
	Prefix string `json:"prefix"`
}

// registerDevRoutes adds development-only endpoints. They are never mounted
// in production.
func (s *Server) registerDevRoutes() {
	if s.cfg.Environment == "production" {
		return
	}

	dev := s.engine.Group("/dev")

	dev.POST("/tenants", s.DevProvisionTenant)
	dev.POST("/tenants/cleanup", s.DevCleanupTenants)
	dev.POST("/worker/run-once", s.DevRunWorkerOnce)
}

func (s *Server) DevProvisionTenant(c *gin.Context) {
	var req devProvisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.tenantSvc.Provision(c.Request.Context(), tenantdomain.ProvisionRequest{
		Name:          strings.TrimSpace(req.Name),
		Slug:          strings.TrimSpace(req.Slug),
		Niche:         strings.TrimSpace(req.Niche),
		Config:        req.Config,
		AdminEmail:    strings.TrimSpace(req.AdminEmail),
		AdminName:     strings.TrimSpace(req.AdminName),
		AdminPassword: req.AdminPassword,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

// tenantScopedTables is ordered children first.
var tenantScopedTables = []string{
	"audit_logs",
	"inbound_receipts",
	"provider_bindings",
	"credentials",
	"notifications",
	"trigger_logs",
	"triggers",
	"assignment_rules",
	"chat_messages",
	"outbox_events",
	"status_history",
	"leads",
	"transitions",
	"status_defs",
	"sellers",
	"users",
}

// DevCleanupTenants removes every tenant whose slug starts with prefix,
// together with its rows.
func (s *Server) DevCleanupTenants(c *gin.Context) {
	var req devCleanupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	prefix := strings.TrimSpace(req.Prefix)
	if prefix == "" {
		AbortWithError(c, newValidationError("prefix", "required", "prefix is required"))
		return
	}

	ctx := c.Request.Context()
	var tenantIDs []int64
	if err := s.db.WithContext(ctx).
		Table("tenants").
		Select("id").
		Where("slug LIKE ?", prefix+"%").
		Scan(&tenantIDs).Error; err != nil {
		AbortWithError(c, err)
		return
	}

	if len(tenantIDs) > 0 {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			for _, table := range tenantScopedTables {
				if err := tx.Exec(`DELETE FROM `+table+` WHERE tenant_id IN ?`, tenantIDs).Error; err != nil {
					return err
				}
			}
			return tx.Exec(`DELETE FROM tenants WHERE id IN ?`, tenantIDs).Error
		})
		if err != nil {
			AbortWithError(c, err)
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"deleted": len(tenantIDs)}})
}

// DevRunWorkerOnce runs a single outbox dispatch and notification sweep.
func (s *Server) DevRunWorkerOnce(c *gin.Context) {
	if s.worker == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	if err := s.worker.RunOnce(c.Request.Context()); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "worker cycle completed"})
}
