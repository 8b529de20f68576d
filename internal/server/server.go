package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/casc/internal/assignment"
	assignmentdomain "github.com/smallbiznis/casc/internal/assignment/domain"
	"github.com/smallbiznis/casc/internal/audit"
	auditdomain "github.com/smallbiznis/casc/internal/audit/domain"
	"github.com/smallbiznis/casc/internal/authorization"
	"github.com/smallbiznis/casc/internal/cache"
	"github.com/smallbiznis/casc/internal/config"
	"github.com/smallbiznis/casc/internal/identity"
	identitydomain "github.com/smallbiznis/casc/internal/identity/domain"
	"github.com/smallbiznis/casc/internal/ingress"
	ingressdomain "github.com/smallbiznis/casc/internal/ingress/domain"
	"github.com/smallbiznis/casc/internal/lead"
	leaddomain "github.com/smallbiznis/casc/internal/lead/domain"
	"github.com/smallbiznis/casc/internal/notification"
	notificationdomain "github.com/smallbiznis/casc/internal/notification/domain"
	"github.com/smallbiznis/casc/internal/observability"
	obsmiddleware "github.com/smallbiznis/casc/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/casc/internal/observability/metrics"
	obstracing "github.com/smallbiznis/casc/internal/observability/tracing"
	"github.com/smallbiznis/casc/internal/ratelimit"
	"github.com/smallbiznis/casc/internal/realtime"
	"github.com/smallbiznis/casc/internal/store"
	"github.com/smallbiznis/casc/internal/tenant"
	tenantdomain "github.com/smallbiznis/casc/internal/tenant/domain"
	"github.com/smallbiznis/casc/internal/trigger"
	triggerdomain "github.com/smallbiznis/casc/internal/trigger/domain"
	"github.com/smallbiznis/casc/internal/worker"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultHTTPAddr = ":8080"

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	store.Module,
	cache.Module,
	authorization.Module,
	audit.Module,
	identity.Module,
	tenant.Module,
	lead.Module,
	assignment.Module,
	notification.Module,
	trigger.Module,
	ingress.Module,
	realtime.Module,
	ratelimit.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics, corsOrigins []string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(cors.New(corsConfig(corsOrigins)))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "Last-Event-ID", obsmiddleware.HeaderRequestID},
		ExposeHeaders: []string{obsmiddleware.HeaderRequestID, "Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && strings.TrimSpace(origins[0]) == "*") {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	cfg.AllowCredentials = true
	return cfg
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics, cfg config.Config) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics, cfg.CORSOrigins)
}

func run(lc fx.Lifecycle, shutdowner fx.Shutdowner, r *gin.Engine, cfg config.Config, log *zap.Logger) {
	addr := strings.TrimSpace(cfg.HTTPAddr)
	if addr == "" {
		addr = defaultHTTPAddr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http server stopped", zap.String("addr", addr), zap.Error(err))
					_ = shutdowner.Shutdown(fx.ExitCode(1))
				}
			}()
			log.Info("http server listening", zap.String("addr", addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine          *gin.Engine
	cfg             config.Config
	db              *gorm.DB
	authzSvc        authorization.Service
	auditSvc        auditdomain.Service
	identitySvc     identitydomain.Service
	vault           identitydomain.Vault
	tenantSvc       tenantdomain.Service
	leadSvc         leaddomain.Service
	assignmentSvc   assignmentdomain.Service
	notificationSvc notificationdomain.Service
	triggerSvc      triggerdomain.Service
	ingressSvc      ingressdomain.Service
	hub             *realtime.Hub
	upgrader        *websocket.Upgrader
	limiter         *ratelimit.Limiter
	worker          *worker.Worker
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	DB              *gorm.DB
	AuthzSvc        authorization.Service
	AuditSvc        auditdomain.Service
	IdentitySvc     identitydomain.Service
	Vault           identitydomain.Vault
	TenantSvc       tenantdomain.Service
	LeadSvc         leaddomain.Service
	AssignmentSvc   assignmentdomain.Service
	NotificationSvc notificationdomain.Service
	TriggerSvc      triggerdomain.Service
	IngressSvc      ingressdomain.Service
	Hub             *realtime.Hub
	Limiter         *ratelimit.Limiter `optional:"true"`
	Worker          *worker.Worker     `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		db:              p.DB,
		authzSvc:        p.AuthzSvc,
		auditSvc:        p.AuditSvc,
		identitySvc:     p.IdentitySvc,
		vault:           p.Vault,
		tenantSvc:       p.TenantSvc,
		leadSvc:         p.LeadSvc,
		assignmentSvc:   p.AssignmentSvc,
		notificationSvc: p.NotificationSvc,
		triggerSvc:      p.TriggerSvc,
		ingressSvc:      p.IngressSvc,
		hub:             p.Hub,
		upgrader:        realtime.NewUpgrader(p.Cfg.CORSOrigins),
		limiter:         p.Limiter,
		worker:          p.Worker,
	}

	svc.registerHealthRoutes()
	svc.registerAuthRoutes()
	svc.registerIngressRoutes()
	svc.registerRealtimeRoutes()
	svc.registerAPIRoutes()
	svc.registerAdminRoutes()
	svc.registerDevRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerHealthRoutes() {
	s.engine.GET("/readyz", s.Readiness)
}

func (s *Server) registerAuthRoutes() {
	auth := s.engine.Group("/auth")

	auth.POST("/login", s.Login)
	auth.GET("/me", s.AuthRequired(), s.Me)
}

func (s *Server) registerIngressRoutes() {
	in := s.engine.Group("/ingress")

	in.GET("/whatsapp/:tenant_path", s.IngressChallenge(ingressdomain.KindWhatsapp))
	in.POST("/whatsapp/:tenant_path", s.HandleIngress(ingressdomain.KindWhatsapp))

	// the tenant path is optional for lead ads; page bindings resolve it otherwise
	in.GET("/meta-leads", s.IngressChallenge(ingressdomain.KindMetaLeads))
	in.POST("/meta-leads", s.HandleIngress(ingressdomain.KindMetaLeads))
	in.GET("/meta-leads/:tenant_path", s.IngressChallenge(ingressdomain.KindMetaLeads))
	in.POST("/meta-leads/:tenant_path", s.HandleIngress(ingressdomain.KindMetaLeads))
}

func (s *Server) registerRealtimeRoutes() {
	rt := s.engine.Group("/realtime", s.AuthRequired())

	rt.GET("/ws", s.RealtimeWebsocket)
	rt.GET("/stream", s.RealtimeStream)
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("", s.AuthRequired(), s.APIRateLimit())

	// -------- Leads --------
	api.GET("/leads", s.ListLeads)
	api.POST("/leads", s.CreateLead)
	api.POST("/leads/bulk-status", s.BulkChangeLeadStatus)
	api.GET("/leads/:id", s.GetLead)
	api.PATCH("/leads/:id/status", s.ChangeLeadStatus)
	api.GET("/leads/:id/timeline", s.LeadTimeline)
	api.GET("/leads/:id/available-transitions", s.LeadAvailableTransitions)

	// -------- Conversations --------
	api.GET("/conversations", s.ListConversations)
	api.POST("/conversations/:key/assign", s.AssignConversation)
	api.POST("/conversations/:key/unassign", s.UnassignConversation)

	// -------- Status machine --------
	api.GET("/statuses", s.ListStatuses)
	api.POST("/statuses", s.CreateStatus)
	api.PATCH("/statuses/:code", s.UpdateStatus)
	api.GET("/transitions", s.ListTransitions)
	api.POST("/transitions", s.CreateTransition)
	api.DELETE("/transitions/:id", s.DeleteTransition)

	// -------- Assignment rules --------
	api.GET("/assignment-rules", s.ListAssignmentRules)
	api.POST("/assignment-rules", s.CreateAssignmentRule)
	api.PATCH("/assignment-rules/:id", s.UpdateAssignmentRule)

	// -------- Triggers --------
	api.GET("/triggers", s.ListTriggers)
	api.POST("/triggers", s.CreateTrigger)
	api.DELETE("/triggers/:id", s.DeleteTrigger)
	api.GET("/triggers/:id/logs", s.ListTriggerLogs)
	api.POST("/triggers/:id/test", s.TestTrigger)

	// -------- Notifications --------
	api.GET("/notifications", s.ListNotifications)
	api.GET("/notifications/unread-count", s.UnreadNotificationCount)
	api.POST("/notifications/:id/read", s.MarkNotificationRead)

	// -------- Sellers --------
	api.GET("/sellers", s.ListSellers)
	api.GET("/sellers/:id/conversations", s.ListSellerConversations)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("", s.AuthRequired(), s.APIRateLimit())

	admin.GET("/tenant/config", s.GetTenantConfig)
	admin.PUT("/tenant/config", s.UpdateTenantConfig)
	admin.POST("/users", s.CreateUser)
	admin.PATCH("/sellers/:id", s.UpdateSeller)
	admin.PUT("/credentials/:name", s.PutCredential)
	admin.GET("/audit-logs", s.ListAuditLogs)
}
