package server

import (
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/casc/internal/observability/logger"
	"github.com/smallbiznis/casc/internal/realtime"
	"go.uber.org/zap"
)

func (s *Server) sessionOptions(c *gin.Context) realtime.SessionOptions {
	principal := principalFrom(c)
	return realtime.SessionOptions{
		TenantID:     principal.TenantID,
		UserID:       principal.UserID,
		AfterSeq:     realtime.ParseAfterSeq(c.Request),
		PingInterval: s.cfg.Realtime.PingInterval,
		Log:          logger.FromContext(c.Request.Context()),
	}
}

func (s *Server) RealtimeWebsocket(c *gin.Context) {
	if err := s.hub.ServeWebsocket(s.upgrader, c.Writer, c.Request, s.sessionOptions(c)); err != nil {
		// the upgrader has already answered the handshake
		logger.FromContext(c.Request.Context()).Debug("websocket session ended", zap.Error(err))
	}
}

func (s *Server) RealtimeStream(c *gin.Context) {
	if err := s.hub.ServeSSE(c.Writer, c.Request, s.sessionOptions(c)); err != nil {
		logger.FromContext(c.Request.Context()).Debug("event stream ended", zap.Error(err))
	}
}
