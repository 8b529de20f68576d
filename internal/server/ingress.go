package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	ingressdomain "github.com/smallbiznis/casc/internal/ingress/domain"
)

const maxIngressBodyBytes = 1 << 20

// HandleIngress serves provider webhooks. Replays answer 200 with
// {"duplicate": true}; first deliveries answer 200 with an empty body.
func (s *Server) HandleIngress(kind ingressdomain.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxIngressBodyBytes+1))
		if err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
		if len(body) > maxIngressBodyBytes {
			AbortWithError(c, newValidationError("body", "too_large", "payload too large"))
			return
		}

		result, err := s.ingressSvc.Handle(c.Request.Context(), kind, ingressRequest(c, body))
		if err != nil {
			AbortWithError(c, err)
			return
		}

		if result.Duplicate() {
			c.JSON(http.StatusOK, gin.H{"duplicate": true})
			return
		}
		c.Status(http.StatusOK)
	}
}

// IngressChallenge answers the provider's subscription handshake with the
// raw challenge string.
func (s *Server) IngressChallenge(kind ingressdomain.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		challenge, err := s.ingressSvc.Challenge(c.Request.Context(), kind, ingressRequest(c, nil))
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.String(http.StatusOK, challenge)
	}
}

func ingressRequest(c *gin.Context, body []byte) ingressdomain.Request {
	return ingressdomain.Request{
		Method:     c.Request.Method,
		TenantPath: strings.TrimSpace(c.Param("tenant_path")),
		Header:     c.Request.Header,
		Query:      c.Request.URL.Query(),
		Body:       body,
	}
}
