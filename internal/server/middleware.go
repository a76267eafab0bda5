package server

import (
	"context"
	"math"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/playmaker/internal/auth"
	obscontext "github.com/smallbiznis/playmaker/internal/observability/context"
	"github.com/smallbiznis/playmaker/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/playmaker/internal/observability/metrics"
	reconciledomain "github.com/smallbiznis/playmaker/internal/reconcile/domain"
	"go.uber.org/zap"
)

const (
	contextPrincipalKey = "principal"
	contextOrderKey     = "order_number"
)

// AuthRequired resolves the bearer token into a principal.
func (s *Server) AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := auth.BearerToken(c.GetHeader("Authorization"))
		if err != nil {
			AbortWithError(c, err)
			return
		}
		principal, err := s.tokens.Parse(raw)
		if err != nil {
			logger.FromContext(c.Request.Context()).Debug("bearer token rejected", zap.Error(err))
			AbortWithError(c, err)
			return
		}

		c.Set(contextPrincipalKey, principal)
		ctx := obscontext.WithActor(c.Request.Context(), principal.Role, principal.UserID.String())
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func principalFrom(c *gin.Context) (auth.Principal, bool) {
	value, ok := c.Get(contextPrincipalKey)
	if !ok {
		return auth.Principal{}, false
	}
	p, ok := value.(auth.Principal)
	return p, ok && p.UserID != 0
}

func actorFrom(p auth.Principal) reconciledomain.Actor {
	return reconciledomain.Actor{UserID: p.UserID, Role: p.Role}
}

// orderNumberParam reads :order_number and exposes it to the request logger.
func orderNumberParam(c *gin.Context) (string, bool) {
	orderNumber := strings.TrimSpace(c.Param("order_number"))
	if orderNumber == "" {
		return "", false
	}
	c.Set(contextOrderKey, orderNumber)
	return orderNumber, true
}

// RecheckRateLimit throttles the endpoints that call the gateway on the
// caller's behalf.
func (s *Server) RecheckRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Enabled() {
			c.Next()
			return
		}
		principal, ok := principalFrom(c)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ctx := c.Request.Context()
		endpoint := normalizeRateLimitEndpoint(c)
		result, err := s.limiter.AllowUser(ctx, principal.UserID)
		if err != nil {
			logger.FromContext(ctx).Warn("recheck rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !result.Allowed {
			logger.FromContext(ctx).Warn("recheck rate limit exceeded", zap.String("endpoint", endpoint))
			recordRateLimitDenied(ctx, endpoint, s.obsMetrics)

			seconds := int(math.Ceil(result.RetryAfter.Seconds()))
			if seconds < 1 {
				seconds = 1
			}
			c.Header("Retry-After", strconv.Itoa(seconds))
			AbortWithError(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}

func recordRateLimitDenied(ctx context.Context, endpoint string, metrics *obsmetrics.Metrics) {
	if metrics == nil {
		return
	}
	metrics.RecordRateLimitDenied(ctx, endpoint)
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}
