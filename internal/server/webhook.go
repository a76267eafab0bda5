package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/playmaker/internal/observability/logger"
	reconciledomain "github.com/smallbiznis/playmaker/internal/reconcile/domain"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

// HandlePaylinkWebhook answers 200 for every authenticated delivery so the
// provider stops retrying; the body reports what verification concluded.
func (s *Server) HandlePaylinkWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	if err := s.reconciler.AuthorizeWebhook(ctx, c.Request.Header); err != nil {
		AbortWithError(c, err)
		return
	}
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.reconciler.HandleWebhook(ctx, c.Request.Header, payload)
	if err != nil {
		if errors.Is(err, reconciledomain.ErrUnauthorizedWebhook) {
			AbortWithError(c, err)
			return
		}
		logger.FromContext(ctx).Error("webhook handling failed", zap.Error(err))
		c.JSON(http.StatusOK, reconciledomain.WebhookResult{OK: false, Error: "internal_error"})
		return
	}

	c.JSON(http.StatusOK, result)
}
