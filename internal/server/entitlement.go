package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	entitlementdomain "github.com/smallbiznis/playmaker/internal/entitlement/domain"
)

// ListEntitlements returns the caller's grants; ?active=true drops expired ones.
func (s *Server) ListEntitlements(c *gin.Context) {
	principal, ok := principalFrom(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var (
		items []entitlementdomain.Entitlement
		err   error
	)
	if c.Query("active") == "true" {
		items, err = s.granter.ActiveForUser(c.Request.Context(), principal.UserID)
	} else {
		items, err = s.granter.ListForUser(c.Request.Context(), principal.UserID)
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if items == nil {
		items = []entitlementdomain.Entitlement{}
	}

	c.JSON(http.StatusOK, gin.H{"data": items})
}
