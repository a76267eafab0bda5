package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	invoicedomain "github.com/smallbiznis/playmaker/internal/invoice/domain"
)

// QuotePrice prices one unit of a product without creating an invoice.
func (s *Server) QuotePrice(c *gin.Context) {
	product := invoicedomain.Product(strings.TrimSpace(c.Query("product")))
	if !product.Valid() {
		AbortWithError(c, invoicedomain.ErrInvalidProduct)
		return
	}

	var durationDays *int
	if raw := strings.TrimSpace(c.Query("duration_days")); raw != "" {
		days, err := strconv.Atoi(raw)
		if err != nil {
			AbortWithError(c, invoicedomain.ErrInvalidDuration)
			return
		}
		durationDays = &days
	}

	quote, err := s.pricingSvc.Quote(product, c.Query("target_type"), durationDays)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": quote})
}
