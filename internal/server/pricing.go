package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	pricingdomain "github.com/creditrail/creditrail/internal/pricing/domain"
)

// PriceQuote prices a hypothetical consumption without recording anything.
func (s *Server) PriceQuote(c *gin.Context) {
	var req pricingdomain.PriceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	quote, err := s.pricingSvc.Price(req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, quote)
}
