package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	byokdomain "github.com/creditrail/creditrail/internal/byok/domain"
)

func (s *Server) UpsertBYOK(c *gin.Context) {
	var req byokdomain.UpsertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	credential, err := s.byokSvc.Upsert(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, credential)
}

func (s *Server) GetBYOK(c *gin.Context) {
	userID := c.Param("user_id")
	provider := c.Param("provider")

	enabled, err := s.byokSvc.HasBYOK(c.Request.Context(), userID, provider)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":  userID,
		"provider": provider,
		"enabled":  enabled,
	})
}
