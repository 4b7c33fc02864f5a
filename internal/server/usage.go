package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"

	creditdomain "github.com/creditrail/creditrail/internal/credit/domain"
	usagedomain "github.com/creditrail/creditrail/internal/usage/domain"
)

type trackRequest struct {
	UserID         string         `json:"user_id"`
	Service        string         `json:"service"`
	Model          string         `json:"model"`
	Units          int64          `json:"units"`
	IdempotencyKey string         `json:"idempotency_key"`
	Metadata       map[string]any `json:"metadata"`
}

type trackResponse struct {
	Event   *usagedomain.UsageEvent `json:"event"`
	Settled bool                    `json:"settled"`
}

func (s *Server) TrackUsage(c *gin.Context) {
	var req trackRequest
	// The rate limit middleware buffers the body, so rebind from the buffer.
	if err := c.ShouldBindBodyWith(&req, binding.JSON); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	c.Set("service", strings.TrimSpace(req.Service))

	event, err := s.usageSvc.Track(c.Request.Context(), usagedomain.TrackRequest{
		UserID:         req.UserID,
		Service:        req.Service,
		Model:          req.Model,
		Units:          req.Units,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
	})
	if err != nil {
		// The event survives a refused deduction; return it alongside the
		// insufficient-credits status so the caller sees both.
		var insufficient *creditdomain.InsufficientCreditsError
		if event != nil && errors.As(err, &insufficient) {
			c.JSON(http.StatusPaymentRequired, gin.H{
				"event": event,
				"error": gin.H{
					"type":      "insufficient_credits",
					"required":  insufficient.Required.String(),
					"available": insufficient.Available.String(),
				},
			})
			return
		}
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, trackResponse{Event: event, Settled: true})
}

func (s *Server) UsageSummary(c *gin.Context) {
	req, err := summaryRequestFromQuery(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	summary, err := s.usageSvc.Summary(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) UsageByModel(c *gin.Context) {
	req, err := summaryRequestFromQuery(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	rows, err := s.usageSvc.ByModel(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": rows})
}

func (s *Server) UsageByService(c *gin.Context) {
	req, err := summaryRequestFromQuery(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	rows, err := s.usageSvc.ByService(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"services": rows})
}

func (s *Server) FreeTierUsage(c *gin.Context) {
	req, err := summaryRequestFromQuery(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	summary, err := s.usageSvc.FreeTierUsage(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) ListUsageEvents(c *gin.Context) {
	pageSize, err := parsePageSize(c.Query("page_size"))
	if err != nil {
		AbortWithError(c, newValidationError("page_size", "invalid_page_size", "invalid page size"))
		return
	}

	resp, err := s.usageSvc.List(c.Request.Context(), usagedomain.ListUsageRequest{
		Pagination: paginationFromQuery(c, pageSize),
		UserID:     strings.TrimSpace(c.Param("user_id")),
		Service:    strings.TrimSpace(c.Query("service")),
		Model:      strings.TrimSpace(c.Query("model")),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func summaryRequestFromQuery(c *gin.Context) (usagedomain.SummaryRequest, error) {
	start, end, err := parseDateRange(c.Query("start"), c.Query("end"))
	if err != nil {
		return usagedomain.SummaryRequest{}, newValidationError("range", "invalid_date_range", "invalid date range")
	}
	return usagedomain.SummaryRequest{
		UserID: strings.TrimSpace(c.Param("user_id")),
		Start:  start,
		End:    end,
	}, nil
}
