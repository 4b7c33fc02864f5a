package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	creditdomain "github.com/creditrail/creditrail/internal/credit/domain"
)

type allocateRequest struct {
	UserID   string          `json:"user_id"`
	Amount   decimal.Decimal `json:"amount"`
	Tier     string          `json:"tier"`
	Source   string          `json:"source"`
	Metadata map[string]any  `json:"metadata"`
}

type deductRequest struct {
	UserID         string          `json:"user_id"`
	Amount         decimal.Decimal `json:"amount"`
	Service        string          `json:"service"`
	Model          string          `json:"model"`
	IdempotencyKey string          `json:"idempotency_key"`
	Metadata       map[string]any  `json:"metadata"`
}

type adjustRequest struct {
	UserID   string          `json:"user_id"`
	Amount   decimal.Decimal `json:"amount"`
	Reason   string          `json:"reason"`
	Metadata map[string]any  `json:"metadata"`
}

func (s *Server) GetBalance(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("user_id"))
	balance, err := s.creditSvc.GetBalance(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, balance)
}

func (s *Server) Allocate(c *gin.Context) {
	var req allocateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	balance, err := s.creditSvc.Allocate(c.Request.Context(), creditdomain.AllocateRequest{
		UserID:   req.UserID,
		Amount:   req.Amount,
		Tier:     req.Tier,
		Source:   req.Source,
		Metadata: req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, balance)
}

func (s *Server) Deduct(c *gin.Context) {
	var req deductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	balance, err := s.creditSvc.Deduct(c.Request.Context(), creditdomain.DeductRequest{
		UserID:         req.UserID,
		Amount:         req.Amount,
		Service:        req.Service,
		Model:          req.Model,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, balance)
}

func (s *Server) AddBonus(c *gin.Context) {
	s.adjust(c, s.creditSvc.AddBonus)
}

func (s *Server) Refund(c *gin.Context) {
	s.adjust(c, s.creditSvc.Refund)
}

func (s *Server) adjust(c *gin.Context, apply func(ctx context.Context, req creditdomain.AdjustRequest) (*creditdomain.Balance, error)) {
	var req adjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	balance, err := apply(c.Request.Context(), creditdomain.AdjustRequest{
		UserID:   req.UserID,
		Amount:   req.Amount,
		Reason:   req.Reason,
		Metadata: req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, balance)
}

func (s *Server) ListTransactions(c *gin.Context) {
	pageSize, err := parsePageSize(c.Query("page_size"))
	if err != nil {
		AbortWithError(c, newValidationError("page_size", "invalid_page_size", "invalid page size"))
		return
	}

	resp, err := s.creditSvc.ListTransactions(c.Request.Context(), creditdomain.ListTransactionsRequest{
		Pagination: paginationFromQuery(c, pageSize),
		UserID:     strings.TrimSpace(c.Param("user_id")),
		Kind:       creditdomain.TransactionKind(strings.TrimSpace(c.Query("kind"))),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
