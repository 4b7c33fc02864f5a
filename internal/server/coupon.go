package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	coupondomain "github.com/creditrail/creditrail/internal/coupon/domain"
)

func (s *Server) CreateCoupon(c *gin.Context) {
	var req coupondomain.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	coupon, err := s.couponSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, coupon)
}

func (s *Server) ValidateCoupon(c *gin.Context) {
	var req coupondomain.RedeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	result, err := s.couponSvc.Validate(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) RedeemCoupon(c *gin.Context) {
	var req coupondomain.RedeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	redemption, err := s.couponSvc.Redeem(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, redemption)
}

func (s *Server) DeactivateCoupon(c *gin.Context) {
	coupon, err := s.couponSvc.Deactivate(c.Request.Context(), c.Param("code"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, coupon)
}

func (s *Server) ListCoupons(c *gin.Context) {
	pageSize, err := parsePageSize(c.Query("page_size"))
	if err != nil {
		AbortWithError(c, newValidationError("page_size", "invalid_page_size", "invalid page size"))
		return
	}
	activeOnly, err := parseOptionalBool(c.Query("active_only"))
	if err != nil {
		AbortWithError(c, newValidationError("active_only", "invalid_active_only", "invalid active_only flag"))
		return
	}

	req := coupondomain.ListRequest{
		Pagination: paginationFromQuery(c, pageSize),
	}
	if activeOnly != nil {
		req.ActiveOnly = *activeOnly
	}
	if code := strings.TrimSpace(c.Query("code")); code != "" {
		// Exact-code lookup still goes through List so the response shape
		// stays uniform for admin tooling.
		req.Code = code
	}

	resp, err := s.couponSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
