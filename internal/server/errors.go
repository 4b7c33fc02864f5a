package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	auditdomain "github.com/creditrail/creditrail/internal/audit/domain"
	byokdomain "github.com/creditrail/creditrail/internal/byok/domain"
	coupondomain "github.com/creditrail/creditrail/internal/coupon/domain"
	creditdomain "github.com/creditrail/creditrail/internal/credit/domain"
	pricingdomain "github.com/creditrail/creditrail/internal/pricing/domain"
	usagedomain "github.com/creditrail/creditrail/internal/usage/domain"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type      string            `json:"type"`
	Message   string            `json:"message"`
	Reason    string            `json:"reason,omitempty"`
	Required  string            `json:"required,omitempty"`
	Available string            `json:"available,omitempty"`
	Errors    []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrConflict           = errors.New("conflict")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	// Insufficient credits is a business refusal with data attached, not a
	// generic 4xx: the caller needs to know by how much the balance fell
	// short.
	var insufficient *creditdomain.InsufficientCreditsError
	if errors.As(err, &insufficient) {
		return http.StatusPaymentRequired, errorPayload{
			Type:      "insufficient_credits",
			Message:   "insufficient credits",
			Required:  insufficient.Required.String(),
			Available: insufficient.Available.String(),
		}
	}

	var invalidCoupon *coupondomain.InvalidCouponError
	if errors.As(err, &invalidCoupon) {
		status := http.StatusUnprocessableEntity
		switch invalidCoupon.Reason {
		case coupondomain.ReasonNotFound:
			status = http.StatusNotFound
		case coupondomain.ReasonAlreadyRedeemed:
			status = http.StatusConflict
		}
		return status, errorPayload{
			Type:    "invalid_coupon",
			Message: "coupon cannot be redeemed",
			Reason:  invalidCoupon.Reason,
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	switch {
	case errors.Is(err, ErrConflict),
		errors.Is(err, coupondomain.ErrDuplicateCode):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "conflict",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, creditdomain.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return true
	case errors.Is(err, creditdomain.ErrInvalidUser),
		errors.Is(err, creditdomain.ErrInvalidAmount),
		errors.Is(err, creditdomain.ErrInvalidKind),
		errors.Is(err, creditdomain.ErrInvalidPageToken):
		return true
	case errors.Is(err, usagedomain.ErrInvalidUser),
		errors.Is(err, usagedomain.ErrInvalidService),
		errors.Is(err, usagedomain.ErrInvalidModel),
		errors.Is(err, usagedomain.ErrInvalidUnits),
		errors.Is(err, usagedomain.ErrInvalidRange):
		return true
	case errors.Is(err, coupondomain.ErrInvalidCode),
		errors.Is(err, coupondomain.ErrInvalidType),
		errors.Is(err, coupondomain.ErrInvalidValue),
		errors.Is(err, coupondomain.ErrInvalidMaxUses),
		errors.Is(err, coupondomain.ErrInvalidUser):
		return true
	case errors.Is(err, byokdomain.ErrInvalidUser),
		errors.Is(err, byokdomain.ErrInvalidProvider):
		return true
	case errors.Is(err, pricingdomain.ErrUnknownModel),
		errors.Is(err, pricingdomain.ErrInvalidUnits):
		return true
	case errors.Is(err, auditdomain.ErrInvalidPageToken),
		errors.Is(err, auditdomain.ErrInvalidTimeRange):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	if errors.Is(err, ErrInvalidRequest) {
		return "invalid_request"
	}
	return err.Error()
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	default:
		return "invalid value"
	}
}

// classifyErrorForLog labels errors for the request logger without leaking
// payload data.
func classifyErrorForLog(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	var insufficient *creditdomain.InsufficientCreditsError
	if errors.As(err, &insufficient) {
		return "business_refusal", "insufficient_credits"
	}
	var invalidCoupon *coupondomain.InvalidCouponError
	if errors.As(err, &invalidCoupon) {
		return "business_refusal", "invalid_coupon"
	}
	if asValidationErrors(err) != nil || isValidationError(err) {
		return "validation_error", validationErrorCode(err)
	}
	if errors.Is(err, creditdomain.ErrStoreUnavailable) {
		return "store_unavailable", "store_unavailable"
	}
	return "internal_error", "internal_error"
}
