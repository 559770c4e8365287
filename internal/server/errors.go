package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	accountdomain "github.com/tryspeak/reconcile/internal/account/domain"
	billingeventdomain "github.com/tryspeak/reconcile/internal/billingevent/domain"
	"github.com/tryspeak/reconcile/internal/lock"
	referraldomain "github.com/tryspeak/reconcile/internal/referral/domain"
	"gorm.io/gorm"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrInternal           = errors.New("internal_error")
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

func mapError(err error) (int, errorPayload) {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, billingeventdomain.ErrInvalidSignature),
		errors.Is(err, billingeventdomain.ErrInvalidPayload),
		errors.Is(err, billingeventdomain.ErrInvalidEvent):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_request",
			Message: errString(err),
		}
	case errors.Is(err, referraldomain.ErrInvalidReferralCode),
		errors.Is(err, referraldomain.ErrSelfReferral):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "validation_error",
			Message: errString(err),
		}
	case errors.Is(err, referraldomain.ErrAlreadyAttached):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: errString(err),
		}
	case errors.Is(err, accountdomain.ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	// Lock contention is retryable. The provider redelivers webhooks on 5xx
	// and the ledger makes the retry idempotent.
	case errors.Is(err, lock.ErrLockTimeout),
		errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable, retry later",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
