package middleware

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"validahub-core/internal/core/apperror"
	appctx "validahub-core/internal/core/context"
	"validahub-core/internal/core/tenant"
	"validahub-core/pkg/logger"
)

// SecurityAuditor records security-relevant rejections (cross-tenant access,
// injection attempts) to a durable trail. nil disables auditing.
type SecurityAuditor interface {
	RecordSecurityEvent(ctx context.Context, tenantID tenant.TenantID, code, userID, requestID string, details map[string]any)
}

// errorBody is the stable error envelope. Messages never echo raw client
// input; anything attacker-controlled lives only in server-side logs.
func errorBody(c *gin.Context, code, message string, details map[string]any) gin.H {
	body := gin.H{
		"code":       code,
		"message":    message,
		"request_id": c.GetString("request_id"),
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}
	if len(details) > 0 {
		body["details"] = details
	}
	return body
}

// ErrorHandler transforms errors registered on the Gin context into
// consistent JSON responses, hiding internals from clients while logging
// full details.
func ErrorHandler(auditor SecurityAuditor) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err

		// If response already written by handler, do not override it.
		if c.Writer.Written() {
			return
		}

		if appErr, ok := apperror.AsAppError(err); ok {
			if appErr.Err != nil {
				logger.Error(c.Request.Context(), "request error",
					"code", appErr.Code,
					"cause", appErr.Err,
				)
			}
			if appErr.Code == apperror.CodeRateLimitExceeded {
				if retryAfter, ok := appErr.Details["retry_after"].(int); ok {
					c.Header("Retry-After", fmt.Sprint(retryAfter))
				}
			}
			if auditor != nil &&
				(appErr.Code == apperror.CodeSecurityViolation || appErr.Code == apperror.CodeTenantIsolation) {
				ctx := c.Request.Context()
				auditor.RecordSecurityEvent(ctx, tenant.FromContext(ctx),
					appErr.Code, appctx.GetUserID(ctx), c.GetString("request_id"), appErr.Details)
			}

			c.JSON(appErr.HTTPStatus, errorBody(c, appErr.Code, appErr.Message, appErr.Details))
			return
		}

		// Unknown error: log with full detail, return a stable message.
		logger.Error(c.Request.Context(), "unhandled error", "error", err)
		c.JSON(http.StatusInternalServerError,
			errorBody(c, apperror.CodeInternal, "Internal server error", nil))
	}
}
