// Package middleware provides HTTP middleware components.
package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	
	"validahub-core/internal/core/apperror"
	"validahub-core/pkg/logger"
)

// Recovery middleware recovers from panics and returns 500 error.
// Logs stack trace but never exposes internal details to client.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				// Log full stack trace
				logger.Error(c.Request.Context(), "panic recovered",
					"error", err,
					"stack", string(debug.Stack()),
				)

				_ = c.Error(
					apperror.NewInternal(fmt.Errorf("panic: %v", err)).
						WithDetail("request_id", c.GetString("request_id")),
				)
				// ErrorHandler sits inside this middleware and is unwound by
				// the panic, so the 500 envelope is written here.
				if !c.Writer.Written() {
					c.JSON(http.StatusInternalServerError,
						errorBody(c, apperror.CodeInternal, "Internal server error", nil))
				}
				c.Abort()
			}
		}()
		c.Next()
	}
}
