package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"validahub-core/internal/core/apperror"
	"validahub-core/internal/core/tenant"
	"validahub-core/internal/idempotency"
)

// Header priority for a client-supplied idempotency key: the first one
// present wins. Idempotency-Key is the name most client SDKs default to;
// the other two are accepted for compatibility with earlier integrations.
var idempotencyHeaders = []string{"Idempotency-Key", "X-Idempotency-Key", "Idempotency-Token"}

// maxRawKeyBytes bounds the raw header value before any processing.
const maxRawKeyBytes = 1 << 10 // 1 KiB

// Idempotency resolves the client-supplied (or generated) idempotency key
// for mutating requests and stores the canonical form in the Gin context
// for the use case. It takes no reservation and touches no storage: the
// duplicate decision is made downstream by the idempotency store's
// insert-then-re-read and the jobs table's unique constraint, so concurrent
// duplicates all converge on the winner's response instead of erroring.
func Idempotency(mode idempotency.CompatMode) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodPost &&
			c.Request.Method != http.MethodPut &&
			c.Request.Method != http.MethodPatch {
			c.Next()
			return
		}

		tenantID := tenant.FromContext(c.Request.Context())
		if tenantID == "" {
			c.Next()
			return
		}

		rawKey := ""
		for _, h := range idempotencyHeaders {
			if v := c.GetHeader(h); v != "" {
				rawKey = v
				break
			}
		}

		// Header hardening: CR/LF never reaches storage or logs, and the
		// raw value is bounded before any processing.
		if strings.ContainsAny(rawKey, "\r\n") {
			_ = c.Error(apperror.NewSecurityViolation("control characters in idempotency key header"))
			c.Abort()
			return
		}
		if len(rawKey) > maxRawKeyBytes {
			_ = c.Error(apperror.NewValidation("idempotency key too long").
				WithDetail("max_bytes", maxRawKeyBytes))
			c.Abort()
			return
		}

		key, err := idempotency.Resolve(rawKey, tenantID, c.Request.Method, c.FullPath(), mode)
		if err != nil {
			_ = c.Error(err)
			c.Abort()
			return
		}

		c.Set("idempotency_key", key)
		c.Next()
	}
}
