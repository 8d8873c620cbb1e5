package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// CORS answers cross-origin requests for the configured origins only. A
// wildcard is accepted from config but must never be used in production;
// the config loader enforces that.
func CORS(allowedOrigins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(allowedOrigins))
	wildcard := false
	for _, origin := range allowedOrigins {
		if origin == "*" {
			wildcard = true
			continue
		}
		allowed[strings.ToLower(origin)] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			c.Next()
			return
		}

		if wildcard || allowed[strings.ToLower(origin)] {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers",
				"Authorization, Content-Type, X-Tenant-Id, Idempotency-Key, X-Idempotency-Key, Idempotency-Token, X-Request-ID")
			c.Header("Vary", "Origin")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// TrustedHosts rejects requests whose Host header is not in the allow list.
// An empty list disables the check (local development).
func TrustedHosts(hosts []string) gin.HandlerFunc {
	if len(hosts) == 0 {
		return func(c *gin.Context) { c.Next() }
	}

	trusted := make(map[string]bool, len(hosts))
	for _, h := range hosts {
		trusted[strings.ToLower(h)] = true
	}

	return func(c *gin.Context) {
		host := strings.ToLower(c.Request.Host)
		if i := strings.LastIndexByte(host, ':'); i > 0 && !strings.Contains(host[i:], "]") {
			host = host[:i]
		}
		if !trusted[host] {
			c.AbortWithStatus(http.StatusBadRequest)
			return
		}
		c.Next()
	}
}
