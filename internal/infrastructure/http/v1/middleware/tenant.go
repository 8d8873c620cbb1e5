package middleware

import (
	"github.com/gin-gonic/gin"

	"validahub-core/internal/core/apperror"
	"validahub-core/internal/core/tenant"
)

// TenantHeader is the HTTP header carrying the tenant identifier.
const TenantHeader = "X-Tenant-Id"

// TenantContext resolves and validates the tenant identifier from the
// request header and stores it in the request context ahead of
// authentication, so Auth can cross-check it against the token's tenant
// claim. Unlike a database-per-tenant deployment there is no pool or
// registry lookup here: every tenant shares one pool and is isolated by the
// tenant_id column on every table.
func TenantContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader(TenantHeader)
		if raw == "" {
			_ = c.Error(
				apperror.NewValidation("tenant is required").
					WithDetail("header", TenantHeader),
			)
			c.Abort()
			return
		}

		// The rejected value is never echoed; it is attacker-controlled.
		tenantID, err := tenant.Parse(raw)
		if err != nil {
			_ = c.Error(
				apperror.NewValidation("invalid tenant id").
					WithDetail("header", TenantHeader),
			)
			c.Abort()
			return
		}

		ctx := tenant.WithTenantID(c.Request.Context(), tenantID)
		c.Request = c.Request.WithContext(ctx)
		c.Set("tenant_id", tenantID.String())

		c.Next()
	}
}
