package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/tenant-chat/internal/auth"
	"github.com/suPer8Hu/tenant-chat/internal/common"
	"github.com/suPer8Hu/tenant-chat/internal/tenant"
)

const (
	UserIDKey   = "user_id"
	TenantIDKey = "tenant_id"
)

// AuthRequired verifies the bearer token (or ?token=) and attaches the caller
// identity to the request context. Tokens without a tenant are refused.
func AuthRequired(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := auth.Resolve(c.Request, secret)
		if err != nil {
			common.Abort(c, http.StatusUnauthorized, common.CodeUnauthorized, "unauthorized")
			return
		}
		if !id.Scoped() {
			common.Abort(c, http.StatusUnauthorized, common.CodeUnauthorized, "token has no tenant")
			return
		}

		c.Request = c.Request.WithContext(tenant.WithIdentity(c.Request.Context(), id))
		c.Set(UserIDKey, id.UserID)
		c.Set(TenantIDKey, id.TenantID)
		c.Next()
	}
}
