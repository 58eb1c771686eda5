package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/evalcore/orchestrator/pkg/ctxfacade"
)

const facadeContextKey = "facade"

// resolveFacade extracts (tenant_id, role) from the external authorizer's
// headers and builds a ctxfacade.Facade for the request, generalizing
// extractAuthor's oauth2-proxy header convention (X-Forwarded-User/-Email)
// to also carry tenant and role. Every route under /evaluation and /api
// requires a bearer credential per spec §6; its absence is a 401, not a
// taxonomy error, since no tenant context exists yet to classify against.
func resolveFacade() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{ErrorKind: "auth_failed", Message: "missing bearer credential"})
			return
		}

		tenantID := c.GetHeader("X-Tenant-ID")
		if tenantID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{ErrorKind: "auth_failed", Message: "missing tenant context"})
			return
		}

		role := ctxfacade.Role(c.GetHeader("X-User-Role"))
		if role == "" {
			role = ctxfacade.RoleViewer
		}

		userID := c.GetHeader("X-Forwarded-User")
		if userID == "" {
			userID = c.GetHeader("X-Forwarded-Email")
		}
		if userID == "" {
			userID = "api-client"
		}

		idempotencyKey := c.GetHeader("Idempotency-Key")

		c.Set(facadeContextKey, ctxfacade.New(tenantID, role, userID, idempotencyKey))
		c.Next()
	}
}

func facadeFrom(c *gin.Context) ctxfacade.Facade {
	return c.MustGet(facadeContextKey).(ctxfacade.Facade)
}
