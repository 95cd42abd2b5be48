package middleware

import (
	"net/http"
	"strings"

	agencyctx "backend/internal/agency"
	"backend/internal/auth"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AgencyContextMiddleware 将 JWT 中解析出的用户信息转换为 agency.Context，并注入标准 context.Context。
// 仅当上游已经通过 AuthMiddleware 验证身份后使用。
func AgencyContextMiddleware(logger *zap.Logger) gin.HandlerFunc {
	log := logger
	if log == nil {
		log = zap.NewNop()
	}

	return func(c *gin.Context) {
		userCtx, exists := auth.GetUserContext(c)
		if !exists {
			log.Warn("missing user context before agency middleware", zap.String("path", c.FullPath()))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "未认证"})
			return
		}

		agencyID := strings.TrimSpace(userCtx.AgencyID)
		if agencyID == "" {
			log.Warn("token missing agency id", zap.String("user", userCtx.UserID))
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "缺少机构信息"})
			return
		}

		ac := agencyctx.Context{
			AgencyID:      agencyID,
			UserID:        strings.TrimSpace(userCtx.UserID),
			Roles:         append([]string{}, userCtx.Roles...),
			IsSystemAdmin: hasSystemAdminRole(userCtx.Roles),
		}

		c.Set("agency_id", ac.AgencyID)
		c.Set("user_id", ac.UserID)

		ctx := agencyctx.WithContext(c.Request.Context(), ac)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

func hasSystemAdminRole(roles []string) bool {
	for _, r := range roles {
		clean := strings.ToLower(strings.TrimSpace(r))
		switch clean {
		case "super_admin", "system_admin":
			return true
		}
	}
	return false
}
