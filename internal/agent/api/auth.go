package api

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/helmsman-ai/helmsman/internal/agent/models"
)

const userContextKey = "helmsman.user"

// UserContext extracts the identity injected by the front door proxy.
// Absent headers fall back to the development user; authentication itself
// happens upstream.
func UserContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := models.DefaultUser
		if id := strings.TrimSpace(c.GetHeader("X-User-Id")); id != "" {
			user = models.UserContext{
				UserID: id,
				Email:  strings.TrimSpace(c.GetHeader("X-User-Email")),
			}
			if groups := c.GetHeader("X-User-Groups"); groups != "" {
				for _, g := range strings.Split(groups, ",") {
					if g = strings.TrimSpace(g); g != "" {
						user.Groups = append(user.Groups, g)
					}
				}
			}
		}
		c.Set(userContextKey, user)
		c.Next()
	}
}

// currentUser returns the identity set by the UserContext middleware.
func currentUser(c *gin.Context) models.UserContext {
	if v, ok := c.Get(userContextKey); ok {
		if user, ok := v.(models.UserContext); ok {
			return user
		}
	}
	return models.DefaultUser
}
