package middleware

import (
	"errors"
	"strings"

	"spsc-transferflow/internal/config"
	"spsc-transferflow/internal/core/domain"
	"spsc-transferflow/internal/pkg/jwt"
	"spsc-transferflow/internal/pkg/response"

	"github.com/gofiber/fiber/v2"
)

// AuthMiddleware creates authentication middleware
func AuthMiddleware(cfg *config.Config) fiber.Handler {
	return func(c *fiber.Ctx) error {
		// 1. Try to get token from cookie first
		accessToken := c.Cookies("access_token")

		// 2. If not in cookie, try Authorization header
		if accessToken == "" {
			authHeader := c.Get("Authorization")
			if strings.HasPrefix(authHeader, "Bearer ") {
				accessToken = strings.TrimPrefix(authHeader, "Bearer ")
			}
		}

		// 3. EventSource cannot set headers, so streams may pass ?token=
		if accessToken == "" && strings.HasSuffix(c.Path(), "/stream") {
			accessToken = c.Query("token")
		}

		if accessToken == "" {
			return response.Unauthorized(c, "Access token required")
		}

		claims, err := jwt.ValidateAccessToken(accessToken, cfg.JWT.Secret)
		if err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				return response.Unauthorized(c, "Access token expired")
			}
			return response.Unauthorized(c, "Invalid access token")
		}

		c.Locals("userID", claims.UserID)
		c.Locals("role", claims.Role)

		return c.Next()
	}
}

// RoleMiddleware creates role-based authorization middleware
func RoleMiddleware(allowedRoles ...domain.Role) fiber.Handler {
	return func(c *fiber.Ctx) error {
		role, ok := c.Locals("role").(string)
		if !ok {
			return response.Unauthorized(c, "Unauthorized")
		}

		for _, allowedRole := range allowedRoles {
			if domain.Role(role) == allowedRole {
				return c.Next()
			}
		}

		return response.Forbidden(c, "You don't have permission to access this resource")
	}
}

// AdminOnly middleware allows only ADMIN role
func AdminOnly() fiber.Handler {
	return RoleMiddleware(domain.RoleAdmin)
}

// CurrentUser returns the caller identity set by AuthMiddleware
func CurrentUser(c *fiber.Ctx) (domain.AuthenticatedUser, bool) {
	userID, ok := c.Locals("userID").(uint)
	if !ok || userID == 0 {
		return domain.AuthenticatedUser{}, false
	}
	role, _ := c.Locals("role").(string)
	return domain.AuthenticatedUser{ID: userID, Role: domain.Role(role)}, true
}
