package middleware

import (
	"github.com/gofiber/fiber/v2"

	"voicecompanion/internal/services"
	"voicecompanion/pkg/auth"
)

// UserContextKey is the fiber.Ctx locals key the authenticated-user snapshot
// is stored under by RequireUser.
const UserContextKey = "user"

// RequireUser guards HTTP routes with bearer access-token authentication.
// The token is verified against the store (active user required) and the
// resulting snapshot is attached to the request context for handlers.
func RequireUser(authService *services.AuthService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, err := auth.ExtractToken(c.Get(fiber.HeaderAuthorization))
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Missing or invalid authorization header",
			})
		}

		user, err := authService.VerifyAccessUser(c.UserContext(), token)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid or expired access token",
			})
		}

		c.Locals(UserContextKey, user)
		return c.Next()
	}
}
