package middleware

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"taskhub/apperr"
	"taskhub/models"
	"taskhub/utils"
)

// UserLoader resolves the account behind a verified token.
type UserLoader interface {
	GetByID(ctx context.Context, userID uuid.UUID) (*models.User, error)
}

// Protected requires a valid access token and stores the caller in
// c.Locals("user") and c.Locals("userID").
func Protected(tokens *utils.TokenService, users UserLoader) fiber.Handler {
	return func(c *fiber.Ctx) error {
		// Try to get token from Authorization header first
		var token string
		authHeader := c.Get("Authorization")
		if authHeader != "" {
			tokenParts := strings.Split(authHeader, " ")
			if len(tokenParts) != 2 || !strings.EqualFold(tokenParts[0], "Bearer") {
				return utils.HandleError(c, apperr.Unauthorized("Invalid authorization format"))
			}
			token = tokenParts[1]
		} else {
			// Fall back to cookie if header not present
			token = c.Cookies("access_token")
			if token == "" {
				return utils.HandleError(c, apperr.Unauthorized("Authorization required"))
			}
		}

		claims, err := tokens.VerifyToken(token, utils.TokenTypeAccess)
		if err != nil {
			return utils.HandleError(c, err)
		}

		user, err := users.GetByID(c.UserContext(), claims.UserID)
		if err != nil {
			if apperr.KindOf(err) == apperr.KindNotFound {
				return utils.HandleError(c, apperr.Unauthorized("User not found"))
			}
			return utils.HandleError(c, err)
		}

		c.Locals("user", user)
		c.Locals("userID", user.ID)
		return c.Next()
	}
}

// CurrentUser returns the caller stored by Protected.
func CurrentUser(c *fiber.Ctx) *models.User {
	user, _ := c.Locals("user").(*models.User)
	return user
}

// CurrentUserID returns uuid.Nil outside a protected route.
func CurrentUserID(c *fiber.Ctx) uuid.UUID {
	id, _ := c.Locals("userID").(uuid.UUID)
	return id
}
