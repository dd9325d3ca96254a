package controller

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"taskhub/apperr"
	"taskhub/models"
	"taskhub/services"
	"taskhub/utils"
)

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type AuthResponse struct {
	utils.TokenPair
	User *models.User `json:"user,omitempty"`
}

type AuthController struct {
	Users         *services.UserService
	SecureCookies bool
}

func NewAuthController(users *services.UserService, secureCookies bool) *AuthController {
	return &AuthController{
		Users:         users,
		SecureCookies: secureCookies,
	}
}

func (ac *AuthController) Register(c *fiber.Ctx) error {
	var req services.RegisterInput
	if err := c.BodyParser(&req); err != nil {
		return utils.HandleError(c, apperr.BadRequest("Invalid request body"))
	}

	user, err := ac.Users.Register(c.UserContext(), req)
	if err != nil {
		return utils.HandleError(c, err)
	}

	tokens, err := ac.Users.Tokens.IssueTokenPair(user.ID)
	if err != nil {
		return utils.HandleError(c, err)
	}
	ac.setTokenCookies(c, tokens)

	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(AuthResponse{
		TokenPair: tokens,
		User:      user,
	}))
}

func (ac *AuthController) Login(c *fiber.Ctx) error {
	var req LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.HandleError(c, apperr.BadRequest("Invalid request body"))
	}
	if err := utils.ValidateStruct(req); err != nil {
		return utils.HandleError(c, apperr.BadRequest(err.Error()))
	}

	user, tokens, err := ac.Users.Authenticate(c.UserContext(), req.Email, req.Password)
	if err != nil {
		return utils.HandleError(c, err)
	}
	ac.setTokenCookies(c, tokens)

	return c.JSON(utils.SuccessResponse(AuthResponse{
		TokenPair: tokens,
		User:      user,
	}))
}

func (ac *AuthController) RefreshToken(c *fiber.Ctx) error {
	var req RefreshTokenRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.HandleError(c, apperr.BadRequest("Invalid request body"))
	}
	if req.RefreshToken == "" {
		req.RefreshToken = c.Cookies("refresh_token")
	}
	if req.RefreshToken == "" {
		return utils.HandleError(c, apperr.BadRequest("refresh_token is required"))
	}

	tokens, err := ac.Users.Refresh(c.UserContext(), req.RefreshToken)
	if err != nil {
		return utils.HandleError(c, err)
	}
	ac.setTokenCookies(c, tokens)

	return c.JSON(utils.SuccessResponse(AuthResponse{TokenPair: tokens}))
}

// Logout clears the token cookies. Bearer tokens stay valid until expiry.
func (ac *AuthController) Logout(c *fiber.Ctx) error {
	c.ClearCookie("access_token", "refresh_token")
	return c.JSON(utils.SuccessResponse(fiber.Map{"message": "Logged out"}))
}

func (ac *AuthController) setTokenCookies(c *fiber.Ctx, tokens utils.TokenPair) {
	accessCookie := new(fiber.Cookie)
	accessCookie.Name = "access_token"
	accessCookie.Value = tokens.AccessToken
	accessCookie.Expires = time.Now().Add(ac.Users.Tokens.AccessTTL())
	accessCookie.HTTPOnly = true
	accessCookie.Secure = ac.SecureCookies
	accessCookie.SameSite = "Lax"
	c.Cookie(accessCookie)

	refreshCookie := new(fiber.Cookie)
	refreshCookie.Name = "refresh_token"
	refreshCookie.Value = tokens.RefreshToken
	refreshCookie.Expires = time.Now().Add(ac.Users.Tokens.RefreshTTL())
	refreshCookie.HTTPOnly = true
	refreshCookie.Secure = ac.SecureCookies
	refreshCookie.SameSite = "Lax"
	c.Cookie(refreshCookie)
}
