package controller

import (
	"github.com/gofiber/fiber/v2"

	"taskhub/apperr"
	"taskhub/middleware"
	"taskhub/services"
	"taskhub/utils"
)

type UserController struct {
	Users *services.UserService
}

func NewUserController(users *services.UserService) *UserController {
	return &UserController{
		Users: users,
	}
}

// GetProfile returns the authenticated user
func (uc *UserController) GetProfile(c *fiber.Ctx) error {
	return c.JSON(utils.SuccessResponse(middleware.CurrentUser(c)))
}

func (uc *UserController) UpdateProfile(c *fiber.Ctx) error {
	var req services.UpdateProfileInput
	if err := c.BodyParser(&req); err != nil {
		return utils.HandleError(c, apperr.BadRequest("Invalid request body"))
	}

	user, err := uc.Users.UpdateProfile(c.UserContext(), middleware.CurrentUserID(c), req)
	if err != nil {
		return utils.HandleError(c, err)
	}
	return c.JSON(utils.SuccessResponse(user))
}

func (uc *UserController) DeleteProfile(c *fiber.Ctx) error {
	if err := uc.Users.Delete(c.UserContext(), middleware.CurrentUserID(c)); err != nil {
		return utils.HandleError(c, err)
	}
	c.ClearCookie("access_token", "refresh_token")
	return c.SendStatus(fiber.StatusNoContent)
}

// ListUsers returns a page of users
func (uc *UserController) ListUsers(c *fiber.Ctx) error {
	offset, limit := utils.Pagination(c)

	users, total, err := uc.Users.List(c.UserContext(), offset, limit)
	if err != nil {
		return utils.HandleError(c, err)
	}
	return c.JSON(utils.SuccessResponse(utils.PaginatedResponse{
		Data:  users,
		Total: total,
		Skip:  offset,
		Limit: limit,
	}))
}

func (uc *UserController) SearchUsers(c *fiber.Ctx) error {
	users, err := uc.Users.SearchByEmail(c.UserContext(), c.Query("email"))
	if err != nil {
		return utils.HandleError(c, err)
	}
	return c.JSON(utils.SuccessResponse(users))
}
