package controller

import (
	"github.com/gofiber/fiber/v2"

	"taskhub/apperr"
	"taskhub/middleware"
	"taskhub/models"
	"taskhub/services"
	"taskhub/utils"
)

type ProjectController struct {
	Projects    *services.ProjectService
	Memberships *services.MembershipService
}

func NewProjectController(projects *services.ProjectService, memberships *services.MembershipService) *ProjectController {
	return &ProjectController{
		Projects:    projects,
		Memberships: memberships,
	}
}

func (pc *ProjectController) CreateProject(c *fiber.Ctx) error {
	var req services.ProjectInput
	if err := c.BodyParser(&req); err != nil {
		return utils.HandleError(c, apperr.BadRequest("Invalid request body"))
	}

	project, err := pc.Projects.CreateProject(c.UserContext(), req, middleware.CurrentUserID(c))
	if err != nil {
		return utils.HandleError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(project))
}

// ListProjects returns the projects the caller belongs to
func (pc *ProjectController) ListProjects(c *fiber.Ctx) error {
	projects, err := pc.Projects.ListProjects(c.UserContext(), middleware.CurrentUserID(c))
	if err != nil {
		return utils.HandleError(c, err)
	}
	return c.JSON(utils.SuccessResponse(projects))
}

func (pc *ProjectController) GetProject(c *fiber.Ctx) error {
	projectID, err := utils.ParseUUIDParam(c, "id")
	if err != nil {
		return utils.HandleError(c, err)
	}

	project, err := pc.Projects.GetProject(c.UserContext(), projectID, middleware.CurrentUserID(c))
	if err != nil {
		return utils.HandleError(c, err)
	}
	return c.JSON(utils.SuccessResponse(project))
}

func (pc *ProjectController) UpdateProject(c *fiber.Ctx) error {
	projectID, err := utils.ParseUUIDParam(c, "id")
	if err != nil {
		return utils.HandleError(c, err)
	}

	var req services.ProjectInput
	if err := c.BodyParser(&req); err != nil {
		return utils.HandleError(c, apperr.BadRequest("Invalid request body"))
	}

	project, err := pc.Projects.UpdateProject(c.UserContext(), projectID, req, middleware.CurrentUserID(c))
	if err != nil {
		return utils.HandleError(c, err)
	}
	return c.JSON(utils.SuccessResponse(project))
}

func (pc *ProjectController) DeleteProject(c *fiber.Ctx) error {
	projectID, err := utils.ParseUUIDParam(c, "id")
	if err != nil {
		return utils.HandleError(c, err)
	}

	if err := pc.Projects.DeleteProject(c.UserContext(), projectID, middleware.CurrentUserID(c)); err != nil {
		return utils.HandleError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (pc *ProjectController) ListMembers(c *fiber.Ctx) error {
	projectID, err := utils.ParseUUIDParam(c, "id")
	if err != nil {
		return utils.HandleError(c, err)
	}

	members, err := pc.Memberships.ListMembers(c.UserContext(), projectID, middleware.CurrentUserID(c))
	if err != nil {
		return utils.HandleError(c, err)
	}
	return c.JSON(utils.SuccessResponse(members))
}

func (pc *ProjectController) AddMember(c *fiber.Ctx) error {
	projectID, err := utils.ParseUUIDParam(c, "id")
	if err != nil {
		return utils.HandleError(c, err)
	}
	userID, err := utils.ParseUUIDParam(c, "userID")
	if err != nil {
		return utils.HandleError(c, err)
	}

	membership, err := pc.Memberships.AddMember(c.UserContext(), projectID, userID, middleware.CurrentUserID(c))
	if err != nil {
		return utils.HandleError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(membership))
}

func (pc *ProjectController) RemoveMember(c *fiber.Ctx) error {
	projectID, err := utils.ParseUUIDParam(c, "id")
	if err != nil {
		return utils.HandleError(c, err)
	}
	userID, err := utils.ParseUUIDParam(c, "userID")
	if err != nil {
		return utils.HandleError(c, err)
	}

	if err := pc.Memberships.RemoveMember(c.UserContext(), projectID, userID, middleware.CurrentUserID(c)); err != nil {
		return utils.HandleError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (pc *ProjectController) SetMemberRole(c *fiber.Ctx) error {
	projectID, err := utils.ParseUUIDParam(c, "id")
	if err != nil {
		return utils.HandleError(c, err)
	}
	userID, err := utils.ParseUUIDParam(c, "userID")
	if err != nil {
		return utils.HandleError(c, err)
	}

	var req struct {
		Role models.Role `json:"role" validate:"required"`
	}
	if err := c.BodyParser(&req); err != nil {
		return utils.HandleError(c, apperr.BadRequest("Invalid request body"))
	}

	membership, err := pc.Memberships.SetMemberRole(c.UserContext(), projectID, userID, req.Role, middleware.CurrentUserID(c))
	if err != nil {
		return utils.HandleError(c, err)
	}
	return c.JSON(utils.SuccessResponse(membership))
}
