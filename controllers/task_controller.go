package controller

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"taskhub/apperr"
	"taskhub/middleware"
	"taskhub/models"
	"taskhub/services"
	"taskhub/utils"
)

type TaskController struct {
	Tasks *services.TaskService
}

func NewTaskController(tasks *services.TaskService) *TaskController {
	return &TaskController{
		Tasks: tasks,
	}
}

func (tc *TaskController) CreateTask(c *fiber.Ctx) error {
	projectID, err := utils.ParseUUIDParam(c, "id")
	if err != nil {
		return utils.HandleError(c, err)
	}

	var req services.TaskInput
	if err := c.BodyParser(&req); err != nil {
		return utils.HandleError(c, apperr.BadRequest("Invalid request body"))
	}

	task, err := tc.Tasks.CreateTask(c.UserContext(), projectID, req, middleware.CurrentUserID(c))
	if err != nil {
		return utils.HandleError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(task))
}

// ListTasks supports ?status= and ?assignee_id= filters
func (tc *TaskController) ListTasks(c *fiber.Ctx) error {
	projectID, err := utils.ParseUUIDParam(c, "id")
	if err != nil {
		return utils.HandleError(c, err)
	}

	var filter services.TaskFilter
	if status := c.Query("status"); status != "" {
		filter.Status = utils.Pointer(models.TaskStatus(status))
	}
	if assignee := c.Query("assignee_id"); assignee != "" {
		id, err := uuid.Parse(assignee)
		if err != nil {
			return utils.HandleError(c, apperr.BadRequest("Invalid assignee_id"))
		}
		filter.AssigneeID = &id
	}

	tasks, err := tc.Tasks.ListTasks(c.UserContext(), projectID, filter, middleware.CurrentUserID(c))
	if err != nil {
		return utils.HandleError(c, err)
	}
	return c.JSON(utils.SuccessResponse(tasks))
}

func (tc *TaskController) GetTask(c *fiber.Ctx) error {
	projectID, taskID, err := taskParams(c)
	if err != nil {
		return utils.HandleError(c, err)
	}

	task, err := tc.Tasks.GetTask(c.UserContext(), projectID, taskID, middleware.CurrentUserID(c))
	if err != nil {
		return utils.HandleError(c, err)
	}
	return c.JSON(utils.SuccessResponse(task))
}

func (tc *TaskController) UpdateTask(c *fiber.Ctx) error {
	projectID, taskID, err := taskParams(c)
	if err != nil {
		return utils.HandleError(c, err)
	}

	var patch services.TaskPatch
	if err := c.BodyParser(&patch); err != nil {
		return utils.HandleError(c, apperr.BadRequest("Invalid request body"))
	}

	task, err := tc.Tasks.UpdateTask(c.UserContext(), projectID, taskID, patch, middleware.CurrentUserID(c))
	if err != nil {
		return utils.HandleError(c, err)
	}
	return c.JSON(utils.SuccessResponse(task))
}

func (tc *TaskController) DeleteTask(c *fiber.Ctx) error {
	projectID, taskID, err := taskParams(c)
	if err != nil {
		return utils.HandleError(c, err)
	}

	if err := tc.Tasks.DeleteTask(c.UserContext(), projectID, taskID, middleware.CurrentUserID(c)); err != nil {
		return utils.HandleError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func taskParams(c *fiber.Ctx) (uuid.UUID, uuid.UUID, error) {
	projectID, err := utils.ParseUUIDParam(c, "id")
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	taskID, err := utils.ParseUUIDParam(c, "taskID")
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	return projectID, taskID, nil
}
