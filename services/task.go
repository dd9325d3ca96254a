package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"taskhub/apperr"
	"taskhub/models"
	"taskhub/utils"
)

// TaskInput is the payload of a task creation. Status always starts pending.
type TaskInput struct {
	Title       string     `json:"title" validate:"required,max=200"`
	Description string     `json:"description" validate:"max=5000"`
	DueDate     *time.Time `json:"due_date"`
	AssigneeID  *uuid.UUID `json:"assignee_id"`
}

// OptionalUUID tells an absent JSON field apart from an explicit null.
type OptionalUUID struct {
	Set   bool
	Value *uuid.UUID
}

func (o *OptionalUUID) UnmarshalJSON(data []byte) error {
	o.Set = true
	if string(data) == "null" {
		o.Value = nil
		return nil
	}
	var id uuid.UUID
	if err := json.Unmarshal(data, &id); err != nil {
		return err
	}
	o.Value = &id
	return nil
}

// OptionalTime is OptionalUUID for timestamps; a null clears the column.
type OptionalTime struct {
	Set   bool
	Value *time.Time
}

func (o *OptionalTime) UnmarshalJSON(data []byte) error {
	o.Set = true
	if string(data) == "null" {
		o.Value = nil
		return nil
	}
	var t time.Time
	if err := json.Unmarshal(data, &t); err != nil {
		return err
	}
	o.Value = &t
	return nil
}

// TaskPatch is a partial update; nil or unset fields are left unchanged.
type TaskPatch struct {
	Title       *string      `json:"title" validate:"omitempty,max=200"`
	Description *string      `json:"description" validate:"omitempty,max=5000"`
	DueDate     OptionalTime `json:"due_date"`
	Status      *string      `json:"status"`
	AssigneeID  OptionalUUID `json:"assignee_id"`
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Status     *models.TaskStatus
	AssigneeID *uuid.UUID
}

// TaskService manages tasks inside projects. Every operation authorizes the
// actor against the project first.
type TaskService struct {
	DB       *gorm.DB
	Notifier utils.Notifier
	Logger   *logrus.Entry
}

func NewTaskService(db *gorm.DB, notifier utils.Notifier) *TaskService {
	if notifier == nil {
		notifier = utils.NoopNotifier{}
	}
	return &TaskService{
		DB:       db,
		Notifier: notifier,
		Logger:   utils.Component("task"),
	}
}

func (s *TaskService) CreateTask(ctx context.Context, projectID uuid.UUID, in TaskInput, actorID uuid.UUID) (*models.Task, error) {
	in.Title = strings.TrimSpace(in.Title)
	if err := utils.ValidateStruct(in); err != nil {
		return nil, apperr.BadRequest(err.Error())
	}

	lock := noLock
	if in.AssigneeID != nil {
		lock = shareLock
	}

	var (
		task    models.Task
		project *models.Project
	)
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		project, _, err = authorize(tx, projectID, actorID, false, lock)
		if err != nil {
			return err
		}
		if in.AssigneeID != nil {
			if err := requireAssignable(tx, projectID, *in.AssigneeID); err != nil {
				return err
			}
		}

		task = models.Task{
			Title:       in.Title,
			Description: in.Description,
			DueDate:     in.DueDate,
			Status:      models.TaskStatusPending,
			ProjectID:   projectID,
			AssigneeID:  in.AssigneeID,
		}
		if err := tx.Create(&task).Error; err != nil {
			return err
		}
		return tx.Preload("Assignee").Where("id = ?", task.ID).Take(&task).Error
	})
	if err != nil {
		return nil, err
	}

	s.Logger.WithFields(logrus.Fields{
		"project_id": projectID,
		"task_id":    task.ID,
		"by":         actorID,
	}).Info("Task created")
	s.notifyAssignee(ctx, &task, project, actorID)
	return &task, nil
}

func (s *TaskService) GetTask(ctx context.Context, projectID, taskID, actorID uuid.UUID) (*models.Task, error) {
	db := s.DB.WithContext(ctx)
	if _, _, err := authorize(db, projectID, actorID, false, noLock); err != nil {
		return nil, err
	}
	return findTask(db.Preload("Assignee"), projectID, taskID)
}

func (s *TaskService) ListTasks(ctx context.Context, projectID uuid.UUID, filter TaskFilter, actorID uuid.UUID) ([]models.Task, error) {
	if filter.Status != nil && !filter.Status.Valid() {
		return nil, apperr.BadRequest("Invalid status")
	}

	db := s.DB.WithContext(ctx)
	if _, _, err := authorize(db, projectID, actorID, false, noLock); err != nil {
		return nil, err
	}

	q := db.Preload("Assignee").Where("project_id = ?", projectID)
	if filter.Status != nil {
		q = q.Where("status = ?", *filter.Status)
	}
	if filter.AssigneeID != nil {
		q = q.Where("assignee_id = ?", *filter.AssigneeID)
	}

	tasks := []models.Task{}
	if err := q.Order("created_at ASC").Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

// UpdateTask applies patch. A present assignee_id, including null, is
// revalidated against the current membership.
func (s *TaskService) UpdateTask(ctx context.Context, projectID, taskID uuid.UUID, patch TaskPatch, actorID uuid.UUID) (*models.Task, error) {
	if err := utils.ValidateStruct(patch); err != nil {
		return nil, apperr.BadRequest(err.Error())
	}

	updates := map[string]interface{}{}
	if patch.Title != nil {
		title := strings.TrimSpace(*patch.Title)
		if title == "" {
			return nil, apperr.BadRequest("title cannot be empty")
		}
		updates["title"] = title
	}
	if patch.Description != nil {
		updates["description"] = *patch.Description
	}
	if patch.DueDate.Set {
		if patch.DueDate.Value != nil {
			updates["due_date"] = *patch.DueDate.Value
		} else {
			updates["due_date"] = nil
		}
	}
	if patch.Status != nil {
		status := models.TaskStatus(*patch.Status)
		if !status.Valid() {
			return nil, apperr.BadRequest("Invalid status")
		}
		updates["status"] = status
	}

	lock := noLock
	if patch.AssigneeID.Set {
		lock = shareLock
	}

	var (
		task         *models.Task
		project      *models.Project
		prevAssignee *uuid.UUID
	)
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		project, _, err = authorize(tx, projectID, actorID, false, lock)
		if err != nil {
			return err
		}
		task, err = findTask(tx, projectID, taskID)
		if err != nil {
			return err
		}
		prevAssignee = task.AssigneeID

		if patch.AssigneeID.Set {
			if patch.AssigneeID.Value != nil {
				if err := requireAssignable(tx, projectID, *patch.AssigneeID.Value); err != nil {
					return err
				}
				updates["assignee_id"] = *patch.AssigneeID.Value
			} else {
				updates["assignee_id"] = nil
			}
		}

		if len(updates) > 0 {
			if err := tx.Model(task).Updates(updates).Error; err != nil {
				return err
			}
		}
		task, err = findTask(tx.Preload("Assignee"), projectID, taskID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if task.AssigneeID != nil && (prevAssignee == nil || *prevAssignee != *task.AssigneeID) {
		s.notifyAssignee(ctx, task, project, actorID)
	}
	return task, nil
}

// DeleteTask is restricted to project admins.
func (s *TaskService) DeleteTask(ctx context.Context, projectID, taskID, actorID uuid.UUID) error {
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, _, err := authorize(tx, projectID, actorID, true, noLock); err != nil {
			return err
		}
		task, err := findTask(tx, projectID, taskID)
		if err != nil {
			return err
		}
		return tx.Delete(task).Error
	})
	if err != nil {
		return err
	}

	s.Logger.WithFields(logrus.Fields{
		"project_id": projectID,
		"task_id":    taskID,
		"by":         actorID,
	}).Info("Task deleted")
	return nil
}

func findTask(tx *gorm.DB, projectID, taskID uuid.UUID) (*models.Task, error) {
	var task models.Task
	err := tx.Where("id = ? AND project_id = ?", taskID, projectID).Take(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("Task not found")
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// requireAssignable fails unless userID is a member of projectID.
func requireAssignable(tx *gorm.DB, projectID, userID uuid.UUID) error {
	m, err := findMembership(tx, projectID, userID)
	if err != nil {
		return err
	}
	if m == nil {
		return apperr.BadRequest("Assignee must be a member of the project")
	}
	return nil
}

// notifyAssignee runs after commit. Delivery failures are logged only.
func (s *TaskService) notifyAssignee(ctx context.Context, task *models.Task, project *models.Project, actorID uuid.UUID) {
	if task.AssigneeID == nil || *task.AssigneeID == actorID {
		return
	}

	var users []models.User
	if err := s.DB.WithContext(ctx).Where("id IN ?", []uuid.UUID{*task.AssigneeID, actorID}).Find(&users).Error; err != nil {
		s.Logger.WithError(err).Warn("Failed to load users for assignment notification")
		return
	}

	a := utils.TaskAssignment{
		ProjectTitle: project.Title,
		TaskTitle:    task.Title,
		DueDate:      task.DueDate,
	}
	for i := range users {
		switch users[i].ID {
		case *task.AssigneeID:
			a.To = users[i].Email
			a.AssigneeName = users[i].FullName()
		case actorID:
			a.AssignedBy = users[i].FullName()
		}
	}
	if a.To == "" {
		return
	}

	if err := s.Notifier.TaskAssigned(ctx, a); err != nil {
		s.Logger.WithError(err).WithField("task_id", task.ID).Warn("Failed to send assignment notification")
	}
}
