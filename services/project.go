package services

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"taskhub/apperr"
	"taskhub/models"
	"taskhub/utils"
)

// ProjectInput carries the editable fields of a project.
type ProjectInput struct {
	Title       string `json:"title" validate:"required,max=200"`
	Description string `json:"description" validate:"max=5000"`
}

// ProjectSummary is a project as seen by one of its members.
type ProjectSummary struct {
	ID          uuid.UUID   `json:"id"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Role        models.Role `json:"role"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

type ProjectService struct {
	DB     *gorm.DB
	Logger *logrus.Entry
}

func NewProjectService(db *gorm.DB) *ProjectService {
	return &ProjectService{
		DB:     db,
		Logger: utils.Component("project"),
	}
}

// CreateProject requires an active subscription. The project and the
// creator's admin membership are committed together or not at all.
func (s *ProjectService) CreateProject(ctx context.Context, in ProjectInput, creatorID uuid.UUID) (*ProjectSummary, error) {
	in.Title = strings.TrimSpace(in.Title)
	if err := utils.ValidateStruct(in); err != nil {
		return nil, apperr.BadRequest(err.Error())
	}

	var project models.Project
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entitled, err := isEntitled(tx, creatorID)
		if err != nil {
			return err
		}
		if !entitled {
			return apperr.Forbidden("User is not subscribed")
		}

		project = models.Project{Title: in.Title, Description: in.Description}
		if err := tx.Create(&project).Error; err != nil {
			return err
		}
		return tx.Create(&models.ProjectMembership{
			ProjectID: project.ID,
			UserID:    creatorID,
			Role:      models.RoleAdmin,
		}).Error
	})
	if err != nil {
		return nil, err
	}

	s.Logger.WithFields(logrus.Fields{
		"project_id": project.ID,
		"user_id":    creatorID,
	}).Info("Project created")
	return summarize(&project, models.RoleAdmin), nil
}

func (s *ProjectService) GetProject(ctx context.Context, projectID, actorID uuid.UUID) (*ProjectSummary, error) {
	project, m, err := authorize(s.DB.WithContext(ctx), projectID, actorID, false, noLock)
	if err != nil {
		return nil, err
	}
	return summarize(project, m.Role), nil
}

// ListProjects returns the projects in which actorID holds any role.
func (s *ProjectService) ListProjects(ctx context.Context, actorID uuid.UUID) ([]ProjectSummary, error) {
	projects := []ProjectSummary{}
	err := s.DB.WithContext(ctx).Table("projects").
		Select("projects.id, projects.title, projects.description, projects.created_at, projects.updated_at, pm.role").
		Joins("JOIN project_memberships AS pm ON pm.project_id = projects.id AND pm.user_id = ?", actorID).
		Order("projects.created_at DESC").
		Scan(&projects).Error
	if err != nil {
		return nil, err
	}
	return projects, nil
}

// UpdateProject is restricted to admins.
func (s *ProjectService) UpdateProject(ctx context.Context, projectID uuid.UUID, in ProjectInput, actorID uuid.UUID) (*ProjectSummary, error) {
	in.Title = strings.TrimSpace(in.Title)
	if err := utils.ValidateStruct(in); err != nil {
		return nil, apperr.BadRequest(err.Error())
	}

	var project *models.Project
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		project, _, err = authorize(tx, projectID, actorID, true, updateLock)
		if err != nil {
			return err
		}
		project.Title = in.Title
		project.Description = in.Description
		return tx.Model(project).Updates(map[string]interface{}{
			"title":       in.Title,
			"description": in.Description,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return summarize(project, models.RoleAdmin), nil
}

// DeleteProject removes the project with its tasks and memberships.
func (s *ProjectService) DeleteProject(ctx context.Context, projectID, actorID uuid.UUID) error {
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, _, err := authorize(tx, projectID, actorID, true, updateLock); err != nil {
			return err
		}
		if err := tx.Where("project_id = ?", projectID).Delete(&models.Task{}).Error; err != nil {
			return err
		}
		if err := tx.Where("project_id = ?", projectID).Delete(&models.ProjectMembership{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", projectID).Delete(&models.Project{}).Error
	})
	if err != nil {
		return err
	}

	s.Logger.WithFields(logrus.Fields{
		"project_id": projectID,
		"by":         actorID,
	}).Info("Project deleted")
	return nil
}

func summarize(p *models.Project, role models.Role) *ProjectSummary {
	return &ProjectSummary{
		ID:          p.ID,
		Title:       p.Title,
		Description: p.Description,
		Role:        role,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}
