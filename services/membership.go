package services

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"taskhub/apperr"
	"taskhub/models"
	"taskhub/utils"
)

// lockMode selects the row lock taken on the project row.
type lockMode int

const (
	noLock lockMode = iota
	shareLock
	updateLock
)

// Member is a membership joined with the member's profile.
type Member struct {
	UserID    uuid.UUID   `json:"user_id"`
	Email     string      `json:"email"`
	FirstName string      `json:"first_name"`
	LastName  string      `json:"last_name"`
	Role      models.Role `json:"role"`
}

// MembershipService decides whether an actor may read, write or administer
// a project, and owns every mutation of membership rows.
type MembershipService struct {
	DB     *gorm.DB
	Logger *logrus.Entry
}

func NewMembershipService(db *gorm.DB) *MembershipService {
	return &MembershipService{
		DB:     db,
		Logger: utils.Component("membership"),
	}
}

// RequireMembership fails with NotFound when the project does not exist and
// with Forbidden when the actor holds no membership in it.
func (s *MembershipService) RequireMembership(ctx context.Context, projectID, actorID uuid.UUID) (*models.ProjectMembership, error) {
	_, m, err := authorize(s.DB.WithContext(ctx), projectID, actorID, false, noLock)
	return m, err
}

// RequireAdmin is RequireMembership plus role = admin.
func (s *MembershipService) RequireAdmin(ctx context.Context, projectID, actorID uuid.UUID) (*models.ProjectMembership, error) {
	_, m, err := authorize(s.DB.WithContext(ctx), projectID, actorID, true, noLock)
	return m, err
}

// ListMembers returns every member of the project with their role.
func (s *MembershipService) ListMembers(ctx context.Context, projectID, actorID uuid.UUID) ([]Member, error) {
	db := s.DB.WithContext(ctx)
	if _, _, err := authorize(db, projectID, actorID, false, noLock); err != nil {
		return nil, err
	}

	var members []Member
	err := db.Table("project_memberships AS pm").
		Select("pm.user_id, pm.role, users.email, users.first_name, users.last_name").
		Joins("JOIN users ON users.id = pm.user_id").
		Where("pm.project_id = ?", projectID).
		Order("pm.created_at ASC").
		Scan(&members).Error
	if err != nil {
		return nil, err
	}
	return members, nil
}

// AddMember lets an admin add an existing user to the project as a member.
func (s *MembershipService) AddMember(ctx context.Context, projectID, targetUserID, byActorID uuid.UUID) (*models.ProjectMembership, error) {
	var membership models.ProjectMembership
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, _, err := authorize(tx, projectID, byActorID, true, updateLock); err != nil {
			return err
		}

		var user models.User
		if err := tx.Select("id").Where("id = ?", targetUserID).Take(&user).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound("User not found")
			}
			return err
		}

		existing, err := findMembership(tx, projectID, targetUserID)
		if err != nil {
			return err
		}
		if existing != nil {
			return apperr.Conflict("User is already a member of this project")
		}

		membership = models.ProjectMembership{
			ProjectID: projectID,
			UserID:    targetUserID,
			Role:      models.RoleMember,
		}
		if err := tx.Create(&membership).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return apperr.Conflict("User is already a member of this project")
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.Logger.WithFields(logrus.Fields{
		"project_id": projectID,
		"user_id":    targetUserID,
		"by":         byActorID,
	}).Info("Member added")
	return &membership, nil
}

// RemoveMember deletes a membership. A project never loses its last admin;
// tasks assigned to the removed user are unassigned.
func (s *MembershipService) RemoveMember(ctx context.Context, projectID, targetUserID, byActorID uuid.UUID) error {
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, _, err := authorize(tx, projectID, byActorID, true, updateLock); err != nil {
			return err
		}

		target, err := findMembership(tx, projectID, targetUserID)
		if err != nil {
			return err
		}
		if target == nil {
			return apperr.NotFound("User is not a member of this project")
		}
		if target.IsAdmin() {
			if err := ensureAnotherAdmin(tx, projectID); err != nil {
				return err
			}
		}

		if err := tx.Where("project_id = ? AND user_id = ?", projectID, targetUserID).
			Delete(&models.ProjectMembership{}).Error; err != nil {
			return err
		}
		return tx.Model(&models.Task{}).
			Where("project_id = ? AND assignee_id = ?", projectID, targetUserID).
			Update("assignee_id", nil).Error
	})
	if err != nil {
		return err
	}

	s.Logger.WithFields(logrus.Fields{
		"project_id": projectID,
		"user_id":    targetUserID,
		"by":         byActorID,
	}).Info("Member removed")
	return nil
}

// SetMemberRole promotes or demotes a member. Demoting the last admin is
// rejected.
func (s *MembershipService) SetMemberRole(ctx context.Context, projectID, targetUserID uuid.UUID, role models.Role, byActorID uuid.UUID) (*models.ProjectMembership, error) {
	if !role.Valid() {
		return nil, apperr.BadRequest("Invalid role")
	}

	var target *models.ProjectMembership
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, _, err := authorize(tx, projectID, byActorID, true, updateLock); err != nil {
			return err
		}

		var err error
		target, err = findMembership(tx, projectID, targetUserID)
		if err != nil {
			return err
		}
		if target == nil {
			return apperr.NotFound("User is not a member of this project")
		}
		if target.Role == role {
			return nil
		}
		if target.IsAdmin() {
			if err := ensureAnotherAdmin(tx, projectID); err != nil {
				return err
			}
		}

		target.Role = role
		return tx.Model(&models.ProjectMembership{}).
			Where("project_id = ? AND user_id = ?", projectID, targetUserID).
			Update("role", role).Error
	})
	if err != nil {
		return nil, err
	}

	s.Logger.WithFields(logrus.Fields{
		"project_id": projectID,
		"user_id":    targetUserID,
		"role":       role,
		"by":         byActorID,
	}).Info("Member role changed")
	return target, nil
}

// authorize loads the project (taking the requested row lock) and the
// actor's membership. Existence is checked before permission so a missing
// project is NotFound, never Forbidden.
func authorize(tx *gorm.DB, projectID, actorID uuid.UUID, admin bool, lock lockMode) (*models.Project, *models.ProjectMembership, error) {
	project, err := loadProject(tx, projectID, lock)
	if err != nil {
		return nil, nil, err
	}

	m, err := findMembership(tx, projectID, actorID)
	if err != nil {
		return nil, nil, err
	}
	if m == nil {
		return nil, nil, apperr.Forbidden("Not authorized to access this project")
	}
	if admin && !m.IsAdmin() {
		return nil, nil, apperr.Forbidden("Only project admins can perform this action")
	}
	return project, m, nil
}

func loadProject(tx *gorm.DB, projectID uuid.UUID, lock lockMode) (*models.Project, error) {
	q := tx
	switch lock {
	case updateLock:
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	case shareLock:
		q = q.Clauses(clause.Locking{Strength: "SHARE"})
	}

	var project models.Project
	if err := q.Where("id = ?", projectID).Take(&project).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("Project not found")
		}
		return nil, err
	}
	return &project, nil
}

// findMembership returns nil, nil when there is no row.
func findMembership(tx *gorm.DB, projectID, userID uuid.UUID) (*models.ProjectMembership, error) {
	var m models.ProjectMembership
	err := tx.Where("project_id = ? AND user_id = ?", projectID, userID).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func countAdmins(tx *gorm.DB, projectID uuid.UUID) (int64, error) {
	var n int64
	err := tx.Model(&models.ProjectMembership{}).
		Where("project_id = ? AND role = ?", projectID, models.RoleAdmin).
		Count(&n).Error
	return n, err
}

// ensureAnotherAdmin must run after the project row is locked.
func ensureAnotherAdmin(tx *gorm.DB, projectID uuid.UUID) error {
	admins, err := countAdmins(tx, projectID)
	if err != nil {
		return err
	}
	if admins <= 1 {
		return apperr.InvariantViolation("Cannot remove the last admin of a project")
	}
	return nil
}
