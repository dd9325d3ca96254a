package services

import (
	"context"
	"errors"
	"strings"

	"github.com/badoux/checkmail"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"taskhub/apperr"
	"taskhub/models"
	"taskhub/utils"
)

type RegisterInput struct {
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required,password"`
	FirstName string `json:"first_name" validate:"max=100"`
	LastName  string `json:"last_name" validate:"max=100"`
}

type UpdateProfileInput struct {
	Email     *string `json:"email" validate:"omitempty,email"`
	Password  *string `json:"password" validate:"omitempty,password"`
	FirstName *string `json:"first_name" validate:"omitempty,max=100"`
	LastName  *string `json:"last_name" validate:"omitempty,max=100"`
}

// UserService owns accounts and credentials.
type UserService struct {
	DB     *gorm.DB
	Hasher *utils.PasswordHasher
	Tokens *utils.TokenService
	Logger *logrus.Entry
}

func NewUserService(db *gorm.DB, hasher *utils.PasswordHasher, tokens *utils.TokenService) *UserService {
	return &UserService{
		DB:     db,
		Hasher: hasher,
		Tokens: tokens,
		Logger: utils.Component("user"),
	}
}

func (s *UserService) Register(ctx context.Context, in RegisterInput) (*models.User, error) {
	in.Email = normalizeEmail(in.Email)
	if err := utils.ValidateStruct(in); err != nil {
		return nil, apperr.BadRequest(err.Error())
	}
	if err := checkmail.ValidateFormat(in.Email); err != nil {
		return nil, apperr.BadRequest("Invalid email address")
	}

	db := s.DB.WithContext(ctx)
	taken, err := emailTaken(db, in.Email, uuid.Nil)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, apperr.Conflict("Email already exists")
	}

	hash, err := s.Hasher.Hash(in.Password)
	if err != nil {
		return nil, err
	}

	user := models.User{
		Email:        in.Email,
		PasswordHash: hash,
		FirstName:    strings.TrimSpace(in.FirstName),
		LastName:     strings.TrimSpace(in.LastName),
	}
	if err := db.Create(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, apperr.Conflict("Email already exists")
		}
		return nil, err
	}

	utils.LogEvent("user_registered", map[string]interface{}{"user_id": user.ID})
	return &user, nil
}

// Authenticate checks email and password and issues a token pair.
func (s *UserService) Authenticate(ctx context.Context, email, password string) (*models.User, utils.TokenPair, error) {
	var user models.User
	err := s.DB.WithContext(ctx).Where("email = ?", normalizeEmail(email)).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.TokenPair{}, apperr.Unauthorized("Invalid credentials")
	}
	if err != nil {
		return nil, utils.TokenPair{}, err
	}
	if !s.Hasher.Verify(password, user.PasswordHash) {
		s.Logger.WithField("user_id", user.ID).Warn("Failed login attempt")
		return nil, utils.TokenPair{}, apperr.Unauthorized("Invalid credentials")
	}

	tokens, err := s.Tokens.IssueTokenPair(user.ID)
	if err != nil {
		return nil, utils.TokenPair{}, err
	}
	return &user, tokens, nil
}

// Refresh exchanges a valid refresh token for a new pair.
func (s *UserService) Refresh(ctx context.Context, refreshToken string) (utils.TokenPair, error) {
	claims, err := s.Tokens.VerifyToken(refreshToken, utils.TokenTypeRefresh)
	if err != nil {
		return utils.TokenPair{}, err
	}
	if _, err := s.GetByID(ctx, claims.UserID); err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return utils.TokenPair{}, apperr.Unauthorized("User not found")
		}
		return utils.TokenPair{}, err
	}
	return s.Tokens.IssueTokenPair(claims.UserID)
}

func (s *UserService) GetByID(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	var user models.User
	err := s.DB.WithContext(ctx).Where("id = ?", userID).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("User not found")
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *UserService) UpdateProfile(ctx context.Context, userID uuid.UUID, in UpdateProfileInput) (*models.User, error) {
	if in.Email != nil {
		in.Email = utils.Pointer(normalizeEmail(*in.Email))
	}
	if err := utils.ValidateStruct(in); err != nil {
		return nil, apperr.BadRequest(err.Error())
	}

	var user *models.User
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user = &models.User{}
		if err := tx.Where("id = ?", userID).Take(user).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound("User not found")
			}
			return err
		}

		updates := map[string]interface{}{}
		if in.Email != nil && *in.Email != user.Email {
			taken, err := emailTaken(tx, *in.Email, userID)
			if err != nil {
				return err
			}
			if taken {
				return apperr.Conflict("Email already registered")
			}
			updates["email"] = *in.Email
		}
		if in.Password != nil {
			hash, err := s.Hasher.Hash(*in.Password)
			if err != nil {
				return err
			}
			updates["password_hash"] = hash
		}
		if in.FirstName != nil {
			updates["first_name"] = strings.TrimSpace(*in.FirstName)
		}
		if in.LastName != nil {
			updates["last_name"] = strings.TrimSpace(*in.LastName)
		}
		if len(updates) == 0 {
			return nil
		}
		if err := tx.Model(user).Updates(updates).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return apperr.Conflict("Email already registered")
			}
			return err
		}
		return tx.Where("id = ?", userID).Take(user).Error
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// List pages through all users ordered by creation time.
func (s *UserService) List(ctx context.Context, offset, limit int) ([]models.User, int64, error) {
	db := s.DB.WithContext(ctx).Model(&models.User{})

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	users := []models.User{}
	if err := db.Order("created_at ASC").Offset(offset).Limit(limit).Find(&users).Error; err != nil {
		return nil, 0, err
	}
	return users, total, nil
}

// SearchByEmail returns up to ten users whose email contains fragment.
func (s *UserService) SearchByEmail(ctx context.Context, fragment string) ([]models.User, error) {
	fragment = normalizeEmail(fragment)
	if fragment == "" {
		return nil, apperr.BadRequest("email query is required")
	}

	users := []models.User{}
	err := s.DB.WithContext(ctx).
		Where("LOWER(email) LIKE ?", "%"+fragment+"%").
		Order("email ASC").
		Limit(10).
		Find(&users).Error
	if err != nil {
		return nil, err
	}
	return users, nil
}

// Delete removes the account with its memberships, assignments and
// subscription. It is refused while the user is the only admin of a project.
func (s *UserService) Delete(ctx context.Context, userID uuid.UUID) error {
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user models.User
		if err := tx.Select("id").Where("id = ?", userID).Take(&user).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound("User not found")
			}
			return err
		}

		var projects []models.Project
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id IN (?)", tx.Model(&models.ProjectMembership{}).
				Select("project_id").
				Where("user_id = ? AND role = ?", userID, models.RoleAdmin)).
			Find(&projects).Error
		if err != nil {
			return err
		}
		for _, p := range projects {
			admins, err := countAdmins(tx, p.ID)
			if err != nil {
				return err
			}
			if admins <= 1 {
				return apperr.InvariantViolation("Cannot delete account while sole admin of a project")
			}
		}

		if err := tx.Model(&models.Task{}).Where("assignee_id = ?", userID).Update("assignee_id", nil).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ?", userID).Delete(&models.ProjectMembership{}).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ?", userID).Delete(&models.Subscription{}).Error; err != nil {
			return err
		}
		return tx.Delete(&user).Error
	})
	if err != nil {
		return err
	}

	utils.LogEvent("user_deleted", map[string]interface{}{"user_id": userID})
	return nil
}

// emailTaken reports whether email belongs to a user other than except.
func emailTaken(db *gorm.DB, email string, except uuid.UUID) (bool, error) {
	var n int64
	q := db.Model(&models.User{}).Where("email = ?", email)
	if except != uuid.Nil {
		q = q.Where("id <> ?", except)
	}
	err := q.Count(&n).Error
	return n > 0, err
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
