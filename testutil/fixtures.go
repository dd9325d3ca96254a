package testutil

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"taskhub/models"
	"taskhub/utils"
)

// TestPassword satisfies the password policy.
const TestPassword = "Password123"

// Fixtures provides helper methods for creating test data.
type Fixtures struct {
	db *gorm.DB
	t  *testing.T
}

func NewFixtures(t *testing.T, db *gorm.DB) *Fixtures {
	t.Helper()
	return &Fixtures{db: db, t: t}
}

// DB returns the underlying database for direct access in tests.
func (f *Fixtures) DB() *gorm.DB {
	return f.db
}

// CreateUser inserts a user whose password is TestPassword.
func (f *Fixtures) CreateUser(name string) models.User {
	f.t.Helper()

	hash, err := utils.NewPasswordHasher(4).Hash(TestPassword)
	if err != nil {
		f.t.Fatalf("hash password: %v", err)
	}
	user := models.User{
		Email:        strings.ToLower(name) + "-" + uuid.NewString()[:8] + "@example.com",
		PasswordHash: hash,
		FirstName:    name,
		LastName:     "Test",
	}
	if err := f.db.Create(&user).Error; err != nil {
		f.t.Fatalf("create user: %v", err)
	}
	return user
}

// Subscribe gives userID an active subscription.
func (f *Fixtures) Subscribe(userID uuid.UUID) models.Subscription {
	f.t.Helper()

	subID := "sub_" + uuid.NewString()[:12]
	now := time.Now().UTC()
	sub := models.Subscription{
		UserID:               userID,
		StripeSubscriptionID: &subID,
		Status:               models.SubscriptionStatusActive,
		CurrentPeriodStart:   &now,
	}
	if err := f.db.Create(&sub).Error; err != nil {
		f.t.Fatalf("create subscription: %v", err)
	}
	return sub
}

// CreateProject inserts a project with admin as its only admin.
func (f *Fixtures) CreateProject(title string, admin uuid.UUID) models.Project {
	f.t.Helper()

	project := models.Project{Title: title, Description: title + " description"}
	if err := f.db.Create(&project).Error; err != nil {
		f.t.Fatalf("create project: %v", err)
	}
	f.AddMember(project.ID, admin, models.RoleAdmin)
	return project
}

// AddMember inserts a membership row directly.
func (f *Fixtures) AddMember(projectID, userID uuid.UUID, role models.Role) {
	f.t.Helper()

	m := models.ProjectMembership{ProjectID: projectID, UserID: userID, Role: role}
	if err := f.db.Create(&m).Error; err != nil {
		f.t.Fatalf("add member: %v", err)
	}
}

// CreateTask inserts a pending task.
func (f *Fixtures) CreateTask(projectID uuid.UUID, title string, assignee *uuid.UUID) models.Task {
	f.t.Helper()

	task := models.Task{
		Title:      title,
		ProjectID:  projectID,
		Status:     models.TaskStatusPending,
		AssigneeID: assignee,
	}
	if err := f.db.Create(&task).Error; err != nil {
		f.t.Fatalf("create task: %v", err)
	}
	return task
}

// AdminCount returns the number of admins of projectID.
func (f *Fixtures) AdminCount(projectID uuid.UUID) int64 {
	f.t.Helper()

	var n int64
	if err := f.db.Model(&models.ProjectMembership{}).
		Where("project_id = ? AND role = ?", projectID, models.RoleAdmin).
		Count(&n).Error; err != nil {
		f.t.Fatalf("count admins: %v", err)
	}
	return n
}
