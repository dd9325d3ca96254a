package models

import (
	"time"

	"github.com/google/uuid"
)

// Role is the access level a user holds within one project.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleMember:
		return true
	}
	return false
}

// Project groups tasks. Ownership lives exclusively in ProjectMembership rows.
type Project struct {
	Base
	Title       string `gorm:"not null" json:"title"`
	Description string `json:"description"`

	// Relations
	Memberships []ProjectMembership `gorm:"foreignKey:ProjectID;constraint:OnDelete:CASCADE" json:"-"`
	Tasks       []Task              `gorm:"foreignKey:ProjectID;constraint:OnDelete:CASCADE" json:"tasks,omitempty"`
}

// ProjectMembership is the (project, user, role) join row. A user holds at
// most one role per project.
type ProjectMembership struct {
	ProjectID uuid.UUID `gorm:"type:uuid;primaryKey" json:"project_id"`
	UserID    uuid.UUID `gorm:"type:uuid;primaryKey;index" json:"user_id"`
	Role      Role      `gorm:"type:varchar(16);not null;default:'member'" json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// IsAdmin reports whether the membership grants admin rights.
func (m *ProjectMembership) IsAdmin() bool {
	return m.Role == RoleAdmin
}
