package models

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus tracks the progress of a task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
)

// Valid reports whether s is one of the known statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusCompleted:
		return true
	}
	return false
}

// Task is a unit of work inside a project
type Task struct {
	Base
	Title       string     `gorm:"not null" json:"title"`
	Description string     `json:"description"`
	DueDate     *time.Time `json:"due_date"`
	Status      TaskStatus `gorm:"type:varchar(16);not null;default:'pending';index" json:"status"`

	ProjectID  uuid.UUID  `gorm:"type:uuid;not null;index" json:"project_id"`
	AssigneeID *uuid.UUID `gorm:"type:uuid;index" json:"assignee_id"`

	// Relations
	Assignee *User `gorm:"foreignKey:AssigneeID;constraint:OnDelete:SET NULL" json:"assignee,omitempty"`
}
