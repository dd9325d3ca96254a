package models

import (
	"time"

	"github.com/google/uuid"
)

// SubscriptionStatus is the locally cached entitlement state.
type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusInactive SubscriptionStatus = "inactive"
)

// Subscription mirrors the Stripe subscription of a single user. It is only
// mutated by the subscription service.
type Subscription struct {
	Base
	UserID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex" json:"user_id"`

	// Stripe integration
	StripeCustomerID     *string `gorm:"uniqueIndex" json:"-"`
	StripeSubscriptionID *string `gorm:"uniqueIndex" json:"stripe_subscription_id,omitempty"`

	Status             SubscriptionStatus `gorm:"type:varchar(16);not null;default:'inactive'" json:"status"`
	CurrentPeriodStart *time.Time         `json:"current_period_start,omitempty"`

	// Ordering guard for webhook deliveries
	LastEventAt *time.Time `json:"-"`
	LastEventID *string    `json:"-"`
}

// IsActive reports whether the subscription currently grants entitlement.
func (s *Subscription) IsActive() bool {
	return s != nil && s.Status == SubscriptionStatusActive
}

// ProcessedEvent records every Stripe event id that has been handled so
// redeliveries are acknowledged without reapplying their effects.
type ProcessedEvent struct {
	ID         string    `gorm:"primaryKey;size:255" json:"id"`
	Type       string    `gorm:"not null" json:"type"`
	ReceivedAt time.Time `gorm:"not null" json:"received_at"`
}
