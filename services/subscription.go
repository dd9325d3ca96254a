package services

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v76"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"taskhub/apperr"
	"taskhub/models"
	"taskhub/utils"
)

// Stripe event types that drive the subscription state machine.
const (
	eventCheckoutCompleted   = "checkout.session.completed"
	eventInvoicePaid         = "invoice.payment_succeeded"
	eventSubscriptionDeleted = "customer.subscription.deleted"
)

// SubscriptionStatusView is the entitlement state reported to the user.
type SubscriptionStatusView struct {
	IsSubscribed       bool                      `json:"is_subscribed"`
	Status             models.SubscriptionStatus `json:"status"`
	CurrentPeriodStart *time.Time                `json:"current_period_start,omitempty"`
}

// SubscriptionService reconciles the local entitlement cache from Stripe
// webhook events. HandleGatewayEvent is the only path that changes status.
type SubscriptionService struct {
	DB       *gorm.DB
	Gateway  utils.PaymentGateway
	Verifier utils.EventVerifier
	Logger   *logrus.Entry
}

func NewSubscriptionService(db *gorm.DB, gateway utils.PaymentGateway, verifier utils.EventVerifier) *SubscriptionService {
	return &SubscriptionService{
		DB:       db,
		Gateway:  gateway,
		Verifier: verifier,
		Logger:   utils.Component("subscription"),
	}
}

// IsEntitled reports whether userID holds an active subscription.
func (s *SubscriptionService) IsEntitled(ctx context.Context, userID uuid.UUID) (bool, error) {
	return isEntitled(s.DB.WithContext(ctx), userID)
}

func (s *SubscriptionService) Status(ctx context.Context, userID uuid.UUID) (*SubscriptionStatusView, error) {
	var sub models.Subscription
	err := s.DB.WithContext(ctx).Where("user_id = ?", userID).Take(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &SubscriptionStatusView{Status: models.SubscriptionStatusInactive}, nil
	}
	if err != nil {
		return nil, err
	}
	return &SubscriptionStatusView{
		IsSubscribed:       sub.IsActive(),
		Status:             sub.Status,
		CurrentPeriodStart: sub.CurrentPeriodStart,
	}, nil
}

// EnsureGatewayCustomer returns the user's Stripe customer id, registering
// one on first use. The idempotency key is derived from the user id so a
// retried call never creates a second customer.
func (s *SubscriptionService) EnsureGatewayCustomer(ctx context.Context, user *models.User) (string, error) {
	var sub models.Subscription
	err := s.DB.WithContext(ctx).Where("user_id = ?", user.ID).Take(&sub).Error
	switch {
	case err == nil && sub.StripeCustomerID != nil:
		return *sub.StripeCustomerID, nil
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		return "", err
	}

	customerID, err := s.Gateway.CreateCustomer(ctx, user.FullName(), user.Email, "customer-"+user.ID.String())
	if err != nil {
		return "", apperr.Gateway("Failed to register customer with payment gateway", err)
	}

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := lockSubscription(tx, "user_id = ?", user.ID)
		if err != nil {
			return err
		}
		if existing == nil {
			return tx.Create(&models.Subscription{
				UserID:           user.ID,
				StripeCustomerID: &customerID,
				Status:           models.SubscriptionStatusInactive,
			}).Error
		}
		if existing.StripeCustomerID != nil {
			customerID = *existing.StripeCustomerID
			return nil
		}
		return tx.Model(existing).Update("stripe_customer_id", customerID).Error
	})
	if err != nil {
		return "", err
	}

	s.Logger.WithFields(logrus.Fields{
		"user_id":     user.ID,
		"customer_id": customerID,
	}).Info("Stripe customer linked")
	return customerID, nil
}

// CreateCheckoutSession opens a subscription checkout for priceID. The
// session carries the user id so the completion webhook can be matched.
func (s *SubscriptionService) CreateCheckoutSession(ctx context.Context, user *models.User, priceID string) (*utils.CheckoutSession, error) {
	if priceID == "" {
		return nil, apperr.BadRequest("price_id is required")
	}

	customerID, err := s.EnsureGatewayCustomer(ctx, user)
	if err != nil {
		return nil, err
	}

	session, err := s.Gateway.CreateCheckoutSession(ctx, utils.CheckoutRequest{
		CustomerID:        customerID,
		CustomerEmail:     user.Email,
		PriceID:           priceID,
		ClientReferenceID: user.ID.String(),
		Metadata:          map[string]string{"user_id": user.ID.String()},
	})
	if err != nil {
		return nil, apperr.Gateway("Failed to create checkout session", err)
	}
	return session, nil
}

func (s *SubscriptionService) ListProducts(ctx context.Context) ([]utils.Product, error) {
	products, err := s.Gateway.ListProducts(ctx)
	if err != nil {
		return nil, apperr.Gateway("Failed to retrieve products", err)
	}
	if products == nil {
		products = []utils.Product{}
	}
	return products, nil
}

// HandleWebhook authenticates a raw webhook delivery and applies it. An
// unsigned or badly signed body is only accepted when it is the sandbox
// marker, and then nothing is changed.
func (s *SubscriptionService) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	if signature == "" {
		if isSandboxMarker(payload) {
			s.Logger.Info("Acknowledged sandbox webhook payload")
			return nil
		}
		return apperr.Unauthorized("No Stripe signature found")
	}

	event, err := s.Verifier.ConstructEvent(payload, signature)
	if err != nil {
		if isSandboxMarker(payload) {
			s.Logger.Info("Acknowledged sandbox webhook payload")
			return nil
		}
		s.Logger.WithError(err).Warn("Webhook signature verification failed")
		return &apperr.Error{Kind: apperr.KindUnauthorized, Message: "Invalid webhook signature", Err: err}
	}

	return s.HandleGatewayEvent(ctx, event)
}

// HandleGatewayEvent applies a verified event exactly once. Events older
// than the last one applied to the same subscription are recorded but
// otherwise ignored.
func (s *SubscriptionService) HandleGatewayEvent(ctx context.Context, event stripe.Event) error {
	log := s.Logger.WithFields(logrus.Fields{
		"event_id":   event.ID,
		"event_type": event.Type,
	})

	switch event.Type {
	case eventCheckoutCompleted, eventInvoicePaid, eventSubscriptionDeleted:
	default:
		log.Debug("Ignoring unhandled event type")
		return nil
	}
	if event.ID == "" {
		return apperr.BadRequest("Event id is required")
	}
	if event.Data == nil {
		return apperr.BadRequest("Event data is required")
	}

	occurredAt := time.Unix(event.Created, 0).UTC()
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fresh, err := recordEvent(tx, event)
		if err != nil {
			return err
		}
		if !fresh {
			log.Info("Duplicate event acknowledged")
			return nil
		}

		switch event.Type {
		case eventCheckoutCompleted:
			var session stripe.CheckoutSession
			if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
				return apperr.BadRequest("Error parsing checkout session")
			}
			return applyCheckoutCompleted(tx, log, event.ID, occurredAt, &session)

		case eventInvoicePaid:
			var invoice stripe.Invoice
			if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
				return apperr.BadRequest("Error parsing invoice")
			}
			return applyInvoicePaid(tx, log, event.ID, occurredAt, &invoice)

		default:
			var subscription stripe.Subscription
			if err := json.Unmarshal(event.Data.Raw, &subscription); err != nil {
				return apperr.BadRequest("Error parsing subscription")
			}
			return applySubscriptionDeleted(tx, log, event.ID, occurredAt, &subscription)
		}
	})
}

func applyCheckoutCompleted(tx *gorm.DB, log *logrus.Entry, eventID string, at time.Time, session *stripe.CheckoutSession) error {
	ref := session.Metadata["user_id"]
	if ref == "" {
		ref = session.ClientReferenceID
	}
	userID, err := uuid.Parse(ref)
	if err != nil {
		log.Warn("Checkout session does not reference a user")
		return nil
	}

	var user models.User
	if err := tx.Select("id").Where("id = ?", userID).Take(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.WithField("user_id", userID).Warn("Checkout session references an unknown user")
			return nil
		}
		return err
	}

	sub, err := lockSubscription(tx, "user_id = ?", userID)
	if err != nil {
		return err
	}
	if sub == nil {
		sub = &models.Subscription{UserID: userID, Status: models.SubscriptionStatusInactive}
	}
	if isStale(sub, at, true) {
		log.Info("Stale event ignored")
		return nil
	}

	if session.Subscription != nil && session.Subscription.ID != "" {
		sub.StripeSubscriptionID = utils.Pointer(session.Subscription.ID)
	}
	if session.Customer != nil && session.Customer.ID != "" && sub.StripeCustomerID == nil {
		sub.StripeCustomerID = utils.Pointer(session.Customer.ID)
	}
	sub.Status = models.SubscriptionStatusActive
	sub.CurrentPeriodStart = &at
	markApplied(sub, eventID, at)

	if err := tx.Save(sub).Error; err != nil {
		return err
	}
	log.WithField("user_id", userID).Info("Subscription activated")
	return nil
}

func applyInvoicePaid(tx *gorm.DB, log *logrus.Entry, eventID string, at time.Time, invoice *stripe.Invoice) error {
	var (
		sub *models.Subscription
		err error
	)
	if invoice.Subscription != nil && invoice.Subscription.ID != "" {
		sub, err = lockSubscription(tx, "stripe_subscription_id = ?", invoice.Subscription.ID)
		if err != nil {
			return err
		}
	}
	if sub == nil && invoice.Customer != nil && invoice.Customer.ID != "" {
		sub, err = lockSubscription(tx, "stripe_customer_id = ?", invoice.Customer.ID)
		if err != nil {
			return err
		}
	}
	if sub == nil {
		log.Warn("Invoice references an unknown subscription")
		return nil
	}
	if isStale(sub, at, true) {
		log.Info("Stale event ignored")
		return nil
	}

	if invoice.Subscription != nil && invoice.Subscription.ID != "" {
		sub.StripeSubscriptionID = utils.Pointer(invoice.Subscription.ID)
	}
	periodStart := at
	if invoice.PeriodStart > 0 {
		periodStart = time.Unix(invoice.PeriodStart, 0).UTC()
	}
	sub.Status = models.SubscriptionStatusActive
	sub.CurrentPeriodStart = &periodStart
	markApplied(sub, eventID, at)

	if err := tx.Save(sub).Error; err != nil {
		return err
	}
	log.WithField("user_id", sub.UserID).Info("Subscription renewed")
	return nil
}

func applySubscriptionDeleted(tx *gorm.DB, log *logrus.Entry, eventID string, at time.Time, subscription *stripe.Subscription) error {
	if subscription.ID == "" {
		log.Warn("Deleted subscription event without an id")
		return nil
	}
	sub, err := lockSubscription(tx, "stripe_subscription_id = ?", subscription.ID)
	if err != nil {
		return err
	}
	if sub == nil {
		log.WithField("subscription_id", subscription.ID).Warn("Deleted event references an unknown subscription")
		return nil
	}
	if isStale(sub, at, false) {
		log.Info("Stale event ignored")
		return nil
	}

	sub.Status = models.SubscriptionStatusInactive
	markApplied(sub, eventID, at)

	if err := tx.Save(sub).Error; err != nil {
		return err
	}
	log.WithField("user_id", sub.UserID).Info("Subscription cancelled")
	return nil
}

// recordEvent inserts the event id into the ledger and reports whether it
// was seen for the first time. Concurrent deliveries of one id serialize on
// the primary key.
func recordEvent(tx *gorm.DB, event stripe.Event) (bool, error) {
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.ProcessedEvent{
		ID:         event.ID,
		Type:       string(event.Type),
		ReceivedAt: time.Now().UTC(),
	})
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// lockSubscription returns nil, nil when no row matches.
func lockSubscription(tx *gorm.DB, query string, arg interface{}) (*models.Subscription, error) {
	var sub models.Subscription
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where(query, arg).Take(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// isStale reports whether an event created at at must be ignored. Stripe
// timestamps have second precision, so at equal timestamps a deletion wins
// over an activation.
func isStale(sub *models.Subscription, at time.Time, activates bool) bool {
	if sub.LastEventAt == nil {
		return false
	}
	if at.Before(*sub.LastEventAt) {
		return true
	}
	return activates && at.Equal(*sub.LastEventAt) && sub.Status == models.SubscriptionStatusInactive
}

func markApplied(sub *models.Subscription, eventID string, at time.Time) {
	sub.LastEventAt = &at
	sub.LastEventID = &eventID
}

func isEntitled(tx *gorm.DB, userID uuid.UUID) (bool, error) {
	var n int64
	err := tx.Model(&models.Subscription{}).
		Where("user_id = ? AND status = ?", userID, models.SubscriptionStatusActive).
		Count(&n).Error
	return n > 0, err
}

// isSandboxMarker recognizes the unsigned {"test": true} probe sent by
// dashboard test tooling.
func isSandboxMarker(payload []byte) bool {
	var probe struct {
		Test bool `json:"test"`
	}
	return json.Unmarshal(payload, &probe) == nil && probe.Test
}
