package services_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
	"golang.org/x/sync/errgroup"

	"taskhub/apperr"
	"taskhub/models"
	"taskhub/utils"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func gatewayEvent(id, typ string, at time.Time, object string) stripe.Event {
	return stripe.Event{
		ID:      id,
		Type:    stripe.EventType(typ),
		Created: at.Unix(),
		Data:    &stripe.EventData{Raw: json.RawMessage(object)},
	}
}

func checkoutCompleted(id string, at time.Time, userID uuid.UUID, subID string) stripe.Event {
	return gatewayEvent(id, "checkout.session.completed", at, fmt.Sprintf(
		`{"id":"cs_%s","object":"checkout.session","customer":"cus_%s","subscription":%q,"client_reference_id":%q,"metadata":{"user_id":%q}}`,
		id, id, subID, userID, userID))
}

func invoicePaid(id string, at time.Time, subID string) stripe.Event {
	return gatewayEvent(id, "invoice.payment_succeeded", at, fmt.Sprintf(
		`{"id":"in_%s","object":"invoice","subscription":%q,"period_start":%d}`, id, subID, at.Unix()))
}

func subscriptionDeleted(id string, at time.Time, subID string) stripe.Event {
	return gatewayEvent(id, "customer.subscription.deleted", at, fmt.Sprintf(
		`{"id":%q,"object":"subscription","status":"canceled"}`, subID))
}

func (e *env) subscription(t *testing.T, userID uuid.UUID) models.Subscription {
	t.Helper()
	var sub models.Subscription
	require.NoError(t, e.db.Where("user_id = ?", userID).Take(&sub).Error)
	return sub
}

func (e *env) entitled(t *testing.T, userID uuid.UUID) bool {
	t.Helper()
	ok, err := e.subscriptions.IsEntitled(context.Background(), userID)
	require.NoError(t, err)
	return ok
}

func TestHandleGatewayEventLifecycle(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	user := e.fx.CreateUser("Alice")
	assert.False(t, e.entitled(t, user.ID))

	require.NoError(t, e.subscriptions.HandleGatewayEvent(ctx, checkoutCompleted("evt_1", baseTime, user.ID, "sub_1")))
	assert.True(t, e.entitled(t, user.ID))

	sub := e.subscription(t, user.ID)
	require.NotNil(t, sub.StripeSubscriptionID)
	assert.Equal(t, "sub_1", *sub.StripeSubscriptionID)
	require.NotNil(t, sub.StripeCustomerID)
	assert.Equal(t, "cus_evt_1", *sub.StripeCustomerID)

	require.NoError(t, e.subscriptions.HandleGatewayEvent(ctx, invoicePaid("evt_2", baseTime.Add(time.Hour), "sub_1")))
	assert.True(t, e.entitled(t, user.ID))

	require.NoError(t, e.subscriptions.HandleGatewayEvent(ctx, subscriptionDeleted("evt_3", baseTime.Add(2*time.Hour), "sub_1")))
	assert.False(t, e.entitled(t, user.ID))
}

func TestHandleGatewayEventIsIdempotent(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	user := e.fx.CreateUser("Alice")
	activate := checkoutCompleted("evt_1", baseTime, user.ID, "sub_1")

	require.NoError(t, e.subscriptions.HandleGatewayEvent(ctx, activate))
	require.NoError(t, e.subscriptions.HandleGatewayEvent(ctx, subscriptionDeleted("evt_2", baseTime.Add(time.Minute), "sub_1")))

	// Redelivery of the activation must not resurrect the subscription
	require.NoError(t, e.subscriptions.HandleGatewayEvent(ctx, activate))
	assert.False(t, e.entitled(t, user.ID))

	var n int64
	require.NoError(t, e.db.Model(&models.ProcessedEvent{}).Count(&n).Error)
	assert.EqualValues(t, 2, n)
}

func TestHandleGatewayEventConcurrentRedelivery(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	user := e.fx.CreateUser("Alice")
	event := checkoutCompleted("evt_1", baseTime, user.ID, "sub_1")

	var g errgroup.Group
	for i := 0; i < 5; i++ {
		g.Go(func() error {
			return e.subscriptions.HandleGatewayEvent(ctx, event)
		})
	}
	require.NoError(t, g.Wait())

	var subs int64
	require.NoError(t, e.db.Model(&models.Subscription{}).Where("user_id = ?", user.ID).Count(&subs).Error)
	assert.EqualValues(t, 1, subs)
	assert.True(t, e.entitled(t, user.ID))
}

func TestHandleGatewayEventIgnoresStaleEvents(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	user := e.fx.CreateUser("Alice")
	require.NoError(t, e.subscriptions.HandleGatewayEvent(ctx, checkoutCompleted("evt_1", baseTime, user.ID, "sub_1")))
	require.NoError(t, e.subscriptions.HandleGatewayEvent(ctx, subscriptionDeleted("evt_3", baseTime.Add(2*time.Hour), "sub_1")))

	// An invoice created before the cancellation arrives late
	require.NoError(t, e.subscriptions.HandleGatewayEvent(ctx, invoicePaid("evt_2", baseTime.Add(time.Hour), "sub_1")))
	assert.False(t, e.entitled(t, user.ID))

	sub := e.subscription(t, user.ID)
	require.NotNil(t, sub.LastEventID)
	assert.Equal(t, "evt_3", *sub.LastEventID)
}

func TestHandleGatewayEventSameSecondDeletionWins(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cancelledAt := baseTime.Add(time.Hour)

	t.Run("payment after deletion", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		user := e.fx.CreateUser("Alice")
		require.NoError(t, e.subscriptions.HandleGatewayEvent(ctx, checkoutCompleted("evt_1", baseTime, user.ID, "sub_1")))
		require.NoError(t, e.subscriptions.HandleGatewayEvent(ctx, subscriptionDeleted("evt_2", cancelledAt, "sub_1")))
		require.NoError(t, e.subscriptions.HandleGatewayEvent(ctx, invoicePaid("evt_3", cancelledAt, "sub_1")))

		assert.False(t, e.entitled(t, user.ID))
		sub := e.subscription(t, user.ID)
		require.NotNil(t, sub.LastEventID)
		assert.Equal(t, "evt_2", *sub.LastEventID)
	})

	t.Run("deletion after payment", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		user := e.fx.CreateUser("Alice")
		require.NoError(t, e.subscriptions.HandleGatewayEvent(ctx, checkoutCompleted("evt_1", baseTime, user.ID, "sub_1")))
		require.NoError(t, e.subscriptions.HandleGatewayEvent(ctx, invoicePaid("evt_2", cancelledAt, "sub_1")))
		require.NoError(t, e.subscriptions.HandleGatewayEvent(ctx, subscriptionDeleted("evt_3", cancelledAt, "sub_1")))

		assert.False(t, e.entitled(t, user.ID))
	})

	t.Run("payments in the same second both apply", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		user := e.fx.CreateUser("Alice")
		require.NoError(t, e.subscriptions.HandleGatewayEvent(ctx, checkoutCompleted("evt_1", baseTime, user.ID, "sub_1")))
		require.NoError(t, e.subscriptions.HandleGatewayEvent(ctx, invoicePaid("evt_2", baseTime, "sub_1")))

		assert.True(t, e.entitled(t, user.ID))
		sub := e.subscription(t, user.ID)
		require.NotNil(t, sub.LastEventID)
		assert.Equal(t, "evt_2", *sub.LastEventID)
	})
}

func TestHandleGatewayEventNoops(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	require.NoError(t, e.subscriptions.HandleGatewayEvent(ctx, gatewayEvent("evt_1", "customer.updated", baseTime, `{"id":"cus_1"}`)))
	require.NoError(t, e.subscriptions.HandleGatewayEvent(ctx, checkoutCompleted("evt_2", baseTime, uuid.New(), "sub_1")))
	require.NoError(t, e.subscriptions.HandleGatewayEvent(ctx, invoicePaid("evt_3", baseTime, "sub_unknown")))
	require.NoError(t, e.subscriptions.HandleGatewayEvent(ctx, subscriptionDeleted("evt_4", baseTime, "sub_unknown")))

	var n int64
	require.NoError(t, e.db.Model(&models.Subscription{}).Count(&n).Error)
	assert.Zero(t, n)

	err := e.subscriptions.HandleGatewayEvent(ctx, gatewayEvent("evt_5", "invoice.payment_succeeded", baseTime, `not json`))
	requireKind(t, err, apperr.KindBadRequest)
}

func TestInvoicePaidFallsBackToCustomer(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	user := e.fx.CreateUser("Alice")
	customerID, err := e.subscriptions.EnsureGatewayCustomer(ctx, &user)
	require.NoError(t, err)
	assert.False(t, e.entitled(t, user.ID))

	event := gatewayEvent("evt_1", "invoice.payment_succeeded", baseTime, fmt.Sprintf(
		`{"id":"in_1","object":"invoice","customer":%q,"subscription":"sub_9"}`, customerID))
	require.NoError(t, e.subscriptions.HandleGatewayEvent(ctx, event))
	assert.True(t, e.entitled(t, user.ID))

	sub := e.subscription(t, user.ID)
	require.NotNil(t, sub.StripeSubscriptionID)
	assert.Equal(t, "sub_9", *sub.StripeSubscriptionID)
}

func TestHandleWebhook(t *testing.T) {
	t.Parallel()

	sign := func(payload []byte, secret string) string {
		return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
			Payload: payload,
			Secret:  secret,
		}).Header
	}

	t.Run("signed delivery is applied", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)

		user := e.fx.CreateUser("Alice")
		payload := []byte(fmt.Sprintf(`{
			"id": "evt_signed",
			"object": "event",
			"type": "checkout.session.completed",
			"created": %d,
			"data": {"object": {"id": "cs_1", "object": "checkout.session", "subscription": "sub_1", "metadata": {"user_id": %q}}}
		}`, time.Now().Unix(), user.ID))

		require.NoError(t, e.subscriptions.HandleWebhook(context.Background(), payload, sign(payload, webhookSecret)))
		assert.True(t, e.entitled(t, user.ID))
	})

	t.Run("bad signature is rejected", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)

		payload := []byte(`{"id":"evt_1","object":"event","type":"checkout.session.completed","data":{"object":{}}}`)
		err := e.subscriptions.HandleWebhook(context.Background(), payload, sign(payload, "whsec_other"))
		requireKind(t, err, apperr.KindUnauthorized)

		err = e.subscriptions.HandleWebhook(context.Background(), payload, "")
		requireKind(t, err, apperr.KindUnauthorized)
	})

	t.Run("sandbox marker is acknowledged without changes", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)

		require.NoError(t, e.subscriptions.HandleWebhook(context.Background(), []byte(`{"test": true}`), ""))

		var n int64
		require.NoError(t, e.db.Model(&models.ProcessedEvent{}).Count(&n).Error)
		assert.Zero(t, n)
	})
}

func TestEnsureGatewayCustomer(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	user := e.fx.CreateUser("Alice")
	first, err := e.subscriptions.EnsureGatewayCustomer(ctx, &user)
	require.NoError(t, err)
	second, err := e.subscriptions.EnsureGatewayCustomer(ctx, &user)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, e.gateway.createCalls)
	assert.Contains(t, e.gateway.customers, "customer-"+user.ID.String())

	sub := e.subscription(t, user.ID)
	assert.Equal(t, models.SubscriptionStatusInactive, sub.Status)
}

func TestCreateCheckoutSession(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	user := e.fx.CreateUser("Alice")

	_, err := e.subscriptions.CreateCheckoutSession(ctx, &user, "")
	requireKind(t, err, apperr.KindBadRequest)

	session, err := e.subscriptions.CreateCheckoutSession(ctx, &user, "price_123")
	require.NoError(t, err)
	assert.NotEmpty(t, session.URL)

	require.Len(t, e.gateway.checkouts, 1)
	req := e.gateway.checkouts[0]
	assert.Equal(t, "price_123", req.PriceID)
	assert.Equal(t, user.ID.String(), req.ClientReferenceID)
	assert.Equal(t, user.ID.String(), req.Metadata["user_id"])
	assert.NotEmpty(t, req.CustomerID)
}

func TestGatewayFailures(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	user := e.fx.CreateUser("Alice")
	e.gateway.err = errors.New("stripe unavailable")

	_, err := e.subscriptions.CreateCheckoutSession(ctx, &user, "price_123")
	requireKind(t, err, apperr.KindGateway)

	_, err = e.subscriptions.ListProducts(ctx)
	requireKind(t, err, apperr.KindGateway)
}

func TestListProducts(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	products, err := e.subscriptions.ListProducts(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, products)
	assert.Empty(t, products)

	e.gateway.products = []utils.Product{{ID: "prod_1", Name: "Pro", PriceID: "price_1", Price: utils.Pointer(9.99)}}
	products, err = e.subscriptions.ListProducts(context.Background())
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, "price_1", products[0].PriceID)
}

func TestStatus(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	user := e.fx.CreateUser("Alice")
	view, err := e.subscriptions.Status(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, view.IsSubscribed)
	assert.Equal(t, models.SubscriptionStatusInactive, view.Status)

	e.fx.Subscribe(user.ID)
	view, err = e.subscriptions.Status(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, view.IsSubscribed)
	assert.NotNil(t, view.CurrentPeriodStart)
}
