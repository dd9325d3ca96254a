package services_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"taskhub/apperr"
	"taskhub/services"
	"taskhub/testutil"
	"taskhub/utils"
)

const webhookSecret = "whsec_test_secret"

type env struct {
	db            *gorm.DB
	fx            *testutil.Fixtures
	gateway       *fakeGateway
	notifier      *recordingNotifier
	memberships   *services.MembershipService
	projects      *services.ProjectService
	subscriptions *services.SubscriptionService
	tasks         *services.TaskService
	users         *services.UserService
}

func newEnv(t *testing.T) *env {
	t.Helper()

	db := testutil.NewDB(t)
	gateway := newFakeGateway()
	notifier := &recordingNotifier{}
	tokens := utils.NewTokenService("test-secret-that-is-long-enough-123456", 15*time.Minute, 24*time.Hour)
	return &env{
		db:            db,
		fx:            testutil.NewFixtures(t, db),
		gateway:       gateway,
		notifier:      notifier,
		memberships:   services.NewMembershipService(db),
		projects:      services.NewProjectService(db),
		subscriptions: services.NewSubscriptionService(db, gateway, utils.NewWebhookVerifier(webhookSecret)),
		tasks:         services.NewTaskService(db, notifier),
		users:         services.NewUserService(db, utils.NewPasswordHasher(4), tokens),
	}
}

func requireKind(t *testing.T, err error, kind apperr.Kind) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, kind, apperr.KindOf(err), "unexpected error: %v", err)
}

type fakeGateway struct {
	mu          sync.Mutex
	customers   map[string]string
	createCalls int
	checkouts   []utils.CheckoutRequest
	products    []utils.Product
	err         error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{customers: map[string]string{}}
}

func (g *fakeGateway) CreateCustomer(_ context.Context, _, _ string, idempotencyKey string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return "", g.err
	}
	g.createCalls++
	if id, ok := g.customers[idempotencyKey]; ok {
		return id, nil
	}
	id := fmt.Sprintf("cus_%d", len(g.customers)+1)
	g.customers[idempotencyKey] = id
	return id, nil
}

func (g *fakeGateway) CreateCheckoutSession(_ context.Context, req utils.CheckoutRequest) (*utils.CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	g.checkouts = append(g.checkouts, req)
	return &utils.CheckoutSession{ID: "cs_test", URL: "https://checkout.stripe.test/cs_test"}, nil
}

func (g *fakeGateway) ListProducts(context.Context) ([]utils.Product, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	return g.products, nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []utils.TaskAssignment
	err  error
}

func (n *recordingNotifier) TaskAssigned(_ context.Context, a utils.TaskAssignment) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, a)
	return n.err
}

func (n *recordingNotifier) Sent() []utils.TaskAssignment {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]utils.TaskAssignment(nil), n.sent...)
}

var errInjected = errors.New("injected failure")
