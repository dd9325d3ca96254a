package utils

import (
	"context"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

// Product is a purchasable plan as shown to users.
type Product struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Price       *float64 `json:"price"`
	PriceID     string   `json:"price_id"`
}

// CheckoutRequest describes a subscription checkout for one customer.
type CheckoutRequest struct {
	CustomerID        string
	CustomerEmail     string
	PriceID           string
	ClientReferenceID string
	Metadata          map[string]string
}

// CheckoutSession is the part of a Stripe checkout session the client needs.
type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// PaymentGateway is the outbound surface of the payment processor.
type PaymentGateway interface {
	CreateCustomer(ctx context.Context, name, email, idempotencyKey string) (string, error)
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	ListProducts(ctx context.Context) ([]Product, error)
}

// EventVerifier authenticates inbound webhook payloads.
type EventVerifier interface {
	ConstructEvent(payload []byte, signature string) (stripe.Event, error)
}

// StripeConfig holds what the gateway needs; it is built once at startup.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
}

// StripeGateway talks to Stripe through an explicitly constructed client.
type StripeGateway struct {
	api        *client.API
	successURL string
	cancelURL  string
	*WebhookVerifier
}

func NewStripeGateway(cfg StripeConfig) *StripeGateway {
	return &StripeGateway{
		api:             client.New(cfg.SecretKey, nil),
		successURL:      cfg.SuccessURL,
		cancelURL:       cfg.CancelURL,
		WebhookVerifier: NewWebhookVerifier(cfg.WebhookSecret),
	}
}

// CreateCustomer registers a customer. Stripe replays the original response
// for a repeated idempotency key, so retries never create duplicates.
func (g *StripeGateway) CreateCustomer(ctx context.Context, name, email, idempotencyKey string) (string, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(email),
		Name:  stripe.String(name),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	c, err := g.api.Customers.New(params)
	if err != nil {
		return "", err
	}
	return c.ID, nil
}

func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(req.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		Mode:       stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL: stripe.String(g.successURL),
		CancelURL:  stripe.String(g.cancelURL),
	}
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	} else {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}
	if req.ClientReferenceID != "" {
		params.ClientReferenceID = stripe.String(req.ClientReferenceID)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx

	s, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, err
	}
	return &CheckoutSession{ID: s.ID, URL: s.URL}, nil
}

func (g *StripeGateway) ListProducts(ctx context.Context) ([]Product, error) {
	params := &stripe.ProductListParams{
		Active: stripe.Bool(true),
	}
	params.AddExpand("data.default_price")
	params.Context = ctx

	var products []Product
	iter := g.api.Products.List(params)
	for iter.Next() {
		p := iter.Product()
		product := Product{
			ID:          p.ID,
			Name:        p.Name,
			Description: p.Description,
		}
		if p.DefaultPrice != nil {
			product.PriceID = p.DefaultPrice.ID
			product.Price = Pointer(float64(p.DefaultPrice.UnitAmount) / 100)
		}
		products = append(products, product)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

// WebhookVerifier checks the Stripe-Signature header of webhook deliveries.
type WebhookVerifier struct {
	secret    string
	tolerance time.Duration
}

func NewWebhookVerifier(secret string) *WebhookVerifier {
	// Recommended tolerance for clock drift
	return &WebhookVerifier{secret: secret, tolerance: 5 * time.Minute}
}

func (v *WebhookVerifier) ConstructEvent(payload []byte, signature string) (stripe.Event, error) {
	return webhook.ConstructEventWithOptions(payload, signature, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
}
