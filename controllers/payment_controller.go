package controller

import (
	"github.com/gofiber/fiber/v2"

	"taskhub/apperr"
	"taskhub/middleware"
	"taskhub/services"
	"taskhub/utils"
)

type CheckoutRequest struct {
	PriceID string `json:"price_id" validate:"required"`
}

type PaymentController struct {
	Subscriptions *services.SubscriptionService
}

func NewPaymentController(subscriptions *services.SubscriptionService) *PaymentController {
	return &PaymentController{
		Subscriptions: subscriptions,
	}
}

// GetProducts lists the active Stripe products with their default price
func (pc *PaymentController) GetProducts(c *fiber.Ctx) error {
	products, err := pc.Subscriptions.ListProducts(c.UserContext())
	if err != nil {
		return utils.HandleError(c, err)
	}
	return c.JSON(utils.SuccessResponse(products))
}

func (pc *PaymentController) CreateCheckoutSession(c *fiber.Ctx) error {
	var req CheckoutRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.HandleError(c, apperr.BadRequest("Invalid request body"))
	}
	if err := utils.ValidateStruct(req); err != nil {
		return utils.HandleError(c, apperr.BadRequest(err.Error()))
	}

	session, err := pc.Subscriptions.CreateCheckoutSession(c.UserContext(), middleware.CurrentUser(c), req.PriceID)
	if err != nil {
		return utils.HandleError(c, err)
	}
	return c.JSON(utils.SuccessResponse(session))
}

func (pc *PaymentController) SubscriptionStatus(c *fiber.Ctx) error {
	status, err := pc.Subscriptions.Status(c.UserContext(), middleware.CurrentUserID(c))
	if err != nil {
		return utils.HandleError(c, err)
	}
	return c.JSON(utils.SuccessResponse(status))
}

// HandleWebhook receives Stripe deliveries. It is mounted outside the
// authenticated group; the signature is the only credential.
func (pc *PaymentController) HandleWebhook(c *fiber.Ctx) error {
	payload := c.Body()
	signature := c.Get("Stripe-Signature")

	if err := pc.Subscriptions.HandleWebhook(c.UserContext(), payload, signature); err != nil {
		return utils.HandleError(c, err)
	}
	return c.JSON(fiber.Map{"received": true})
}
