package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	controller "taskhub/controllers"
	"taskhub/middleware"
	"taskhub/services"
	"taskhub/utils"
)

// Dependencies is everything the route table needs, built once in main.
type Dependencies struct {
	DB            *gorm.DB
	Tokens        *utils.TokenService
	Users         *services.UserService
	Projects      *services.ProjectService
	Memberships   *services.MembershipService
	Tasks         *services.TaskService
	Subscriptions *services.SubscriptionService

	AuthRateLimit    int
	RateLimitStorage fiber.Storage
	SecureCookies    bool
	AccessLog        bool
}

func SetupRoutes(app *fiber.App, deps Dependencies) {
	if deps.AccessLog {
		app.Use(logger.New(logger.Config{
			Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
		}))
	}

	app.Get("/health", healthCheck(deps.DB))

	SetupAuthRoutes(app, deps)
	SetupWebhookRoutes(app, deps)
	SetupAPIRoutes(app, deps)

	logrus.WithField("component", "routes").Info("Routes initialized successfully")
}

func SetupAuthRoutes(app *fiber.App, deps Dependencies) {
	authController := controller.NewAuthController(deps.Users, deps.SecureCookies)

	// Public auth endpoints (no authentication required)
	auth := app.Group("/auth", middleware.AuthRateLimiter(deps.AuthRateLimit, deps.RateLimitStorage))
	auth.Post("/register", authController.Register)
	auth.Post("/login", authController.Login)
	auth.Post("/refresh", authController.RefreshToken)
	auth.Post("/logout", middleware.Protected(deps.Tokens, deps.Users), authController.Logout)
}

// SetupWebhookRoutes mounts Stripe deliveries outside the bearer-token group.
func SetupWebhookRoutes(app *fiber.App, deps Dependencies) {
	paymentController := controller.NewPaymentController(deps.Subscriptions)

	webhooks := app.Group("/webhooks")
	webhooks.Post("/stripe", paymentController.HandleWebhook)
}

func SetupAPIRoutes(app *fiber.App, deps Dependencies) {
	userController := controller.NewUserController(deps.Users)
	projectController := controller.NewProjectController(deps.Projects, deps.Memberships)
	taskController := controller.NewTaskController(deps.Tasks)
	paymentController := controller.NewPaymentController(deps.Subscriptions)

	api := app.Group("/api", middleware.Protected(deps.Tokens, deps.Users))

	// Profile and user directory
	api.Get("/profile", userController.GetProfile)
	api.Put("/profile", userController.UpdateProfile)
	api.Delete("/profile", userController.DeleteProfile)
	api.Get("/users", userController.ListUsers)
	api.Get("/users/search", userController.SearchUsers)

	// Projects
	projects := api.Group("/projects")
	projects.Post("/", projectController.CreateProject)
	projects.Get("/", projectController.ListProjects)
	projects.Get("/:id", projectController.GetProject)
	projects.Put("/:id", projectController.UpdateProject)
	projects.Delete("/:id", projectController.DeleteProject)

	// Membership
	projects.Get("/:id/members", projectController.ListMembers)
	projects.Post("/:id/members/:userID", projectController.AddMember)
	projects.Delete("/:id/members/:userID", projectController.RemoveMember)
	projects.Put("/:id/members/:userID/role", projectController.SetMemberRole)

	// Tasks
	projects.Post("/:id/tasks", taskController.CreateTask)
	projects.Get("/:id/tasks", taskController.ListTasks)
	projects.Get("/:id/tasks/:taskID", taskController.GetTask)
	projects.Put("/:id/tasks/:taskID", taskController.UpdateTask)
	projects.Delete("/:id/tasks/:taskID", taskController.DeleteTask)

	// Billing
	api.Get("/products", paymentController.GetProducts)
	api.Post("/create-checkout-session", paymentController.CreateCheckoutSession)
	api.Get("/subscription-status", paymentController.SubscriptionStatus)
}

func healthCheck(db *gorm.DB) fiber.Handler {
	return func(c *fiber.Ctx) error {
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(c.UserContext())
		}
		if err != nil {
			utils.LogError("health_check", err, nil)
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status":   "degraded",
				"database": "unreachable",
			})
		}
		return c.JSON(fiber.Map{
			"status":   "running",
			"database": "ok",
		})
	}
}
