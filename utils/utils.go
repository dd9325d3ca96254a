package utils

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"taskhub/apperr"
)

// Pointer returns a pointer to the given value
func Pointer[T any](v T) *T {
	return &v
}

// HandleError renders err using the service error taxonomy. Unclassified
// errors are logged and reported as a generic internal error.
func HandleError(c *fiber.Ctx, err error) error {
	if e, ok := apperr.As(err); ok && e.Kind != apperr.KindInternal {
		if e.Kind == apperr.KindGateway {
			LogError("gateway_error", err, requestContext(c))
		}
		return c.Status(e.Kind.Status()).JSON(fiber.Map{
			"success": false,
			"error":   e.Message,
			"code":    e.Kind,
		})
	}

	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(fiber.Map{
			"success": false,
			"error":   fe.Message,
		})
	}

	LogError("internal_error", err, requestContext(c))
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"success": false,
		"error":   "Internal server error",
		"code":    apperr.KindInternal,
	})
}

func requestContext(c *fiber.Ctx) map[string]interface{} {
	return map[string]interface{}{
		"method": c.Method(),
		"path":   c.Path(),
		"ip":     c.IP(),
	}
}

// SuccessResponse creates a standardized success response
func SuccessResponse(data interface{}) fiber.Map {
	return fiber.Map{
		"success": true,
		"data":    data,
	}
}

// ParseUUIDParam reads a route parameter as a UUID.
func ParseUUIDParam(c *fiber.Ctx, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Params(name))
	if err != nil {
		return uuid.Nil, apperr.BadRequest("Invalid " + name)
	}
	return id, nil
}

// Pagination reads skip/limit query parameters with sane bounds.
func Pagination(c *fiber.Ctx) (offset, limit int) {
	offset, _ = strconv.Atoi(c.Query("skip", "0"))
	limit, _ = strconv.Atoi(c.Query("limit", "10"))
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}
	return offset, limit
}

// PaginatedResponse structure for paginated results
type PaginatedResponse struct {
	Data  interface{} `json:"data"`
	Total int64       `json:"total"`
	Skip  int         `json:"skip"`
	Limit int         `json:"limit"`
}
