package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"integration-hub/internal/engine"
	"integration-hub/internal/metadata"
)

// RequireOperator accepts requests carrying a valid hub access token and
// stores the token's operator under metadata.OperatorLocal.
func RequireOperator(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, err := bearerToken(c.Get(fiber.HeaderAuthorization))
		if err != nil {
			return err
		}
		claims, err := ParseAccessToken(token, secret)
		if err != nil {
			return engine.UnauthorizedError("Invalid or expired token")
		}

		c.Locals(metadata.OperatorLocal, &metadata.Operator{
			ID:    claims.Subject,
			Email: claims.Email,
			Roles: claims.Roles,
		})
		return c.Next()
	}
}

// RequireManager lets through operators allowed to change hub state. It
// must run after RequireOperator.
func RequireManager() fiber.Handler {
	return func(c *fiber.Ctx) error {
		op := OperatorFrom(c)
		if op == nil {
			return engine.UnauthorizedError("Missing auth token")
		}
		if !op.CanManage() {
			return engine.ForbiddenError("Operator is not allowed to change integrations or webhooks")
		}
		return c.Next()
	}
}

// OperatorFrom returns the authenticated operator, or nil.
func OperatorFrom(c *fiber.Ctx) *metadata.Operator {
	op, _ := c.Locals(metadata.OperatorLocal).(*metadata.Operator)
	return op
}

func bearerToken(header string) (string, error) {
	if header == "" {
		return "", engine.UnauthorizedError("Missing auth token")
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", engine.UnauthorizedError("Invalid auth header format")
	}
	return strings.TrimSpace(token), nil
}
