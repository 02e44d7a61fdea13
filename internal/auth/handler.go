package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"integration-hub/internal/engine"
	"integration-hub/internal/store"
)

// UserFinder looks up operator accounts by email.
type UserFinder interface {
	FindUserByEmail(ctx context.Context, email string) (map[string]any, error)
}

// AuthHandler handles authentication endpoints.
type AuthHandler struct {
	users     UserFinder
	jwtSecret string
	ttl       time.Duration
	log       *zap.Logger
}

func NewAuthHandler(users UserFinder, jwtSecret string, log *zap.Logger) *AuthHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &AuthHandler{users: users, jwtSecret: jwtSecret, ttl: AccessTokenTTL, log: log.Named("auth")}
}

// Token handles POST /api/auth/token.
func (h *AuthHandler) Token(c *fiber.Ctx) error {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.BodyParser(&body); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid request body")
	}
	body.Email = strings.TrimSpace(body.Email)
	if body.Email == "" || body.Password == "" {
		return engine.UnauthorizedError("Email and password are required")
	}

	token, err := h.Issue(c.UserContext(), body.Email, body.Password)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": token})
}

// Issue checks the credentials and returns a signed access token.
func (h *AuthHandler) Issue(ctx context.Context, email, password string) (*Token, error) {
	user, err := h.users.FindUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return nil, engine.UnauthorizedError("Invalid email or password")
	}
	if err != nil {
		return nil, err
	}

	if !store.ToBool(user["active"]) {
		return nil, engine.UnauthorizedError("Account is disabled")
	}
	if !CheckPassword(password, store.ToString(user["password_hash"])) {
		h.log.Warn("failed login", zap.String("email", email))
		return nil, engine.UnauthorizedError("Invalid email or password")
	}

	userID := store.ToString(user["id"])
	signed, err := GenerateAccessToken(userID, email, store.ParseStringSlice(user["roles"]), h.jwtSecret, h.ttl)
	if err != nil {
		return nil, engine.NewAppError("INTERNAL_ERROR", 500, "Failed to generate access token")
	}
	return &Token{AccessToken: signed, TokenType: "Bearer", ExpiresIn: int(h.ttl / time.Second)}, nil
}

// RegisterAuthRoutes registers auth routes on the given Fiber app.
func RegisterAuthRoutes(app *fiber.App, h *AuthHandler) {
	auth := app.Group("/api/auth")
	auth.Post("/token", h.Token)
}
