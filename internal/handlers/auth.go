package handlers

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"voicecompanion/internal/database"
	"voicecompanion/internal/models"
	"voicecompanion/pkg/auth"
)

// AuthHandler handles the HTTP authentication surface: registration, login,
// token refresh and logout. The WebSocket core only ever sees the access
// tokens these endpoints issue.
type AuthHandler struct {
	jwtAuth       *auth.JWTAuth
	db            *database.DB
	sessionExpiry time.Duration
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(jwtAuth *auth.JWTAuth, db *database.DB, sessionExpiry time.Duration) *AuthHandler {
	return &AuthHandler{
		jwtAuth:       jwtAuth,
		db:            db,
		sessionExpiry: sessionExpiry,
	}
}

// RegisterRequest is the request body for registration
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

// LoginRequest is the request body for login
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RefreshRequest is the request body for token refresh
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// LogoutRequest is the request body for logout
type LogoutRequest struct {
	SessionToken string `json:"session_token"`
}

// TokenResponse is the response for successful authentication
type TokenResponse struct {
	AccessToken  string              `json:"access_token"`
	RefreshToken string              `json:"refresh_token"`
	SessionToken string              `json:"session_token,omitempty"`
	TokenType    string              `json:"token_type"`
	User         models.UserResponse `json:"user"`
}

// Register creates a new user account
// POST /api/auth/register
func (h *AuthHandler) Register(c *fiber.Ctx) error {
	var req RegisterRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Valid email address is required",
		})
	}

	if err := auth.ValidatePassword(req.Password); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	ctx := context.Background()

	existing, err := h.db.GetUserByEmail(ctx, req.Email)
	if err != nil {
		log.Printf("❌ Failed to check existing user: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create account",
		})
	}
	if existing != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Email already registered",
		})
	}

	passwordHash, err := auth.HashPassword(req.Password)
	if err != nil {
		log.Printf("❌ Failed to hash password: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create account",
		})
	}

	user := &models.User{
		ID:           uuid.New().String(),
		Email:        req.Email,
		PasswordHash: passwordHash,
		Name:         req.Name,
		IsActive:     true,
		CreatedAt:    time.Now(),
	}

	if err := h.db.CreateUser(ctx, user); err != nil {
		log.Printf("❌ Failed to create user: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create account",
		})
	}

	log.Printf("✅ User registered: %s (%s)", user.Email, user.ID)

	return c.Status(fiber.StatusCreated).JSON(user.ToResponse())
}

// Login authenticates a user and returns an access/refresh token pair plus a
// store-backed session token for the alternate handshake path
// POST /api/auth/login
func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var req LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	ctx := context.Background()

	user, err := h.db.GetUserByEmail(ctx, req.Email)
	if err != nil || user == nil {
		// Constant-shape response to prevent email enumeration
		time.Sleep(200 * time.Millisecond)
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Incorrect email or password",
		})
	}

	valid, err := auth.VerifyPassword(user.PasswordHash, req.Password)
	if err != nil || !valid {
		log.Printf("⚠️ Failed login attempt for user: %s", req.Email)
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Incorrect email or password",
		})
	}

	if !user.IsActive {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Account is deactivated",
		})
	}

	accessToken, refreshToken, err := h.jwtAuth.GenerateTokens(user.ID, user.Email)
	if err != nil {
		log.Printf("❌ Failed to generate tokens: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to generate authentication tokens",
		})
	}

	session := &models.UserSession{
		ID:           uuid.New().String(),
		UserID:       user.ID,
		SessionToken: uuid.New().String(),
		ExpiresAt:    time.Now().Add(h.sessionExpiry),
	}
	if err := h.db.CreateSession(ctx, session); err != nil {
		log.Printf("❌ Failed to create session: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create session",
		})
	}

	log.Printf("✅ User logged in: %s (%s)", user.Email, user.ID)

	return c.JSON(TokenResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		SessionToken: session.SessionToken,
		TokenType:    "bearer",
		User:         user.ToResponse(),
	})
}

// Refresh exchanges a refresh token for a new access/refresh pair
// POST /api/auth/refresh
func (h *AuthHandler) Refresh(c *fiber.Ctx) error {
	var req RefreshRequest
	if err := c.BodyParser(&req); err != nil || req.RefreshToken == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "refresh_token is required",
		})
	}

	claims, err := h.jwtAuth.VerifyRefreshToken(req.RefreshToken)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid or expired refresh token",
		})
	}

	// The user must still exist and be active to get fresh tokens
	user, err := h.db.GetActiveUserByID(context.Background(), claims.Subject)
	if err != nil || user == nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid or expired refresh token",
		})
	}

	accessToken, refreshToken, err := h.jwtAuth.GenerateTokens(user.ID, user.Email)
	if err != nil {
		log.Printf("❌ Failed to generate tokens: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to generate authentication tokens",
		})
	}

	return c.JSON(TokenResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "bearer",
		User:         user.ToResponse(),
	})
}

// Logout invalidates a store-backed session
// POST /api/auth/logout
func (h *AuthHandler) Logout(c *fiber.Ctx) error {
	var req LogoutRequest
	if err := c.BodyParser(&req); err != nil || req.SessionToken == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "session_token is required",
		})
	}

	if err := h.db.DeleteSession(context.Background(), req.SessionToken); err != nil {
		log.Printf("❌ Failed to delete session: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to log out",
		})
	}

	return c.JSON(fiber.Map{
		"message": "Logged out successfully",
	})
}
