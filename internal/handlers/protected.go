package handlers

import (
	"context"
	"log"

	"github.com/gofiber/fiber/v2"

	"voicecompanion/internal/middleware"
	"voicecompanion/internal/models"
)

const (
	defaultConversationLimit = 50
	maxConversationLimit     = 200
)

// ConversationReader is the slice of the store the protected surface reads
// and prunes conversation history through.
type ConversationReader interface {
	ListConversations(ctx context.Context, userID string, limit, offset int) ([]models.Conversation, error)
	DeleteConversation(ctx context.Context, id, userID string) (bool, error)
}

// ProtectedHandler serves the bearer-authenticated user surface: profile and
// conversation history. Every route expects middleware.RequireUser to have
// attached the user snapshot already.
type ProtectedHandler struct {
	store ConversationReader
}

// NewProtectedHandler creates a new protected-routes handler
func NewProtectedHandler(store ConversationReader) *ProtectedHandler {
	return &ProtectedHandler{store: store}
}

func currentUser(c *fiber.Ctx) *models.AuthenticatedUser {
	user, _ := c.Locals(middleware.UserContextKey).(*models.AuthenticatedUser)
	return user
}

// Me handles GET /api/me
func (h *ProtectedHandler) Me(c *fiber.Ctx) error {
	user := currentUser(c)
	if user == nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Not authenticated",
		})
	}

	return c.JSON(fiber.Map{
		"user_id":          user.UserID,
		"name":             user.UserName,
		"email":            user.UserEmail,
		"is_authenticated": true,
	})
}

// ListConversations handles GET /api/conversations?limit=&offset=
func (h *ProtectedHandler) ListConversations(c *fiber.Ctx) error {
	user := currentUser(c)
	if user == nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Not authenticated",
		})
	}

	limit := c.QueryInt("limit", defaultConversationLimit)
	if limit < 1 || limit > maxConversationLimit {
		limit = defaultConversationLimit
	}
	offset := c.QueryInt("offset", 0)
	if offset < 0 {
		offset = 0
	}

	conversations, err := h.store.ListConversations(c.UserContext(), user.UserID, limit, offset)
	if err != nil {
		log.Printf("❌ Failed to list conversations for user %s: %v", user.UserID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load conversations",
		})
	}
	if conversations == nil {
		conversations = []models.Conversation{}
	}

	return c.JSON(fiber.Map{
		"user_id":       user.UserID,
		"conversations": conversations,
		"total":         len(conversations),
	})
}

// DeleteConversation handles DELETE /api/conversations/:id. Deletion is
// scoped to the authenticated user; another user's conversation reads as not
// found.
func (h *ProtectedHandler) DeleteConversation(c *fiber.Ctx) error {
	user := currentUser(c)
	if user == nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Not authenticated",
		})
	}

	deleted, err := h.store.DeleteConversation(c.UserContext(), c.Params("id"), user.UserID)
	if err != nil {
		log.Printf("❌ Failed to delete conversation for user %s: %v", user.UserID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete conversation",
		})
	}
	if !deleted {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Conversation not found",
		})
	}

	return c.JSON(fiber.Map{
		"message": "Conversation deleted successfully",
	})
}
