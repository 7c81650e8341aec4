package services

import (
	"context"
	"errors"
	"fmt"

	"voicecompanion/internal/models"
	"voicecompanion/pkg/auth"
)

// ErrInvalidCredential covers every verification failure: malformed, expired
// or badly signed tokens, unknown token types, missing users, revoked
// sessions. Callers reply auth_error and keep the connection alive.
var ErrInvalidCredential = errors.New("invalid or expired credential")

// UserStore is the read-only slice of the persistent store the verifier needs.
type UserStore interface {
	GetActiveUserByID(ctx context.Context, userID string) (*models.User, error)
	GetSessionByToken(ctx context.Context, token string) (*models.UserSession, error)
}

// AuthService verifies wire credentials. Two paths exist: a fast storeless
// check for every message (the access token is self-verifying) and a
// store-backed check used when establishing a session.
type AuthService struct {
	jwtAuth *auth.JWTAuth
	store   UserStore
}

// NewAuthService creates a new auth service
func NewAuthService(jwtAuth *auth.JWTAuth, store UserStore) *AuthService {
	return &AuthService{
		jwtAuth: jwtAuth,
		store:   store,
	}
}

// VerifyAccessClaims validates an access token by claims alone: structure,
// signature, expiry, not-before and type=access. No store lookup.
func (s *AuthService) VerifyAccessClaims(token string) (*auth.Claims, error) {
	claims, err := s.jwtAuth.VerifyAccessToken(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	return claims, nil
}

// VerifyAccessUser validates an access token and resolves its subject to an
// active user in the store, returning a fresh authenticated snapshot.
func (s *AuthService) VerifyAccessUser(ctx context.Context, token string) (*models.AuthenticatedUser, error) {
	claims, err := s.jwtAuth.VerifyAccessToken(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: token has no subject", ErrInvalidCredential)
	}

	user, err := s.store.GetActiveUserByID(ctx, claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("user lookup failed: %w", err)
	}
	if user == nil {
		return nil, fmt.Errorf("%w: no active user for subject", ErrInvalidCredential)
	}

	return snapshot(user), nil
}

// VerifySession resolves an opaque store-backed session token: the session row
// must be unexpired and its owning user active. Alternate handshake path; the
// dispatcher's per-message flow uses access tokens only.
func (s *AuthService) VerifySession(ctx context.Context, sessionToken string) (*models.AuthenticatedUser, error) {
	session, err := s.store.GetSessionByToken(ctx, sessionToken)
	if err != nil {
		return nil, fmt.Errorf("session lookup failed: %w", err)
	}
	if session == nil {
		return nil, fmt.Errorf("%w: no such session", ErrInvalidCredential)
	}

	user, err := s.store.GetActiveUserByID(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("user lookup failed: %w", err)
	}
	if user == nil {
		return nil, fmt.Errorf("%w: session owner inactive", ErrInvalidCredential)
	}

	return snapshot(user), nil
}

// snapshot builds a fresh AuthenticatedUser. Each verification allocates a
// new value; existing snapshots are never mutated.
func snapshot(user *models.User) *models.AuthenticatedUser {
	return &models.AuthenticatedUser{
		UserID:          user.ID,
		UserName:        user.Name,
		UserEmail:       user.Email,
		IsAuthenticated: true,
	}
}
