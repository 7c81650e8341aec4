package models

import "time"

// User is a registered account as stored in MySQL.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Name         string    `json:"name"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// UserSession is a store-backed login session. The session token is opaque
// (random UUID) and resolved by database lookup, unlike the self-describing
// JWT access token.
type UserSession struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	SessionToken string    `json:"session_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// AuthenticatedUser is the snapshot attached to a connection after a
// successful token verification. A new verification always produces a fresh
// snapshot; an existing one is never mutated in place.
type AuthenticatedUser struct {
	UserID          string `json:"user_id"`
	UserName        string `json:"user_name"`
	UserEmail       string `json:"user_email"`
	IsAuthenticated bool   `json:"is_authenticated"`
}

// UserResponse is the public view of a user returned by the auth endpoints.
type UserResponse struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// ToResponse converts a User to its public representation
func (u *User) ToResponse() UserResponse {
	return UserResponse{
		ID:        u.ID,
		Email:     u.Email,
		Name:      u.Name,
		CreatedAt: u.CreatedAt,
	}
}
