package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/argon2"
)

// Token type claims. A token whose type claim is absent or unrecognized is
// never accepted, regardless of signature.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrUnknownTokenType = errors.New("unknown token type")
)

// ExtractToken extracts the JWT token from an Authorization header value.
// Supports "Bearer <token>" format.
func ExtractToken(authHeader string) (string, error) {
	if authHeader == "" {
		return "", errors.New("empty authorization header")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}

	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty token")
	}

	return token, nil
}

// JWTAuth issues and verifies the signed credential tokens used on the wire.
type JWTAuth struct {
	SecretKey          []byte
	AccessTokenExpiry  time.Duration // Default: 30 minutes
	RefreshTokenExpiry time.Duration // Default: 3 days
}

// NewJWTAuth creates a new JWT auth instance
func NewJWTAuth(secretKey string, accessExpiry, refreshExpiry time.Duration) (*JWTAuth, error) {
	if secretKey == "" {
		return nil, errors.New("JWT secret key cannot be empty")
	}

	if accessExpiry == 0 {
		accessExpiry = 30 * time.Minute
	}

	if refreshExpiry == 0 {
		refreshExpiry = 3 * 24 * time.Hour
	}

	return &JWTAuth{
		SecretKey:          []byte(secretKey),
		AccessTokenExpiry:  accessExpiry,
		RefreshTokenExpiry: refreshExpiry,
	}, nil
}

// Claims represents the JWT token claims. Subject carries the user ID.
type Claims struct {
	TokenType string `json:"type"`
	Email     string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// GenerateTokens generates both access and refresh tokens for a user
func (a *JWTAuth) GenerateTokens(userID, email string) (accessToken, refreshToken string, err error) {
	now := time.Now()

	accessClaims := Claims{
		TokenType: TokenTypeAccess,
		Email:     email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(a.AccessTokenExpiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	accessToken, err = jwt.NewWithClaims(jwt.SigningMethodHS256, accessClaims).SignedString(a.SecretKey)
	if err != nil {
		return "", "", fmt.Errorf("failed to sign access token: %w", err)
	}

	refreshClaims := Claims{
		TokenType: TokenTypeRefresh,
		Email:     email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(a.RefreshTokenExpiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	refreshToken, err = jwt.NewWithClaims(jwt.SigningMethodHS256, refreshClaims).SignedString(a.SecretKey)
	if err != nil {
		return "", "", fmt.Errorf("failed to sign refresh token: %w", err)
	}

	return accessToken, refreshToken, nil
}

// VerifyTokenClaims verifies a token's structure, signature, expiry, not-before
// and type claim. All failures come back as errors; this never panics on
// malformed input.
func (a *JWTAuth) VerifyTokenClaims(tokenString string) (*Claims, error) {
	if strings.Count(tokenString, ".") != 2 {
		return nil, ErrInvalidToken
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.SecretKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	// Expiry is mandatory even though jwt/v5 treats a missing exp as valid.
	if claims.ExpiresAt == nil {
		return nil, ErrInvalidToken
	}

	if claims.TokenType != TokenTypeAccess && claims.TokenType != TokenTypeRefresh {
		return nil, ErrUnknownTokenType
	}

	return claims, nil
}

// VerifyAccessToken verifies a token and requires it to be an access token.
func (a *JWTAuth) VerifyAccessToken(tokenString string) (*Claims, error) {
	claims, err := a.VerifyTokenClaims(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != TokenTypeAccess {
		return nil, fmt.Errorf("%w: expected access token", ErrInvalidToken)
	}
	return claims, nil
}

// VerifyRefreshToken verifies a token and requires it to be a refresh token.
func (a *JWTAuth) VerifyRefreshToken(tokenString string) (*Claims, error) {
	claims, err := a.VerifyTokenClaims(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != TokenTypeRefresh {
		return nil, fmt.Errorf("%w: expected refresh token", ErrInvalidToken)
	}
	return claims, nil
}

// Argon2 password hashing parameters (OWASP recommended)
const (
	argon2Time      = 3         // Number of iterations
	argon2Memory    = 64 * 1024 // 64MB
	argon2Threads   = 4         // Parallelism
	argon2KeyLength = 32        // 32 bytes (256 bits)
	saltLength      = 16        // 16 bytes salt
)

// HashPassword hashes a password using Argon2id
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLength)

	saltEncoded := base64.RawStdEncoding.EncodeToString(salt)
	hashEncoded := base64.RawStdEncoding.EncodeToString(hash)

	// Format: argon2id$salt$hash
	return fmt.Sprintf("argon2id$%s$%s", saltEncoded, hashEncoded), nil
}

// VerifyPassword verifies a password against an Argon2id hash
func VerifyPassword(hashedPassword, password string) (bool, error) {
	parts := strings.Split(hashedPassword, "$")
	if len(parts) != 3 || parts[0] != "argon2id" {
		return false, fmt.Errorf("invalid hash format")
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return false, fmt.Errorf("failed to decode salt: %w", err)
	}

	expectedHash, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil {
		return false, fmt.Errorf("failed to decode hash: %w", err)
	}

	actualHash := argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLength)

	// Constant-time comparison
	if len(actualHash) != len(expectedHash) {
		return false, nil
	}

	var equal byte = 0
	for i := 0; i < len(actualHash); i++ {
		equal |= actualHash[i] ^ expectedHash[i]
	}

	return equal == 0, nil
}

// ValidatePassword checks if password meets requirements
func ValidatePassword(password string) error {
	if len(password) < 8 {
		return errors.New("password must be at least 8 characters long")
	}

	var (
		hasUpper  bool
		hasLower  bool
		hasNumber bool
	)

	for _, char := range password {
		switch {
		case 'A' <= char && char <= 'Z':
			hasUpper = true
		case 'a' <= char && char <= 'z':
			hasLower = true
		case '0' <= char && char <= '9':
			hasNumber = true
		}
	}

	if !hasUpper {
		return errors.New("password must contain at least one uppercase letter")
	}
	if !hasLower {
		return errors.New("password must contain at least one lowercase letter")
	}
	if !hasNumber {
		return errors.New("password must contain at least one number")
	}

	return nil
}
