package middleware

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

const (
	accessTokenTTL  = 15 * time.Minute
	refreshTokenTTL = 7 * 24 * time.Hour

	// Browsers cannot set headers on a websocket upgrade, so the access token
	// may also travel as a query parameter.
	tokenQueryParam = "access_token"
)

type Claims struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	jwt.RegisteredClaims
}

func signToken(username, displayName, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Username:    username,
		DisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// GenerateTokens issues an access and a refresh token for username.
func GenerateTokens(username, secret, displayName string) (string, string, error) {
	access, err := signToken(username, displayName, secret, accessTokenTTL)
	if err != nil {
		return "", "", err
	}
	refresh, err := signToken(username, displayName, secret, refreshTokenTTL)
	if err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

// ParseToken verifies an HS256 token and returns its claims.
func ParseToken(tokenStr, secret string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.Username == "" {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

func unauthorized(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
		"error":   true,
		"message": message,
	})
}

func JWTProtected(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var tokenStr string
		if auth := c.Get("Authorization"); auth != "" {
			tokenStr = strings.TrimPrefix(auth, "Bearer ")
			if tokenStr == auth {
				return unauthorized(c, "Invalid authorization format")
			}
		} else {
			tokenStr = c.Query(tokenQueryParam)
		}
		if tokenStr == "" {
			return unauthorized(c, "Missing authorization header")
		}

		claims, err := ParseToken(tokenStr, secret)
		if err != nil {
			return unauthorized(c, "Invalid or expired token")
		}

		c.Locals("username", claims.Username)
		c.Locals("display_name", claims.DisplayName)
		return c.Next()
	}
}

// OwnerID is the identity every chat row is scoped by.
func OwnerID(c *fiber.Ctx) string {
	owner, _ := c.Locals("username").(string)
	return owner
}
