package middleware

import (
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func newApp() *fiber.App {
	app := fiber.New()
	app.Get("/me", JWTProtected(testSecret), func(c *fiber.Ctx) error {
		return c.SendString(OwnerID(c))
	})
	return app
}

func TestJWTProtected(t *testing.T) {
	access, refresh, err := GenerateTokens("alice@example.com", testSecret, "Alice")
	require.NoError(t, err)
	require.NotEqual(t, access, refresh)

	app := newApp()

	req := httptest.NewRequest("GET", "/me", nil)
	req.Header.Set("Authorization", "Bearer "+access)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	req = httptest.NewRequest("GET", "/me?access_token="+access, nil)
	resp, err = app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestJWTProtected_Rejects(t *testing.T) {
	other, _, err := GenerateTokens("alice@example.com", "other-secret", "")
	require.NoError(t, err)

	cases := map[string]string{
		"missing":      "",
		"wrong format": "Token abc",
		"wrong secret": "Bearer " + other,
		"garbage":      "Bearer not.a.jwt",
	}
	app := newApp()
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/me", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
		})
	}
}

func TestParseToken(t *testing.T) {
	access, _, err := GenerateTokens("bob", testSecret, "Bob")
	require.NoError(t, err)

	claims, err := ParseToken(access, testSecret)
	require.NoError(t, err)
	require.Equal(t, "bob", claims.Username)
	require.Equal(t, "Bob", claims.DisplayName)
}
