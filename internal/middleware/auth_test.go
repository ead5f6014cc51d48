package middleware

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/propertyledger/backend/internal/auth"
	"github.com/propertyledger/backend/internal/config"
)

func TestAuthMiddleware(t *testing.T) {
	cfg := &config.Config{JWTSecret: "secret"}
	app := fiber.New()
	app.Get("/me", AuthMiddleware(cfg, zap.NewNop()), func(c *fiber.Ctx) error {
		return c.SendString(GetAddress(c))
	})

	token, err := auth.GenerateJWT("secret", "0xAbC0000000000000000000000000000000000001", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		header string
		status int
		body   string
	}{
		{"missing header", "", fiber.StatusUnauthorized, ""},
		{"no bearer prefix", token, fiber.StatusUnauthorized, ""},
		{"bad token", "Bearer nope", fiber.StatusUnauthorized, ""},
		{"valid", "Bearer " + token, fiber.StatusOK, "0xabc0000000000000000000000000000000000001"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := app.Test(req)
			if err != nil {
				t.Fatal(err)
			}
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			if tt.body != "" {
				b, _ := io.ReadAll(resp.Body)
				if string(b) != tt.body {
					t.Fatalf("address = %q, want %q", b, tt.body)
				}
			}
		})
	}
}
