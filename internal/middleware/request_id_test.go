package middleware

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
)

func TestRequestIDMiddleware(t *testing.T) {
	app := fiber.New()
	app.Use(RequestIDMiddleware())
	app.Get("/", func(c *fiber.Ctx) error {
		id, _ := c.Locals(CtxRequestID).(string)
		return c.SendString(id)
	})

	tests := []struct {
		name   string
		header string
		keep   bool
	}{
		{"propagated", "abc-123", true},
		{"missing", "", false},
		{"too long", strings.Repeat("x", maxRequestIDLen+1), false},
		{"whitespace", "a b", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				req.Header.Set(fiber.HeaderXRequestID, tt.header)
			}
			resp, err := app.Test(req)
			if err != nil {
				t.Fatal(err)
			}
			got := resp.Header.Get(fiber.HeaderXRequestID)
			if got == "" {
				t.Fatal("response has no request id")
			}
			if tt.keep && got != tt.header {
				t.Fatalf("request id = %q, want %q", got, tt.header)
			}
			if !tt.keep && got == tt.header {
				t.Fatalf("invalid request id %q was propagated", got)
			}
		})
	}
}
