package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/propertyledger/backend/internal/apperr"
	"github.com/propertyledger/backend/internal/http/dto"
	"github.com/propertyledger/backend/internal/middleware"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		code apperr.Code
		want int
	}{
		{apperr.CodeNotOwner, fiber.StatusForbidden},
		{apperr.CodeNotParty, fiber.StatusForbidden},
		{apperr.CodeKycRequired, fiber.StatusForbidden},
		{apperr.CodeNotFound, fiber.StatusNotFound},
		{apperr.CodeInvalidTransition, fiber.StatusConflict},
		{apperr.CodeOperationPending, fiber.StatusConflict},
		{apperr.CodeUserCancelled, fiber.StatusConflict},
		{apperr.CodeWrongAmount, fiber.StatusUnprocessableEntity},
		{apperr.CodeInvalidInput, fiber.StatusBadRequest},
		{apperr.CodeLedgerRejected, fiber.StatusBadGateway},
		{apperr.CodeTimeout, fiber.StatusAccepted},
		{apperr.Code("Unknown"), fiber.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusFor(tt.code); got != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestRespondError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		want       dto.ErrorResponse
	}{
		{
			name:       "state conflict carries current state",
			err:        apperr.New(apperr.CodeInvalidTransition, "cannot move").WithState("refunded"),
			wantStatus: fiber.StatusConflict,
			want:       dto.ErrorResponse{Error: "cannot move", Code: "InvalidTransition", CurrentState: "refunded", RequestID: "req-1"},
		},
		{
			name:       "timeout carries the operation ref",
			err:        apperr.New(apperr.CodeTimeout, "pending").WithState("submitted").WithTxRef("mem-1"),
			wantStatus: fiber.StatusAccepted,
			want:       dto.ErrorResponse{Error: "pending", Code: "Timeout", CurrentState: "submitted", TxRef: "mem-1", Retryable: true, RequestID: "req-1"},
		},
		{
			name:       "infrastructure error is hidden",
			err:        errors.New("connection refused"),
			wantStatus: fiber.StatusInternalServerError,
			want:       dto.ErrorResponse{Error: "internal error", RequestID: "req-1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := fiber.New()
			app.Get("/", func(c *fiber.Ctx) error {
				c.Locals(middleware.CtxRequestID, "req-1")
				return respondError(c, zap.NewNop(), tt.err)
			})

			resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
			if err != nil {
				t.Fatal(err)
			}
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			body, _ := io.ReadAll(resp.Body)
			var got dto.ErrorResponse
			if err := json.Unmarshal(body, &got); err != nil {
				t.Fatalf("decode %s: %v", body, err)
			}
			if got != tt.want {
				t.Fatalf("body = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestAssetParam(t *testing.T) {
	app := fiber.New()
	app.Get("/assets/:assetId", func(c *fiber.Ctx) error {
		if _, ok := assetParam(c); !ok {
			return badRequest(c, "invalid asset id")
		}
		return c.SendStatus(fiber.StatusOK)
	})

	for path, want := range map[string]int{
		"/assets/7":   fiber.StatusOK,
		"/assets/abc": fiber.StatusBadRequest,
		"/assets/-1":  fiber.StatusBadRequest,
	} {
		resp, err := app.Test(httptest.NewRequest("GET", path, nil))
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != want {
			t.Errorf("%s: status = %d, want %d", path, resp.StatusCode, want)
		}
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in     string
		wantOK bool
	}{
		{"100", true},
		{"100.000", true},
		{"1000000000000000000000", true},
		{"2.5", false},
		{"0.000000000000000001", false},
		{"abc", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if _, ok := parseAmount(tt.in); ok != tt.wantOK {
				t.Fatalf("parseAmount(%q) ok = %v, want %v", tt.in, ok, tt.wantOK)
			}
		})
	}
}
