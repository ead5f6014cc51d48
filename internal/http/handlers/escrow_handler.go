package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/propertyledger/backend/internal/http/dto"
	"github.com/propertyledger/backend/internal/middleware"
	"github.com/propertyledger/backend/internal/models"
	"github.com/propertyledger/backend/internal/services"
)

type EscrowHandler struct {
	escrowService *services.EscrowService
	log           *zap.Logger
}

func NewEscrowHandler(escrowService *services.EscrowService, log *zap.Logger) *EscrowHandler {
	return &EscrowHandler{escrowService: escrowService, log: log}
}

func (h *EscrowHandler) CreateDeal(c *fiber.Ctx) error {
	var req dto.CreateEscrowRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}
	price, ok := parseAmount(req.Price)
	if !ok {
		return badRequest(c, "invalid price")
	}

	deal, err := h.escrowService.CreateDeal(c.UserContext(), middleware.GetAddress(c), req.AssetID, req.Buyer, price)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: deal})
}

func (h *EscrowHandler) GetDeal(c *fiber.Ctx) error {
	assetID, ok := assetParam(c)
	if !ok {
		return badRequest(c, "invalid asset id")
	}
	deal, err := h.escrowService.GetDeal(c.UserContext(), assetID)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: deal})
}

// ListDeals lists the caller's deals; role is buyer, seller or either (default).
func (h *EscrowHandler) ListDeals(c *fiber.Ctx) error {
	role := c.Query("role", "either")
	switch role {
	case "buyer", "seller", "either":
	default:
		return badRequest(c, "role must be buyer, seller or either")
	}
	limit, offset := pagination(c)

	deals, err := h.escrowService.ListDeals(c.UserContext(), middleware.GetAddress(c), role, limit, offset)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: deals})
}

func (h *EscrowHandler) Deposit(c *fiber.Ctx) error {
	assetID, ok := assetParam(c)
	if !ok {
		return badRequest(c, "invalid asset id")
	}
	var req dto.DepositRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		return badRequest(c, "invalid amount")
	}

	deal, err := h.escrowService.DepositFunds(c.UserContext(), middleware.GetAddress(c), assetID, amount)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: deal})
}

func (h *EscrowHandler) Complete(c *fiber.Ctx) error {
	return h.step(c, h.escrowService.CompleteDeal)
}

func (h *EscrowHandler) Cancel(c *fiber.Ctx) error {
	return h.step(c, h.escrowService.CancelEscrow)
}

func (h *EscrowHandler) Refund(c *fiber.Ctx) error {
	return h.step(c, h.escrowService.RefundBuyer)
}

type escrowStep func(ctx context.Context, caller string, assetID int64) (*models.EscrowDeal, error)

func (h *EscrowHandler) step(c *fiber.Ctx, fn escrowStep) error {
	assetID, ok := assetParam(c)
	if !ok {
		return badRequest(c, "invalid asset id")
	}
	deal, err := fn(c.UserContext(), middleware.GetAddress(c), assetID)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: deal})
}
