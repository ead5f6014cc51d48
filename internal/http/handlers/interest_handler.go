package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/propertyledger/backend/internal/http/dto"
	"github.com/propertyledger/backend/internal/middleware"
	"github.com/propertyledger/backend/internal/services"
)

type InterestHandler struct {
	interestService *services.InterestService
	log             *zap.Logger
}

func NewInterestHandler(interestService *services.InterestService, log *zap.Logger) *InterestHandler {
	return &InterestHandler{interestService: interestService, log: log}
}

func (h *InterestHandler) Express(c *fiber.Ctx) error {
	assetID, ok := assetParam(c)
	if !ok {
		return badRequest(c, "invalid asset id")
	}
	interest, err := h.interestService.ExpressInterest(c.UserContext(), middleware.GetAddress(c), assetID)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: interest})
}

func (h *InterestHandler) ByAsset(c *fiber.Ctx) error {
	assetID, ok := assetParam(c)
	if !ok {
		return badRequest(c, "invalid asset id")
	}
	interests, err := h.interestService.ByAsset(c.UserContext(), assetID)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: interests})
}

func (h *InterestHandler) Approve(c *fiber.Ctx) error {
	assetID, ok := assetParam(c)
	if !ok {
		return badRequest(c, "invalid asset id")
	}
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid interest id")
	}

	interest, err := h.interestService.Approve(c.UserContext(), assetID, id, middleware.GetAddress(c))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: interest})
}

func (h *InterestHandler) Remove(c *fiber.Ctx) error {
	assetID, ok := assetParam(c)
	if !ok {
		return badRequest(c, "invalid asset id")
	}
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid interest id")
	}

	if err := h.interestService.Remove(c.UserContext(), assetID, id, middleware.GetAddress(c)); err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true})
}

func (h *InterestHandler) Mine(c *fiber.Ctx) error {
	interests, err := h.interestService.ByBuyer(c.UserContext(), middleware.GetAddress(c))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: interests})
}

func (h *InterestHandler) Received(c *fiber.Ctx) error {
	interests, err := h.interestService.ByOwner(c.UserContext(), middleware.GetAddress(c))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: interests})
}

// Stats covers the caller's assets, or every asset with scope=all.
func (h *InterestHandler) Stats(c *fiber.Ctx) error {
	owner := middleware.GetAddress(c)
	if c.Query("scope") == "all" {
		owner = ""
	}
	stats, err := h.interestService.Stats(c.UserContext(), owner)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: stats})
}
