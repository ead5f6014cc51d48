package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/propertyledger/backend/internal/http/dto"
	"github.com/propertyledger/backend/internal/middleware"
	"github.com/propertyledger/backend/internal/repositories"
	"github.com/propertyledger/backend/internal/services"
)

type ListingHandler struct {
	listingService *services.ListingService
	log            *zap.Logger
}

func NewListingHandler(listingService *services.ListingService, log *zap.Logger) *ListingHandler {
	return &ListingHandler{listingService: listingService, log: log}
}

func (h *ListingHandler) List(c *fiber.Ctx) error {
	var req dto.CreateListingRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}
	price, ok := parseAmount(req.Price)
	if !ok {
		return badRequest(c, "invalid price")
	}

	listing, err := h.listingService.List(c.UserContext(), middleware.GetAddress(c), req.AssetID, price)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: listing})
}

// ListListings returns active listings unless all=true; seller filters by address.
func (h *ListingHandler) ListListings(c *fiber.Ctx) error {
	limit, offset := pagination(c)
	filter := repositories.ListingFilter{
		ActiveOnly: !c.QueryBool("all", false),
		Limit:      limit,
		Offset:     offset,
	}
	if v := c.Query("seller"); v != "" {
		filter.Seller = &v
	}

	listings, err := h.listingService.ListListings(c.UserContext(), filter)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: listings})
}

func (h *ListingHandler) GetListing(c *fiber.Ctx) error {
	assetID, ok := assetParam(c)
	if !ok {
		return badRequest(c, "invalid asset id")
	}
	listing, err := h.listingService.GetListing(c.UserContext(), assetID)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: listing})
}

func (h *ListingHandler) Buy(c *fiber.Ctx) error {
	assetID, ok := assetParam(c)
	if !ok {
		return badRequest(c, "invalid asset id")
	}
	var req dto.BuyRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}
	payment, ok := parseAmount(req.Payment)
	if !ok {
		return badRequest(c, "invalid payment")
	}

	listing, err := h.listingService.Buy(c.UserContext(), middleware.GetAddress(c), assetID, payment)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: listing})
}

func (h *ListingHandler) Cancel(c *fiber.Ctx) error {
	assetID, ok := assetParam(c)
	if !ok {
		return badRequest(c, "invalid asset id")
	}
	listing, err := h.listingService.Cancel(c.UserContext(), middleware.GetAddress(c), assetID)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: listing})
}
