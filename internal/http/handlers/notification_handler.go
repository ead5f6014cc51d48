package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/propertyledger/backend/internal/http/dto"
	"github.com/propertyledger/backend/internal/middleware"
	"github.com/propertyledger/backend/internal/services"
)

type NotificationHandler struct {
	feed *services.NotificationFeed
	log  *zap.Logger
}

func NewNotificationHandler(feed *services.NotificationFeed, log *zap.Logger) *NotificationHandler {
	return &NotificationHandler{feed: feed, log: log}
}

func (h *NotificationHandler) Feed(c *fiber.Ctx) error {
	limit, offset := pagination(c)
	records, err := h.feed.Feed(c.UserContext(), middleware.GetAddress(c), limit, offset)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: records})
}

func (h *NotificationHandler) UnreadCount(c *fiber.Ctx) error {
	n, err := h.feed.UnreadCount(c.UserContext(), middleware.GetAddress(c))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: dto.UnreadCountResponse{Unread: n}})
}

func (h *NotificationHandler) Detail(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid notification id")
	}
	rec, err := h.feed.Detail(c.UserContext(), id, middleware.GetAddress(c))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: rec})
}

func (h *NotificationHandler) MarkRead(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid notification id")
	}
	if err := h.feed.MarkRead(c.UserContext(), id, middleware.GetAddress(c)); err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true})
}

func (h *NotificationHandler) Transactions(c *fiber.Ctx) error {
	limit, offset := pagination(c)
	records, err := h.feed.Transactions(c.UserContext(), middleware.GetAddress(c), limit, offset)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: records})
}
