package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/propertyledger/backend/internal/http/dto"
	"github.com/propertyledger/backend/internal/models"
)

type AuditReader interface {
	ListByAsset(ctx context.Context, assetID int64, limit, offset int) ([]models.AuditLog, error)
}

// HistoryHandler serves the audit trail of an asset. Ledger history is public,
// so any authenticated caller may read it.
type HistoryHandler struct {
	audit AuditReader
	log   *zap.Logger
}

func NewHistoryHandler(audit AuditReader, log *zap.Logger) *HistoryHandler {
	return &HistoryHandler{audit: audit, log: log}
}

func (h *HistoryHandler) ByAsset(c *fiber.Ctx) error {
	assetID, ok := assetParam(c)
	if !ok {
		return badRequest(c, "invalid asset id")
	}
	limit, offset := pagination(c)
	entries, err := h.audit.ListByAsset(c.UserContext(), assetID, limit, offset)
	if err != nil {
		return respondError(c, h.log, err)
	}
	if entries == nil {
		entries = []models.AuditLog{}
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: entries})
}
