package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/propertyledger/backend/internal/http/dto"
	"github.com/propertyledger/backend/internal/services"
)

type MetaHandler struct {
	escrowService *services.EscrowService
	ledgerBackend string
	operator      string
}

func NewMetaHandler(escrowService *services.EscrowService, ledgerBackend, operator string) *MetaHandler {
	return &MetaHandler{escrowService: escrowService, ledgerBackend: ledgerBackend, operator: operator}
}

func (h *MetaHandler) GetSettlement(c *fiber.Ctx) error {
	return c.JSON(dto.SuccessResponse{OK: true, Data: dto.SettlementMetaResponse{
		FeeBPS:             h.escrowService.FeeBPS(),
		FundedCancelPolicy: h.escrowService.FundedCancelPolicy(),
		LedgerBackend:      h.ledgerBackend,
		Operator:           h.operator,
	}})
}

type StatsHandler struct {
	statsService *services.StatsService
	log          *zap.Logger
}

func NewStatsHandler(statsService *services.StatsService, log *zap.Logger) *StatsHandler {
	return &StatsHandler{statsService: statsService, log: log}
}

func (h *StatsHandler) Marketplace(c *fiber.Ctx) error {
	summary, err := h.statsService.Snapshot(c.UserContext())
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: summary})
}
