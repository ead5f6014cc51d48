package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/propertyledger/backend/internal/apperr"
	"github.com/propertyledger/backend/internal/http/dto"
	"github.com/propertyledger/backend/internal/middleware"
	"github.com/propertyledger/backend/internal/services"
)

type OperationHandler struct {
	runner *services.OperationRunner
	log    *zap.Logger
}

func NewOperationHandler(runner *services.OperationRunner, log *zap.Logger) *OperationHandler {
	return &OperationHandler{runner: runner, log: log}
}

// Get polls an operation returned with a Timeout. Only its caller may see it.
func (h *OperationHandler) Get(c *fiber.Ctx) error {
	op, err := h.runner.Get(c.UserContext(), c.Params("ref"))
	if err != nil {
		return respondError(c, h.log, err)
	}
	if op.Caller != middleware.GetAddress(c) {
		return respondError(c, h.log, apperr.New(apperr.CodeNotFound, "operation not found"))
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: op})
}
