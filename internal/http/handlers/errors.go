package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/propertyledger/backend/internal/apperr"
	"github.com/propertyledger/backend/internal/http/dto"
	"github.com/propertyledger/backend/internal/middleware"
	"github.com/propertyledger/backend/internal/models"
)

var codeStatus = map[apperr.Code]int{
	apperr.CodeNotOwner:    fiber.StatusForbidden,
	apperr.CodeNotBuyer:    fiber.StatusForbidden,
	apperr.CodeNotSeller:   fiber.StatusForbidden,
	apperr.CodeNotParty:    fiber.StatusForbidden,
	apperr.CodeKycRequired: fiber.StatusForbidden,

	apperr.CodeNotFound:              fiber.StatusNotFound,
	apperr.CodeInvalidTransition:     fiber.StatusConflict,
	apperr.CodeDealExists:            fiber.StatusConflict,
	apperr.CodeAlreadyListed:         fiber.StatusConflict,
	apperr.CodeConflictingSettlement: fiber.StatusConflict,
	apperr.CodeOperationPending:      fiber.StatusConflict,
	apperr.CodeUserCancelled:         fiber.StatusConflict,

	apperr.CodeInvalidInput:         fiber.StatusBadRequest,
	apperr.CodeSelfPurchase:         fiber.StatusUnprocessableEntity,
	apperr.CodeSelfInterest:         fiber.StatusUnprocessableEntity,
	apperr.CodeDuplicateInterest:    fiber.StatusUnprocessableEntity,
	apperr.CodeWrongAmount:          fiber.StatusUnprocessableEntity,
	apperr.CodeCannotRemoveApproved: fiber.StatusUnprocessableEntity,

	apperr.CodeLedgerRejected: fiber.StatusBadGateway,
	apperr.CodeTimeout:        fiber.StatusAccepted,
}

// StatusFor maps a domain error code to its HTTP status.
func StatusFor(code apperr.Code) int {
	if s, ok := codeStatus[code]; ok {
		return s
	}
	return fiber.StatusInternalServerError
}

// respondError writes err as an ErrorResponse. Errors outside the domain taxonomy
// are logged and hidden behind a 500.
func respondError(c *fiber.Ctx, log *zap.Logger, err error) error {
	reqID, _ := c.Locals(middleware.CtxRequestID).(string)

	e, ok := apperr.As(err)
	if !ok {
		log.Error("request failed", zap.String("request_id", reqID), zap.String("path", c.Path()), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error", RequestID: reqID})
	}

	if e.Code == apperr.CodeLedgerRejected {
		log.Warn("ledger rejected request", zap.String("request_id", reqID), zap.Error(err))
	}
	return c.Status(StatusFor(e.Code)).JSON(dto.ErrorResponse{
		Error:        e.Message,
		Code:         string(e.Code),
		CurrentState: e.State,
		TxRef:        e.TxRef,
		Retryable:    e.Retryable(),
		RequestID:    reqID,
	})
}

func badRequest(c *fiber.Ctx, msg string) error {
	reqID, _ := c.Locals(middleware.CtxRequestID).(string)
	return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
		Error:     msg,
		Code:      string(apperr.CodeInvalidInput),
		RequestID: reqID,
	})
}

func assetParam(c *fiber.Ctx) (int64, bool) {
	id, err := strconv.ParseInt(c.Params("assetId"), 10, 64)
	if err != nil || id < 0 {
		return 0, false
	}
	return id, true
}

// parseAmount accepts whole base units only.
func parseAmount(s string) (decimal.Decimal, bool) {
	d, err := decimal.NewFromString(s)
	if err != nil || !models.IsWholeAmount(d) {
		return decimal.Zero, false
	}
	return d, true
}

// pagination reads limit/offset; the repositories clamp them.
func pagination(c *fiber.Ctx) (int, int) {
	return c.QueryInt("limit", 20), c.QueryInt("offset", 0)
}
