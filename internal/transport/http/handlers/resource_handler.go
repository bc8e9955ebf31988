package handlers

import (
	"errors"

	"github.com/clusterctl/commissioner/internal/core/ports"
	"github.com/clusterctl/commissioner/internal/domain"
	"github.com/clusterctl/commissioner/internal/infrastructure/logger"
	"github.com/clusterctl/commissioner/internal/transport/http/dto"
	"github.com/gofiber/fiber/v2"
)

type ResourceHandler struct {
	locks  ports.LockManager
	ledger ports.AuditLedger
	logger *logger.Logger
}

func NewResourceHandler(locks ports.LockManager, ledger ports.AuditLedger, logger *logger.Logger) *ResourceHandler {
	return &ResourceHandler{locks: locks, ledger: ledger, logger: logger}
}

func (h *ResourceHandler) GetState(c *fiber.Ctx) error {
	ref := domain.ResourceRef{Type: c.Params("type"), ID: c.Params("id")}
	state, err := h.locks.State(c.UserContext(), ref)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{
				Error: "resource not found",
			})
		}
		h.logger.Errorw("resource_state_failed", "target", ref.String(), "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{
			Error: err.Error(),
		})
	}
	return c.JSON(dto.ResourceStateToResponse(state))
}

// ForceComplete closes every open audit entry of the resource and fails the
// tasks behind them. Workers that are still running are not interrupted.
func (h *ResourceHandler) ForceComplete(c *fiber.Ctx) error {
	ref := domain.ResourceRef{Type: c.Params("type"), ID: c.Params("id")}
	h.logger.Warnw("resource_force_complete_request", "target", ref.String())

	n, err := h.ledger.ForceCompleteAllFor(c.UserContext(), ref)
	if err != nil {
		h.logger.Errorw("resource_force_complete_failed", "target", ref.String(), "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{
			Error: err.Error(),
		})
	}
	return c.JSON(dto.ForceCompleteResponse{Completed: n})
}
