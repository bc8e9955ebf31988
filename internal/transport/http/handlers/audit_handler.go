package handlers

import (
	"github.com/clusterctl/commissioner/internal/core/ports"
	"github.com/clusterctl/commissioner/internal/domain"
	"github.com/clusterctl/commissioner/internal/infrastructure/logger"
	"github.com/clusterctl/commissioner/internal/transport/http/dto"
	"github.com/gofiber/fiber/v2"
)

type AuditHandler struct {
	ledger ports.AuditLedger
	logger *logger.Logger
}

func NewAuditHandler(ledger ports.AuditLedger, logger *logger.Logger) *AuditHandler {
	return &AuditHandler{ledger: ledger, logger: logger}
}

func (h *AuditHandler) ListByCustomer(c *fiber.Ctx) error {
	customerID := c.Params("customerId")
	entries, err := h.ledger.ListByCustomer(c.UserContext(), customerID)
	if err != nil {
		h.logger.Errorw("audit_list_customer_failed", "customer_id", customerID, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{
			Error: err.Error(),
		})
	}
	return c.JSON(entries)
}

func (h *AuditHandler) ListByResource(c *fiber.Ctx) error {
	ref := domain.ResourceRef{Type: c.Params("type"), ID: c.Params("id")}
	entries, err := h.ledger.ListByResource(c.UserContext(), ref)
	if err != nil {
		h.logger.Errorw("audit_list_resource_failed", "target", ref.String(), "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{
			Error: err.Error(),
		})
	}
	return c.JSON(entries)
}
