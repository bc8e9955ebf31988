package handlers

import (
	"errors"
	"strings"

	"github.com/clusterctl/commissioner/internal/core/ports"
	"github.com/clusterctl/commissioner/internal/core/services"
	"github.com/clusterctl/commissioner/internal/domain"
	"github.com/clusterctl/commissioner/internal/infrastructure/logger"
	"github.com/clusterctl/commissioner/internal/transport/http/dto"
	"github.com/gofiber/fiber/v2"
)

type TaskHandler struct {
	commissioner ports.Commissioner
	progress     ports.ProgressService
	logger       *logger.Logger
}

func NewTaskHandler(commissioner ports.Commissioner, progress ports.ProgressService, logger *logger.Logger) *TaskHandler {
	return &TaskHandler{commissioner: commissioner, progress: progress, logger: logger}
}

// submissionStatus maps a refused submission to its HTTP status.
func submissionStatus(err error) int {
	switch {
	case errors.Is(err, services.ErrInvalidParams):
		return fiber.StatusBadRequest
	case errors.Is(err, services.ErrResourceNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, services.ErrResourceBusy), errors.Is(err, services.ErrVersionConflict):
		return fiber.StatusConflict
	case errors.Is(err, services.ErrExecutorSaturated):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

func submissionReason(err error) string {
	var se *services.SubmissionError
	if errors.As(err, &se) {
		return se.Reason
	}
	return services.ReasonInternal
}

func (h *TaskHandler) SubmitTask(c *fiber.Ctx) error {
	customerID := c.Params("customerId")

	var req dto.SubmitTaskRequest
	if err := c.BodyParser(&req); err != nil {
		h.logger.Warnw("task_submit_body_parse_failed", "error", err)
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
			Error: "invalid request body",
		})
	}

	if errors := req.Validate(); len(errors) > 0 {
		h.logger.Warnw("task_submit_validation_failed", "details", errors)
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
			Error:   "validation failed",
			Details: errors,
		})
	}

	input := ports.SubmitInput{
		Kind:            domain.TaskKind(strings.TrimSpace(req.Kind)),
		Params:          req.Params,
		Resource:        req.Resource(),
		ExpectedVersion: req.GetExpectedVersion(),
		CustomerID:      customerID,
		DisplayName:     req.DisplayName,
	}

	h.logger.Infow("task_submit_request", "customer_id", customerID, "kind", input.Kind, "target", input.Resource.String())
	taskID, err := h.commissioner.Submit(c.UserContext(), input)
	if err != nil {
		status := submissionStatus(err)
		if status == fiber.StatusInternalServerError {
			h.logger.Errorw("task_submit_failed", "kind", input.Kind, "error", err)
		}
		return c.Status(status).JSON(dto.ErrorResponse{
			Error:  err.Error(),
			Reason: submissionReason(err),
		})
	}

	return c.Status(fiber.StatusAccepted).JSON(dto.SubmitTaskResponse{TaskID: taskID})
}

func (h *TaskHandler) GetTask(c *fiber.Ctx) error {
	id := c.Params("id")
	status, err := h.progress.GetStatus(c.UserContext(), id)
	if err != nil {
		return h.taskError(c, id, err)
	}
	return c.JSON(status)
}

func (h *TaskHandler) GetSubtasks(c *fiber.Ctx) error {
	id := c.Params("id")
	subtasks, err := h.progress.ListSubtasks(c.UserContext(), id)
	if err != nil {
		return h.taskError(c, id, err)
	}
	return c.JSON(dto.SubtasksToResponse(subtasks))
}

func (h *TaskHandler) taskError(c *fiber.Ctx, id string, err error) error {
	if errors.Is(err, services.ErrTaskNotFound) {
		h.logger.Warnw("task_not_found", "id", id)
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{
			Error: "task not found",
		})
	}
	h.logger.Errorw("task_get_failed", "id", id, "error", err)
	return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{
		Error: err.Error(),
	})
}
