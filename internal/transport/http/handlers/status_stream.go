package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/clusterctl/commissioner/internal/core/ports"
	"github.com/clusterctl/commissioner/internal/core/services"
	"github.com/clusterctl/commissioner/internal/infrastructure/logger"
	"github.com/clusterctl/commissioner/internal/transport/http/dto"
	"github.com/gofiber/contrib/websocket"
)

// StatusStream pushes the status of one task over a websocket until the task
// reaches a terminal state or the client goes away.
type StatusStream struct {
	progress ports.ProgressService
	interval time.Duration
	logger   *logger.Logger
}

func NewStatusStream(progress ports.ProgressService, interval time.Duration, logger *logger.Logger) *StatusStream {
	if interval <= 0 {
		interval = time.Second
	}
	return &StatusStream{progress: progress, interval: interval, logger: logger}
}

func (h *StatusStream) Handle(c *websocket.Conn) {
	defer c.Close()
	id := c.Params("id")

	// Reads only detect the client closing the socket.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Infow("task_stream_open", "id", id)
	for {
		status, err := h.progress.GetStatus(context.Background(), id)
		if err != nil {
			msg := err.Error()
			if errors.Is(err, services.ErrTaskNotFound) {
				msg = "task not found"
			}
			_ = c.WriteJSON(dto.ErrorResponse{Error: msg})
			return
		}
		if err := c.WriteJSON(status); err != nil {
			h.logger.Debugw("task_stream_write_failed", "id", id, "error", err)
			return
		}
		if status.State.IsTerminal() {
			h.logger.Infow("task_stream_done", "id", id, "state", status.State)
			return
		}

		select {
		case <-closed:
			return
		case <-ticker.C:
		}
	}
}
