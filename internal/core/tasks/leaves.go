package tasks

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/clusterctl/commissioner/internal/core/ports"
	"github.com/clusterctl/commissioner/internal/core/services"
	"github.com/clusterctl/commissioner/internal/domain"
)

// Deps are the collaborators task handlers act through.
type Deps struct {
	Nodes          ports.NodeOperator
	Resources      ports.ResourceRepository
	DefaultUser    string
	DefaultPort    int
	CommandTimeout time.Duration
	PollInterval   time.Duration
	// ServerTimeout bounds how long WaitForServer polls unless the subtask sets timeout_seconds.
	ServerTimeout time.Duration
	// Parallelism bounds the fan-out of per-node phases that may run concurrently.
	Parallelism int
}

func (d Deps) withDefaults() Deps {
	if d.DefaultPort == 0 {
		d.DefaultPort = 22
	}
	if d.CommandTimeout <= 0 {
		d.CommandTimeout = 5 * time.Minute
	}
	if d.PollInterval <= 0 {
		d.PollInterval = 5 * time.Second
	}
	if d.ServerTimeout <= 0 {
		d.ServerTimeout = 5 * time.Minute
	}
	if d.Parallelism <= 0 {
		d.Parallelism = 4
	}
	return d
}

const maxLoggedOutput = 512

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLoggedOutput {
		return s[:maxLoggedOutput] + "..."
	}
	return s
}

// ==================== RunNodeCommand ====================

type runNodeCommand struct{ deps Deps }

func (h *runNodeCommand) Kind() domain.TaskKind { return domain.TaskKindRunNodeCommand }

func (h *runNodeCommand) Validate(params domain.JSONB) error {
	if _, err := requireString(params, "host"); err != nil {
		return err
	}
	_, err := requireString(params, "command")
	return err
}

func (h *runNodeCommand) Execute(tc *services.TaskContext) domain.Result {
	params := tc.Params()
	node, name, err := nodeFromParams(params, h.deps)
	if err != nil {
		return domain.FailedErr("invalid_params", err)
	}
	cmd := params["command"].(string)

	ctx, cancel := context.WithTimeout(tc.Context(), h.deps.CommandTimeout)
	defer cancel()

	tc.Logger().Infow("node_command_start", "node", name, "host", node.Host)
	out, err := h.deps.Nodes.Run(ctx, node, cmd)
	if err != nil {
		if boolParam(params, "ignore_errors") {
			tc.Logger().Warnw("node_command_failed_ignored", "node", name, "error", err)
			return domain.OK()
		}
		tc.Logger().Errorw("node_command_failed", "node", name, "error", err, "output", truncate(out))
		return domain.Failed("node_command", fmt.Sprintf("%s: %v", name, err))
	}
	tc.Logger().Infow("node_command_ok", "node", name, "output", truncate(out))
	return domain.OK()
}

// ==================== UploadFile ====================

type uploadFile struct{ deps Deps }

func (h *uploadFile) Kind() domain.TaskKind { return domain.TaskKindUploadFile }

func (h *uploadFile) SensitiveKeys() []string { return []string{"content"} }

func (h *uploadFile) Validate(params domain.JSONB) error {
	for _, key := range []string{"host", "path", "content"} {
		if _, err := requireString(params, key); err != nil {
			return err
		}
	}
	return nil
}

func (h *uploadFile) Execute(tc *services.TaskContext) domain.Result {
	params := tc.Params()
	node, name, err := nodeFromParams(params, h.deps)
	if err != nil {
		return domain.FailedErr("invalid_params", err)
	}
	content, err := tc.Secret("content")
	if err != nil {
		return domain.FailedErr("secret", err)
	}
	path := params["path"].(string)
	mode := os.FileMode(intOr(params, "mode", 0o644))

	ctx, cancel := context.WithTimeout(tc.Context(), h.deps.CommandTimeout)
	defer cancel()

	if err := h.deps.Nodes.Upload(ctx, node, path, []byte(content), mode); err != nil {
		tc.Logger().Errorw("node_upload_failed", "node", name, "path", path, "error", err)
		return domain.Failed("upload", fmt.Sprintf("%s:%s: %v", name, path, err))
	}
	tc.Logger().Infow("node_upload_ok", "node", name, "path", path, "bytes", len(content))
	return domain.OK()
}

// ==================== WaitForServer ====================

type waitForServer struct{ deps Deps }

func (h *waitForServer) Kind() domain.TaskKind { return domain.TaskKindWaitForServer }

func (h *waitForServer) Validate(params domain.JSONB) error {
	_, err := requireString(params, "host")
	return err
}

// Execute polls the node until it answers or the task's own deadline passes.
func (h *waitForServer) Execute(tc *services.TaskContext) domain.Result {
	params := tc.Params()
	node, name, err := nodeFromParams(params, h.deps)
	if err != nil {
		return domain.FailedErr("invalid_params", err)
	}
	timeout := h.deps.ServerTimeout
	if secs := intOr(params, "timeout_seconds", 0); secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}
	interval := h.deps.PollInterval
	if ms := intOr(params, "interval_ms", 0); ms > 0 {
		interval = time.Duration(ms) * time.Millisecond
	}

	ctx, cancel := context.WithTimeout(tc.Context(), timeout)
	defer cancel()

	attempt := 0
	for {
		attempt++
		lastErr := h.deps.Nodes.Ping(ctx, node)
		if lastErr == nil {
			tc.Logger().Infow("node_reachable", "node", name, "attempts", attempt)
			return domain.OK()
		}
		tc.Logger().Debugw("node_not_ready", "node", name, "attempt", attempt, "error", lastErr)

		select {
		case <-ctx.Done():
			return domain.Failed("timeout", fmt.Sprintf("%s not reachable after %s (%d attempts): %v", name, timeout, attempt, lastErr))
		case <-time.After(interval):
		}
	}
}

// ==================== SetResourceMarker ====================

type setResourceMarker struct{ deps Deps }

func (h *setResourceMarker) Kind() domain.TaskKind { return domain.TaskKindSetResourceMarker }

func (h *setResourceMarker) Validate(params domain.JSONB) error {
	if _, ok := mapParam(params, "attributes"); !ok {
		return fmt.Errorf("%w: attributes", ErrMissingParam)
	}
	return nil
}

func (h *setResourceMarker) Execute(tc *services.TaskContext) domain.Result {
	attrs, _ := mapParam(tc.Params(), "attributes")
	if err := h.deps.Resources.MergeAttributes(tc.Context(), tc.Target(), domain.JSONB(attrs)); err != nil {
		return domain.FailedErr("resource_update", err)
	}
	return domain.OK()
}

// ==================== RemoveResourceEntry ====================

type removeResourceEntry struct{ deps Deps }

func (h *removeResourceEntry) Kind() domain.TaskKind { return domain.TaskKindRemoveResourceEntry }

func (h *removeResourceEntry) Validate(domain.JSONB) error { return nil }

func (h *removeResourceEntry) Execute(tc *services.TaskContext) domain.Result {
	if err := h.deps.Resources.Delete(tc.Context(), tc.Target()); err != nil {
		return domain.FailedErr("resource_delete", err)
	}
	tc.Logger().Infow("resource_removed", "target", tc.Target().String())
	return domain.OK()
}
