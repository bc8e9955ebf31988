package dto

import (
	"strings"
	"time"

	"github.com/clusterctl/commissioner/internal/domain"
)

type ErrorResponse struct {
	Error   string   `json:"error"`
	Reason  string   `json:"reason,omitempty"`
	Details []string `json:"details,omitempty"`
}

type SubmitTaskRequest struct {
	Kind         string `json:"kind" validate:"required"`
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id" validate:"required"`
	// ExpectedVersion may be omitted to skip the optimistic version check.
	ExpectedVersion *int64       `json:"expected_version,omitempty"`
	DisplayName     string       `json:"display_name"`
	Params          domain.JSONB `json:"params"`
}

func (r *SubmitTaskRequest) Validate() []string {
	var errors []string

	if strings.TrimSpace(r.Kind) == "" {
		errors = append(errors, "kind is required")
	}
	if strings.TrimSpace(r.ResourceID) == "" {
		errors = append(errors, "resource_id is required")
	}
	if r.ExpectedVersion != nil && *r.ExpectedVersion < -1 {
		errors = append(errors, "expected_version must be -1 or greater")
	}

	return errors
}

func (r *SubmitTaskRequest) Resource() domain.ResourceRef {
	rtype := r.ResourceType
	if rtype == "" {
		rtype = domain.ResourceTypeCluster
	}
	return domain.ResourceRef{Type: rtype, ID: r.ResourceID}
}

func (r *SubmitTaskRequest) GetExpectedVersion() int64 {
	if r.ExpectedVersion == nil {
		return -1
	}
	return *r.ExpectedVersion
}

type SubmitTaskResponse struct {
	TaskID string `json:"task_id"`
}

// SubtaskResponse leaves out details; they may hold sealed secrets.
type SubtaskResponse struct {
	ID           string              `json:"id"`
	Position     int                 `json:"position"`
	Kind         domain.TaskKind     `json:"kind"`
	State        domain.TaskState    `json:"state"`
	SubTaskGroup domain.SubTaskGroup `json:"subtask_group,omitempty"`
	PercentDone  int                 `json:"percent_done"`
	Error        string              `json:"error,omitempty"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

func SubtasksToResponse(tasks []domain.Task) []SubtaskResponse {
	out := make([]SubtaskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, SubtaskResponse{
			ID:           t.ID,
			Position:     t.Position,
			Kind:         t.Kind,
			State:        t.State,
			SubTaskGroup: t.SubTaskGroup,
			PercentDone:  t.PercentDone,
			Error:        t.Error,
			UpdatedAt:    t.UpdatedAt,
		})
	}
	return out
}

type LockResponse struct {
	Flag         domain.BusyFlag `json:"flag"`
	HolderTaskID string          `json:"holder_task_id"`
	AcquiredAt   time.Time       `json:"acquired_at"`
}

type ResourceStateResponse struct {
	Type    string                   `json:"type"`
	ID      string                   `json:"id"`
	Version int64                    `json:"version"`
	Flags   map[domain.BusyFlag]bool `json:"flags"`
	Locks   []LockResponse           `json:"locks"`
}

func ResourceStateToResponse(s *domain.ResourceState) ResourceStateResponse {
	locks := make([]LockResponse, 0, len(s.Locks))
	for _, l := range s.Locks {
		locks = append(locks, LockResponse{Flag: l.Flag, HolderTaskID: l.HolderTaskID, AcquiredAt: l.CreatedAt})
	}
	return ResourceStateResponse{
		Type:    s.Ref.Type,
		ID:      s.Ref.ID,
		Version: s.Version,
		Flags:   s.Flags,
		Locks:   locks,
	}
}

type ForceCompleteResponse struct {
	Completed int `json:"completed"`
}
