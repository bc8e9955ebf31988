package ports

import (
	"context"
	"time"

	"github.com/clusterctl/commissioner/internal/domain"
)

type TaskRepository interface {
	Create(ctx context.Context, task *domain.Task) error
	GetByID(ctx context.Context, id string) (*domain.Task, error)
	// ListChildren returns direct children ordered by position.
	ListChildren(ctx context.Context, parentID string) ([]domain.Task, error)
	// Transition moves a task to state to only if it is currently in one of from.
	// Returns domain.ErrStaleState when no row matched.
	Transition(ctx context.Context, id string, from []domain.TaskState, to domain.TaskState, errMsg string) error
	UpdatePercent(ctx context.Context, id string, percent int) error
	ListNonTerminal(ctx context.Context) ([]domain.Task, error)
}

type AuditRepository interface {
	Create(ctx context.Context, entry *domain.AuditEntry) error
	GetByTaskID(ctx context.Context, taskID string) (*domain.AuditEntry, error)
	// MarkCompleted stamps completed_at if it is still empty and reports whether it did.
	MarkCompleted(ctx context.Context, taskID string, at time.Time) (bool, error)
	// ForceCompleteFor completes every open entry of the resource, forces the
	// associated tasks to Failure and drops the flags they hold, in one
	// transaction. Returns the affected task ids.
	ForceCompleteFor(ctx context.Context, ref domain.ResourceRef, at time.Time, reason string) ([]string, error)
	ListByCustomer(ctx context.Context, customerID string, limit int) ([]domain.AuditEntry, error)
	ListByResource(ctx context.Context, ref domain.ResourceRef, limit int) ([]domain.AuditEntry, error)
}

// ResourceLookup answers existence questions for the collaborator that owns resources.
type ResourceLookup interface {
	Exists(ctx context.Context, ref domain.ResourceRef) (bool, error)
}

type ResourceRepository interface {
	ResourceLookup
	// Admit checks and sets busy flags and bumps the version atomically.
	Admit(ctx context.Context, ref domain.ResourceRef, expectedVersion int64, policy domain.AdmissionPolicy, holderTaskID string) (int64, error)
	// Release drops the lock rows held by the given task and returns how many went.
	Release(ctx context.Context, ref domain.ResourceRef, holderTaskID string) (int, error)
	Get(ctx context.Context, ref domain.ResourceRef) (*domain.Resource, []domain.ResourceLock, error)
	MergeAttributes(ctx context.Context, ref domain.ResourceRef, attrs domain.JSONB) error
	Delete(ctx context.Context, ref domain.ResourceRef) error
}

type OwnerRepository interface {
	Register(ctx context.Context, owner *domain.TaskOwner) error
	Heartbeat(ctx context.Context, id string, at time.Time) error
	ListLive(ctx context.Context, since time.Time) ([]string, error)
}
