package ports

import (
	"context"
	"os"

	"github.com/clusterctl/commissioner/internal/domain"
)

type Commissioner interface {
	Submit(ctx context.Context, input SubmitInput) (string, error)
}

type SubmitInput struct {
	Kind     domain.TaskKind
	Params   domain.JSONB
	Resource domain.ResourceRef
	// ExpectedVersion of -1 skips the optimistic version check.
	ExpectedVersion int64
	CustomerID      string
	DisplayName     string
}

type ProgressService interface {
	GetStatus(ctx context.Context, taskID string) (*domain.TaskStatus, error)
	PercentCompleted(ctx context.Context, taskID string) (float64, error)
	PhaseSummary(ctx context.Context, taskID string) ([]domain.PhaseStatus, error)
	ListSubtasks(ctx context.Context, taskID string) ([]domain.Task, error)
}

type AuditLedger interface {
	RecordSubmission(ctx context.Context, task *domain.Task, customerID string, verb domain.AuditVerb, displayName string) (*domain.AuditEntry, error)
	MarkCompleted(ctx context.Context, taskID string) (bool, error)
	ForceCompleteAllFor(ctx context.Context, ref domain.ResourceRef) (int, error)
	ListByCustomer(ctx context.Context, customerID string) ([]domain.AuditEntry, error)
	ListByResource(ctx context.Context, ref domain.ResourceRef) ([]domain.AuditEntry, error)
}

type LockManager interface {
	Admit(ctx context.Context, ref domain.ResourceRef, expectedVersion int64, policy domain.AdmissionPolicy, holderTaskID string) (int64, error)
	Release(ctx context.Context, ref domain.ResourceRef, holderTaskID string) error
	State(ctx context.Context, ref domain.ResourceRef) (*domain.ResourceState, error)
}

type RecoveryService interface {
	OwnerID() string
	Register(ctx context.Context) error
	Scan(ctx context.Context) (int, error)
	Run(ctx context.Context)
}

// NodeTarget addresses a single database node reachable over SSH.
type NodeTarget struct {
	Host string
	Port int
	User string
}

func (n NodeTarget) WithDefaults(user string, port int) NodeTarget {
	if n.User == "" {
		n.User = user
	}
	if n.Port == 0 {
		n.Port = port
	}
	return n
}

// NodeOperator is the transport leaf tasks use to act on nodes.
type NodeOperator interface {
	Run(ctx context.Context, node NodeTarget, cmd string) (string, error)
	Upload(ctx context.Context, node NodeTarget, remotePath string, content []byte, mode os.FileMode) error
	Ping(ctx context.Context, node NodeTarget) error
}
