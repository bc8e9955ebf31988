package services

import (
	"context"
	"errors"

	"github.com/clusterctl/commissioner/internal/core/ports"
	"github.com/clusterctl/commissioner/internal/domain"
	"github.com/clusterctl/commissioner/internal/infrastructure/logger"
	"github.com/clusterctl/commissioner/internal/infrastructure/metrics"
	"github.com/google/uuid"
)

type CommissionerConfig struct {
	Registry *Registry
	Executor *Executor
	Runner   *TaskRunner
	Tasks    ports.TaskRepository
	Locks    ports.LockManager
	Ledger   ports.AuditLedger
	Lookup   ports.ResourceLookup
	Logger   *logger.Logger
}

type commissioner struct {
	registry *Registry
	executor *Executor
	runner   *TaskRunner
	tasks    ports.TaskRepository
	locks    ports.LockManager
	ledger   ports.AuditLedger
	lookup   ports.ResourceLookup
	log      *logger.Logger
}

func NewCommissioner(cfg CommissionerConfig) ports.Commissioner {
	return &commissioner{
		registry: cfg.Registry,
		executor: cfg.Executor,
		runner:   cfg.Runner,
		tasks:    cfg.Tasks,
		locks:    cfg.Locks,
		ledger:   cfg.Ledger,
		lookup:   cfg.Lookup,
		log:      cfg.Logger.Named("commissioner"),
	}
}

// Submit admits a root task and queues it. It returns as soon as the task is
// recorded; execution happens on an executor worker. Every rejection happens
// before the task row is written.
func (c *commissioner) Submit(ctx context.Context, in ports.SubmitInput) (string, error) {
	kind := string(in.Kind)
	ref := in.Resource

	h, ok := c.registry.Root(in.Kind)
	if !ok {
		return "", c.reject(in, rejected(ReasonInvalidParams, ErrInvalidParams, "unknown task kind %q", kind))
	}
	if ref.IsZero() {
		return "", c.reject(in, rejected(ReasonInvalidParams, ErrInvalidParams, "resource reference is required"))
	}
	params := in.Params
	if params == nil {
		params = domain.JSONB{}
	}
	if err := h.Validate(params); err != nil {
		return "", c.reject(in, rejected(ReasonInvalidParams, ErrInvalidParams, "%v", err))
	}

	policy := h.Policy(params)
	if !policy.CreateIfMissing {
		exists, err := c.lookup.Exists(ctx, ref)
		if err != nil {
			return "", c.reject(in, rejected(ReasonInternal, ErrSubmissionInternal, "lookup %s: %v", ref.String(), err))
		}
		if !exists {
			return "", c.reject(in, rejected(ReasonResourceNotFound, ErrResourceNotFound, "%s", ref.String()))
		}
	}

	if holder, ok := h.(SecretHolder); ok {
		sealed, err := c.runner.cipher.seal(params, holder.SensitiveKeys())
		if err != nil {
			return "", c.reject(in, rejected(ReasonInternal, ErrSubmissionInternal, "%v", err))
		}
		params = sealed
	}

	ticket, err := c.executor.Reserve()
	if err != nil {
		if errors.Is(err, ErrExecutorSaturated) {
			return "", c.reject(in, rejected(ReasonExecutorSaturated, ErrExecutorSaturated, ""))
		}
		return "", c.reject(in, rejected(ReasonInternal, ErrSubmissionInternal, "%v", err))
	}

	expected := in.ExpectedVersion
	if policy.Force {
		expected = -1
		n, err := c.ledger.ForceCompleteAllFor(ctx, ref)
		if err != nil {
			ticket.Release()
			return "", c.reject(in, rejected(ReasonInternal, ErrSubmissionInternal, "force complete %s: %v", ref.String(), err))
		}
		c.log.Warnw("submit_force_completed_previous", "target", ref.String(), "count", n)
	}

	taskID := uuid.New().String()
	c.runner.track(taskID)
	dispatched := false
	defer func() {
		if !dispatched {
			c.runner.untrack(taskID)
		}
	}()

	version, err := c.locks.Admit(ctx, ref, expected, policy, taskID)
	if err != nil {
		ticket.Release()
		return "", c.reject(in, err)
	}

	task := &domain.Task{
		ID:         taskID,
		Position:   -1,
		Kind:       in.Kind,
		State:      domain.TaskStateCreated,
		Details:    params,
		Owner:      c.runner.owner,
		TargetType: ref.Type,
		TargetID:   ref.ID,
	}
	if err := c.tasks.Create(ctx, task); err != nil {
		c.unwind(ctx, ref, taskID, ticket)
		return "", c.reject(in, rejected(ReasonInternal, ErrSubmissionInternal, "create task: %v", err))
	}

	if _, err := c.ledger.RecordSubmission(ctx, task, in.CustomerID, h.Verb(), in.DisplayName); err != nil {
		c.abandon(ctx, task, "audit: "+err.Error())
		c.unwind(ctx, ref, taskID, ticket)
		return "", c.reject(in, rejected(ReasonInternal, ErrSubmissionInternal, "record audit entry: %v", err))
	}

	if err := ticket.Dispatch(taskID, func(ctx context.Context) {
		c.runner.RunRoot(ctx, taskID)
	}); err != nil {
		c.abandon(ctx, task, "dispatch: "+err.Error())
		c.unwind(ctx, ref, taskID, nil)
		if _, merr := c.ledger.MarkCompleted(ctx, taskID); merr != nil {
			c.log.Errorw("submit_audit_complete_failed", "task_id", taskID, "error", merr)
		}
		return "", c.reject(in, rejected(ReasonInternal, ErrSubmissionInternal, "%v", err))
	}
	dispatched = true

	metrics.TaskSubmitted(kind)
	c.log.Infow("submit_ok",
		"task_id", taskID,
		"kind", kind,
		"target", ref.String(),
		"version", version,
		"customer_id", in.CustomerID,
		"force", policy.Force,
	)
	return taskID, nil
}

func (c *commissioner) reject(in ports.SubmitInput, err error) error {
	reason := ReasonInternal
	var se *SubmissionError
	if errors.As(err, &se) {
		reason = se.Reason
	}
	metrics.SubmissionRejected(string(in.Kind), reason)
	c.log.Warnw("submit_rejected", "kind", in.Kind, "target", in.Resource.String(), "reason", reason, "error", err)
	return err
}

func (c *commissioner) unwind(ctx context.Context, ref domain.ResourceRef, taskID string, ticket *Ticket) {
	if err := c.locks.Release(ctx, ref, taskID); err != nil {
		c.log.Errorw("submit_unwind_release_failed", "task_id", taskID, "error", err)
	}
	if ticket != nil {
		ticket.Release()
	}
}

func (c *commissioner) abandon(ctx context.Context, task *domain.Task, reason string) {
	if err := c.tasks.Transition(ctx, task.ID, []domain.TaskState{domain.TaskStateCreated}, domain.TaskStateFailure, reason); err != nil {
		c.log.Errorw("submit_abandon_failed", "task_id", task.ID, "error", err)
	}
}
