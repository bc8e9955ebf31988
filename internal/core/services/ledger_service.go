package services

import (
	"context"
	"errors"
	"time"

	"github.com/clusterctl/commissioner/internal/core/ports"
	"github.com/clusterctl/commissioner/internal/domain"
	"github.com/clusterctl/commissioner/internal/infrastructure/logger"
)

const (
	defaultAuditListLimit = 100
	forceCompletedReason  = "force_completed: superseded by a forced operation on the resource"
)

type LedgerServiceConfig struct {
	Audit     ports.AuditRepository
	Tasks     ports.TaskRepository
	Logger    *logger.Logger
	ListLimit int
}

type ledgerService struct {
	audit ports.AuditRepository
	tasks ports.TaskRepository
	log   *logger.Logger
	limit int
	now   func() time.Time
}

func NewLedgerService(cfg LedgerServiceConfig) ports.AuditLedger {
	limit := cfg.ListLimit
	if limit <= 0 {
		limit = defaultAuditListLimit
	}
	return &ledgerService{
		audit: cfg.Audit,
		tasks: cfg.Tasks,
		log:   cfg.Logger.Named("ledger"),
		limit: limit,
		now:   time.Now,
	}
}

func (s *ledgerService) RecordSubmission(ctx context.Context, task *domain.Task, customerID string, verb domain.AuditVerb, displayName string) (*domain.AuditEntry, error) {
	entry := &domain.AuditEntry{
		CustomerID:  customerID,
		TaskID:      task.ID,
		TargetType:  task.TargetType,
		TargetID:    task.TargetID,
		Verb:        verb,
		DisplayName: displayName,
		CreatedAt:   s.now(),
	}
	if err := s.audit.Create(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// MarkCompleted closes the entry once its task is terminal. Calling it again, or
// before the task finished, does nothing.
func (s *ledgerService) MarkCompleted(ctx context.Context, taskID string) (bool, error) {
	task, err := s.tasks.GetByID(ctx, taskID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, ErrTaskNotFound
		}
		return false, err
	}
	if !task.State.IsTerminal() {
		s.log.Debugw("ledger_mark_completed_skipped", "task_id", taskID, "state", task.State)
		return false, nil
	}
	done, err := s.audit.MarkCompleted(ctx, taskID, s.now())
	if err != nil {
		return false, err
	}
	if done {
		s.log.Infow("ledger_entry_completed", "task_id", taskID, "state", task.State)
	}
	return done, nil
}

// ForceCompleteAllFor closes every open entry of the resource and fails its task,
// whatever state the task was in. Running workers are not stopped.
func (s *ledgerService) ForceCompleteAllFor(ctx context.Context, ref domain.ResourceRef) (int, error) {
	ids, err := s.audit.ForceCompleteFor(ctx, ref, s.now(), forceCompletedReason)
	if err != nil {
		return 0, err
	}
	if len(ids) > 0 {
		s.log.Warnw("ledger_force_completed", "target", ref.String(), "count", len(ids), "task_ids", ids)
	}
	return len(ids), nil
}

func (s *ledgerService) ListByCustomer(ctx context.Context, customerID string) ([]domain.AuditEntry, error) {
	return s.audit.ListByCustomer(ctx, customerID, s.limit)
}

func (s *ledgerService) ListByResource(ctx context.Context, ref domain.ResourceRef) ([]domain.AuditEntry, error) {
	return s.audit.ListByResource(ctx, ref, s.limit)
}
