package db

import (
	"context"
	"errors"
	"time"

	"github.com/clusterctl/commissioner/internal/core/ports"
	"github.com/clusterctl/commissioner/internal/domain"
	"github.com/clusterctl/commissioner/internal/infrastructure/logger"
	"gorm.io/gorm"
)

type auditRepository struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewAuditRepository(db *gorm.DB, log *logger.Logger) ports.AuditRepository {
	return &auditRepository{
		db:  db,
		log: log,
	}
}

func (r *auditRepository) Create(ctx context.Context, entry *domain.AuditEntry) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		r.log.Errorw("audit_repo_create_failed", "task_id", entry.TaskID, "verb", entry.Verb, "error", err)
		return err
	}
	r.log.Infow("audit_repo_create_ok", "id", entry.ID, "task_id", entry.TaskID, "verb", entry.Verb)
	return nil
}

func (r *auditRepository) GetByTaskID(ctx context.Context, taskID string) (*domain.AuditEntry, error) {
	var entry domain.AuditEntry
	err := r.db.WithContext(ctx).Where("task_id = ?", taskID).First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		r.log.Errorw("audit_repo_get_failed", "task_id", taskID, "error", err)
		return nil, err
	}
	return &entry, nil
}

func (r *auditRepository) MarkCompleted(ctx context.Context, taskID string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&domain.AuditEntry{}).
		Where("task_id = ? AND completed_at IS NULL", taskID).
		Update("completed_at", at)
	if res.Error != nil {
		r.log.Errorw("audit_repo_mark_completed_failed", "task_id", taskID, "error", res.Error)
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *auditRepository) ForceCompleteFor(ctx context.Context, ref domain.ResourceRef, at time.Time, reason string) ([]string, error) {
	var taskIDs []string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&domain.AuditEntry{}).
			Where("target_type = ? AND target_id = ? AND completed_at IS NULL", ref.Type, ref.ID).
			Pluck("task_id", &taskIDs).Error; err != nil {
			return err
		}
		if len(taskIDs) == 0 {
			return nil
		}
		if err := tx.Model(&domain.AuditEntry{}).
			Where("task_id IN ?", taskIDs).
			Update("completed_at", at).Error; err != nil {
			return err
		}
		if err := tx.Model(&domain.Task{}).
			Where("id IN ?", taskIDs).
			Updates(map[string]interface{}{
				"state":      domain.TaskStateFailure,
				"error":      reason,
				"updated_at": at,
			}).Error; err != nil {
			return err
		}
		// A stuck worker may never come back to release its flags.
		return tx.Where("holder_task_id IN ?", taskIDs).Delete(&domain.ResourceLock{}).Error
	})
	if err != nil {
		r.log.Errorw("audit_repo_force_complete_failed", "target", ref.String(), "error", err)
		return nil, err
	}
	r.log.Infow("audit_repo_force_complete_ok", "target", ref.String(), "count", len(taskIDs))
	return taskIDs, nil
}

func (r *auditRepository) ListByCustomer(ctx context.Context, customerID string, limit int) ([]domain.AuditEntry, error) {
	var entries []domain.AuditEntry
	err := r.db.WithContext(ctx).
		Where("customer_id = ?", customerID).
		Order("created_at desc").
		Order("id desc").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		r.log.Errorw("audit_repo_list_by_customer_failed", "customer_id", customerID, "error", err)
		return nil, err
	}
	return entries, nil
}

func (r *auditRepository) ListByResource(ctx context.Context, ref domain.ResourceRef, limit int) ([]domain.AuditEntry, error) {
	var entries []domain.AuditEntry
	err := r.db.WithContext(ctx).
		Where("target_type = ? AND target_id = ?", ref.Type, ref.ID).
		Order("created_at desc").
		Order("id desc").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		r.log.Errorw("audit_repo_list_by_resource_failed", "target", ref.String(), "error", err)
		return nil, err
	}
	return entries, nil
}
