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

type taskRepository struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTaskRepository(db *gorm.DB, log *logger.Logger) ports.TaskRepository {
	return &taskRepository{
		db:  db,
		log: log,
	}
}

func (r *taskRepository) Create(ctx context.Context, task *domain.Task) error {
	if err := r.db.WithContext(ctx).Create(task).Error; err != nil {
		r.log.Errorw("task_repo_create_failed", "id", task.ID, "kind", task.Kind, "error", err)
		return err
	}
	r.log.Debugw("task_repo_create_ok", "id", task.ID, "kind", task.Kind, "position", task.Position)
	return nil
}

func (r *taskRepository) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	var task domain.Task
	err := r.db.WithContext(ctx).First(&task, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		r.log.Errorw("task_repo_get_failed", "id", id, "error", err)
		return nil, err
	}
	return &task, nil
}

func (r *taskRepository) ListChildren(ctx context.Context, parentID string) ([]domain.Task, error) {
	var tasks []domain.Task
	err := r.db.WithContext(ctx).
		Where("parent_id = ?", parentID).
		Order("position asc").
		Find(&tasks).Error
	if err != nil {
		r.log.Errorw("task_repo_list_children_failed", "parent_id", parentID, "error", err)
		return nil, err
	}
	return tasks, nil
}

// Transition is a compare-and-set on the state column. Success also pins
// percent_done to 100.
func (r *taskRepository) Transition(ctx context.Context, id string, from []domain.TaskState, to domain.TaskState, errMsg string) error {
	updates := map[string]interface{}{
		"state":      to,
		"updated_at": time.Now(),
	}
	if errMsg != "" {
		updates["error"] = errMsg
	}
	if to == domain.TaskStateSuccess {
		updates["percent_done"] = 100
	}

	res := r.db.WithContext(ctx).
		Model(&domain.Task{}).
		Where("id = ? AND state IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		r.log.Errorw("task_repo_transition_failed", "id", id, "to", to, "error", res.Error)
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return domain.ErrStaleState
	}
	r.log.Debugw("task_repo_transition_ok", "id", id, "to", to)
	return nil
}

func (r *taskRepository) UpdatePercent(ctx context.Context, id string, percent int) error {
	err := r.db.WithContext(ctx).
		Model(&domain.Task{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"percent_done": percent, "updated_at": time.Now()}).Error
	if err != nil {
		r.log.Errorw("task_repo_update_percent_failed", "id", id, "error", err)
		return err
	}
	return nil
}

func (r *taskRepository) ListNonTerminal(ctx context.Context) ([]domain.Task, error) {
	var tasks []domain.Task
	err := r.db.WithContext(ctx).
		Where("state IN ?", []domain.TaskState{domain.TaskStateCreated, domain.TaskStateInitializing, domain.TaskStateRunning}).
		Order("created_at asc").
		Find(&tasks).Error
	if err != nil {
		r.log.Errorw("task_repo_list_non_terminal_failed", "error", err)
		return nil, err
	}
	r.log.Debugw("task_repo_list_non_terminal_ok", "count", len(tasks))
	return tasks, nil
}
