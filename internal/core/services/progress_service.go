package services

import (
	"context"
	"errors"

	"github.com/clusterctl/commissioner/internal/core/ports"
	"github.com/clusterctl/commissioner/internal/domain"
)

type progressService struct {
	tasks ports.TaskRepository
}

func NewProgressService(tasks ports.TaskRepository) ports.ProgressService {
	return &progressService{tasks: tasks}
}

func (s *progressService) load(ctx context.Context, taskID string) (*domain.Task, []domain.Task, error) {
	task, err := s.tasks.GetByID(ctx, taskID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil, ErrTaskNotFound
		}
		return nil, nil, err
	}
	subtasks, err := s.tasks.ListChildren(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	return task, subtasks, nil
}

// GetStatus is recomputed from the store on every call.
func (s *progressService) GetStatus(ctx context.Context, taskID string) (*domain.TaskStatus, error) {
	task, subtasks, err := s.load(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return &domain.TaskStatus{
		ID:               task.ID,
		Kind:             task.Kind,
		State:            task.State,
		PercentDone:      task.PercentDone,
		PercentCompleted: domain.PercentCompleted(subtasks),
		Phases:           domain.PhaseSummary(*task, subtasks),
		Target:           task.Target(),
		Error:            task.Error,
		CreatedAt:        task.CreatedAt,
		UpdatedAt:        task.UpdatedAt,
	}, nil
}

func (s *progressService) PercentCompleted(ctx context.Context, taskID string) (float64, error) {
	_, subtasks, err := s.load(ctx, taskID)
	if err != nil {
		return 0, err
	}
	return domain.PercentCompleted(subtasks), nil
}

func (s *progressService) PhaseSummary(ctx context.Context, taskID string) ([]domain.PhaseStatus, error) {
	task, subtasks, err := s.load(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return domain.PhaseSummary(*task, subtasks), nil
}

func (s *progressService) ListSubtasks(ctx context.Context, taskID string) ([]domain.Task, error) {
	_, subtasks, err := s.load(ctx, taskID)
	return subtasks, err
}
