package services

import (
	"context"
	"errors"

	"github.com/clusterctl/commissioner/internal/core/ports"
	"github.com/clusterctl/commissioner/internal/domain"
	"github.com/clusterctl/commissioner/internal/infrastructure/logger"
)

type lockManager struct {
	repo ports.ResourceRepository
	log  *logger.Logger
}

func NewLockManager(repo ports.ResourceRepository, log *logger.Logger) ports.LockManager {
	return &lockManager{repo: repo, log: log.Named("locks")}
}

// Admit translates store-level refusals into submission errors.
func (m *lockManager) Admit(ctx context.Context, ref domain.ResourceRef, expectedVersion int64, policy domain.AdmissionPolicy, holderTaskID string) (int64, error) {
	version, err := m.repo.Admit(ctx, ref, expectedVersion, policy, holderTaskID)
	switch {
	case err == nil:
		return version, nil
	case errors.Is(err, domain.ErrFlagHeld):
		return 0, rejected(ReasonResourceBusy, ErrResourceBusy, "%s", ref.String())
	case errors.Is(err, domain.ErrVersionMismatch):
		return 0, rejected(ReasonVersionConflict, ErrVersionConflict, "%s expected version %d", ref.String(), expectedVersion)
	case errors.Is(err, domain.ErrNotFound):
		return 0, rejected(ReasonResourceNotFound, ErrResourceNotFound, "%s", ref.String())
	default:
		return 0, rejected(ReasonInternal, ErrSubmissionInternal, "admit %s: %v", ref.String(), err)
	}
}

func (m *lockManager) Release(ctx context.Context, ref domain.ResourceRef, holderTaskID string) error {
	if ref.IsZero() {
		return nil
	}
	_, err := m.repo.Release(ctx, ref, holderTaskID)
	return err
}

func (m *lockManager) State(ctx context.Context, ref domain.ResourceRef) (*domain.ResourceState, error) {
	res, locks, err := m.repo.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	flags := map[domain.BusyFlag]bool{
		domain.BusyFlagUpdateInProgress: false,
		domain.BusyFlagBackupInProgress: false,
	}
	for _, l := range locks {
		flags[l.Flag] = true
	}
	return &domain.ResourceState{
		Ref:     ref,
		Version: res.Version,
		Locks:   locks,
		Flags:   flags,
	}, nil
}
