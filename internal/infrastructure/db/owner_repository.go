package db

import (
	"context"
	"time"

	"github.com/clusterctl/commissioner/internal/core/ports"
	"github.com/clusterctl/commissioner/internal/domain"
	"github.com/clusterctl/commissioner/internal/infrastructure/logger"
	"gorm.io/gorm"
)

type ownerRepository struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewOwnerRepository(db *gorm.DB, log *logger.Logger) ports.OwnerRepository {
	return &ownerRepository{
		db:  db,
		log: log,
	}
}

func (r *ownerRepository) Register(ctx context.Context, owner *domain.TaskOwner) error {
	if err := r.db.WithContext(ctx).Save(owner).Error; err != nil {
		r.log.Errorw("owner_repo_register_failed", "id", owner.ID, "error", err)
		return err
	}
	r.log.Infow("owner_repo_register_ok", "id", owner.ID, "hostname", owner.Hostname, "pid", owner.PID)
	return nil
}

func (r *ownerRepository) Heartbeat(ctx context.Context, id string, at time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&domain.TaskOwner{}).
		Where("id = ?", id).
		Update("heartbeat_at", at)
	if res.Error != nil {
		r.log.Errorw("owner_repo_heartbeat_failed", "id", id, "error", res.Error)
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *ownerRepository) ListLive(ctx context.Context, since time.Time) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&domain.TaskOwner{}).
		Where("heartbeat_at > ?", since).
		Pluck("id", &ids).Error
	if err != nil {
		r.log.Errorw("owner_repo_list_live_failed", "error", err)
		return nil, err
	}
	return ids, nil
}
