package db

import (
	"context"
	"errors"
	"time"

	"github.com/clusterctl/commissioner/internal/core/ports"
	"github.com/clusterctl/commissioner/internal/domain"
	"github.com/clusterctl/commissioner/internal/infrastructure/logger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type resourceRepository struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewResourceRepository(db *gorm.DB, log *logger.Logger) ports.ResourceRepository {
	return &resourceRepository{
		db:  db,
		log: log,
	}
}

func whereRef(tx *gorm.DB, ref domain.ResourceRef) *gorm.DB {
	return tx.Where("type = ? AND id = ?", ref.Type, ref.ID)
}

func whereLockRef(tx *gorm.DB, ref domain.ResourceRef) *gorm.DB {
	return tx.Where("resource_type = ? AND resource_id = ?", ref.Type, ref.ID)
}

func (r *resourceRepository) Exists(ctx context.Context, ref domain.ResourceRef) (bool, error) {
	var count int64
	if err := whereRef(r.db.WithContext(ctx).Model(&domain.Resource{}), ref).Count(&count).Error; err != nil {
		r.log.Errorw("resource_repo_exists_failed", "target", ref.String(), "error", err)
		return false, err
	}
	return count > 0, nil
}

// Admit runs the whole admission decision under a row lock on the resource.
// Busy flags are checked before the version so that two racing submissions with
// the same expected version see a busy resource rather than a version conflict.
func (r *resourceRepository) Admit(ctx context.Context, ref domain.ResourceRef, expectedVersion int64, policy domain.AdmissionPolicy, holderTaskID string) (int64, error) {
	var newVersion int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if policy.CreateIfMissing {
			now := time.Now()
			seed := domain.Resource{ID: ref.ID, Type: ref.Type, CreatedAt: now, UpdatedAt: now}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
				return err
			}
		}

		var res domain.Resource
		err := whereRef(tx.Clauses(clause.Locking{Strength: "UPDATE"}), ref).First(&res).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}

		var locks []domain.ResourceLock
		if err := whereLockRef(tx, ref).Find(&locks).Error; err != nil {
			return err
		}
		held := make(map[domain.BusyFlag]domain.ResourceLock, len(locks))
		for _, l := range locks {
			held[l.Flag] = l
		}

		if !policy.Force {
			for _, flag := range policy.RequireClear {
				if _, ok := held[flag]; ok {
					return domain.ErrFlagHeld
				}
			}
		}
		if expectedVersion != -1 && res.Version != expectedVersion {
			return domain.ErrVersionMismatch
		}

		for _, flag := range policy.Set {
			if existing, ok := held[flag]; ok {
				if !policy.Force {
					return domain.ErrFlagHeld
				}
				if err := tx.Model(&domain.ResourceLock{}).
					Where("id = ?", existing.ID).
					Update("holder_task_id", holderTaskID).Error; err != nil {
					return err
				}
				continue
			}
			lock := domain.ResourceLock{
				ResourceID:   ref.ID,
				ResourceType: ref.Type,
				Flag:         flag,
				HolderTaskID: holderTaskID,
			}
			if err := tx.Create(&lock).Error; err != nil {
				return err
			}
		}

		newVersion = res.Version + 1
		return whereRef(tx.Model(&domain.Resource{}), ref).
			Updates(map[string]interface{}{"version": newVersion, "updated_at": time.Now()}).Error
	})
	if err != nil {
		if errors.Is(err, domain.ErrFlagHeld) || errors.Is(err, domain.ErrVersionMismatch) || errors.Is(err, domain.ErrNotFound) {
			r.log.Infow("resource_repo_admit_rejected", "target", ref.String(), "expected_version", expectedVersion, "reason", err)
			return 0, err
		}
		r.log.Errorw("resource_repo_admit_failed", "target", ref.String(), "error", err)
		return 0, err
	}
	r.log.Infow("resource_repo_admit_ok", "target", ref.String(), "holder", holderTaskID, "version", newVersion, "force", policy.Force)
	return newVersion, nil
}

func (r *resourceRepository) Release(ctx context.Context, ref domain.ResourceRef, holderTaskID string) (int, error) {
	res := whereLockRef(r.db.WithContext(ctx), ref).
		Where("holder_task_id = ?", holderTaskID).
		Delete(&domain.ResourceLock{})
	if res.Error != nil {
		r.log.Errorw("resource_repo_release_failed", "target", ref.String(), "holder", holderTaskID, "error", res.Error)
		return 0, res.Error
	}
	r.log.Infow("resource_repo_release_ok", "target", ref.String(), "holder", holderTaskID, "released", res.RowsAffected)
	return int(res.RowsAffected), nil
}

func (r *resourceRepository) Get(ctx context.Context, ref domain.ResourceRef) (*domain.Resource, []domain.ResourceLock, error) {
	var res domain.Resource
	err := whereRef(r.db.WithContext(ctx), ref).First(&res).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, domain.ErrNotFound
		}
		r.log.Errorw("resource_repo_get_failed", "target", ref.String(), "error", err)
		return nil, nil, err
	}

	var locks []domain.ResourceLock
	if err := whereLockRef(r.db.WithContext(ctx), ref).Order("flag asc").Find(&locks).Error; err != nil {
		r.log.Errorw("resource_repo_get_locks_failed", "target", ref.String(), "error", err)
		return nil, nil, err
	}
	return &res, locks, nil
}

func (r *resourceRepository) MergeAttributes(ctx context.Context, ref domain.ResourceRef, attrs domain.JSONB) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var res domain.Resource
		err := whereRef(tx.Clauses(clause.Locking{Strength: "UPDATE"}), ref).First(&res).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		merged := res.Attributes.Clone()
		for k, v := range attrs {
			merged[k] = v
		}
		return whereRef(tx.Model(&domain.Resource{}), ref).
			Updates(map[string]interface{}{"attributes": merged, "updated_at": time.Now()}).Error
	})
	if err != nil {
		r.log.Errorw("resource_repo_merge_attributes_failed", "target", ref.String(), "error", err)
		return err
	}
	r.log.Infow("resource_repo_merge_attributes_ok", "target", ref.String(), "keys", len(attrs))
	return nil
}

func (r *resourceRepository) Delete(ctx context.Context, ref domain.ResourceRef) error {
	if err := whereRef(r.db.WithContext(ctx), ref).Delete(&domain.Resource{}).Error; err != nil {
		r.log.Errorw("resource_repo_delete_failed", "target", ref.String(), "error", err)
		return err
	}
	r.log.Infow("resource_repo_delete_ok", "target", ref.String())
	return nil
}
