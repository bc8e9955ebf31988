package db

import (
	"github.com/clusterctl/commissioner/internal/domain"
	"gorm.io/gorm"
)

func RunMigrations(db *gorm.DB) error {
	err := db.AutoMigrate(
		&domain.Task{},
		&domain.AuditEntry{},
		&domain.Resource{},
		&domain.ResourceLock{},
		&domain.TaskOwner{},
	)
	if err != nil {
		return err
	}

	if err := createCustomIndexes(db); err != nil {
		return err
	}

	return nil
}

type customIndex struct {
	model interface{}
	name  string
	sql   string
}

var customIndexes = []customIndex{
	// Siblings are unique per position; roots all carry a NULL parent.
	{&domain.Task{}, "idx_tasks_parent_position", `CREATE UNIQUE INDEX idx_tasks_parent_position ON tasks (parent_id, position)`},
	{&domain.AuditEntry{}, "idx_audit_entries_target", `CREATE INDEX idx_audit_entries_target ON audit_entries (target_type, target_id)`},
}

// createCustomIndexes goes through the migrator so the same statements work on
// postgres, mysql and sqlite.
func createCustomIndexes(db *gorm.DB) error {
	for _, idx := range customIndexes {
		if db.Migrator().HasIndex(idx.model, idx.name) {
			continue
		}
		if err := db.Exec(idx.sql).Error; err != nil {
			return err
		}
	}
	return nil
}
