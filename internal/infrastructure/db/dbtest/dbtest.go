// Package dbtest opens a migrated throwaway database for tests.
package dbtest

import (
	"path/filepath"
	"testing"

	"github.com/clusterctl/commissioner/internal/config"
	"github.com/clusterctl/commissioner/internal/infrastructure/db"
	"github.com/clusterctl/commissioner/internal/infrastructure/logger"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func New(t testing.TB) *gorm.DB {
	t.Helper()

	cfg := config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "commissioner.db"),
	}
	database, err := db.NewConnection(cfg, logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, db.RunMigrations(database))

	t.Cleanup(func() {
		_ = db.Close(database)
	})
	return database
}
