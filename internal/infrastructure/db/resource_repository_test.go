package db_test

import (
	"context"
	"sync"
	"testing"

	"github.com/clusterctl/commissioner/internal/domain"
	"github.com/clusterctl/commissioner/internal/infrastructure/db"
	"github.com/clusterctl/commissioner/internal/infrastructure/db/dbtest"
	"github.com/clusterctl/commissioner/internal/infrastructure/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	clusterRef = domain.ResourceRef{Type: domain.ResourceTypeCluster, ID: "u-1"}

	mutatePolicy = domain.AdmissionPolicy{
		RequireClear: []domain.BusyFlag{domain.BusyFlagUpdateInProgress, domain.BusyFlagBackupInProgress},
		Set:          []domain.BusyFlag{domain.BusyFlagUpdateInProgress},
	}
	backupPolicy = domain.AdmissionPolicy{
		RequireClear: []domain.BusyFlag{domain.BusyFlagUpdateInProgress, domain.BusyFlagBackupInProgress},
		Set:          []domain.BusyFlag{domain.BusyFlagBackupInProgress},
	}
)

func TestResourceRepository_AdmitCreatesAndBumpsVersion(t *testing.T) {
	ctx := context.Background()
	repo := db.NewResourceRepository(dbtest.New(t), logger.NewNop())

	policy := mutatePolicy
	policy.CreateIfMissing = true
	version, err := repo.Admit(ctx, clusterRef, 0, policy, "t-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)

	res, locks, err := repo.Get(ctx, clusterRef)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Version)
	require.Len(t, locks, 1)
	assert.Equal(t, domain.BusyFlagUpdateInProgress, locks[0].Flag)
	assert.Equal(t, "t-1", locks[0].HolderTaskID)
}

func TestResourceRepository_AdmitMissingResource(t *testing.T) {
	repo := db.NewResourceRepository(dbtest.New(t), logger.NewNop())

	_, err := repo.Admit(context.Background(), clusterRef, -1, mutatePolicy, "t-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestResourceRepository_BusyBeforeVersion(t *testing.T) {
	ctx := context.Background()
	repo := db.NewResourceRepository(dbtest.New(t), logger.NewNop())

	policy := mutatePolicy
	policy.CreateIfMissing = true
	_, err := repo.Admit(ctx, clusterRef, 0, policy, "t-1")
	require.NoError(t, err)

	// Stale version and busy flag together report busy.
	_, err = repo.Admit(ctx, clusterRef, 0, mutatePolicy, "t-2")
	assert.ErrorIs(t, err, domain.ErrFlagHeld)

	// A backup is blocked by the running update too.
	_, err = repo.Admit(ctx, clusterRef, -1, backupPolicy, "t-3")
	assert.ErrorIs(t, err, domain.ErrFlagHeld)

	released, err := repo.Release(ctx, clusterRef, "t-1")
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	_, err = repo.Admit(ctx, clusterRef, 0, mutatePolicy, "t-2")
	assert.ErrorIs(t, err, domain.ErrVersionMismatch)

	version, err := repo.Admit(ctx, clusterRef, 1, mutatePolicy, "t-2")
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)
}

func TestResourceRepository_ReleaseOnlyOwnLocks(t *testing.T) {
	ctx := context.Background()
	repo := db.NewResourceRepository(dbtest.New(t), logger.NewNop())

	policy := mutatePolicy
	policy.CreateIfMissing = true
	_, err := repo.Admit(ctx, clusterRef, -1, policy, "t-1")
	require.NoError(t, err)

	released, err := repo.Release(ctx, clusterRef, "someone-else")
	require.NoError(t, err)
	assert.Zero(t, released)

	_, locks, err := repo.Get(ctx, clusterRef)
	require.NoError(t, err)
	assert.Len(t, locks, 1)
}

func TestResourceRepository_ForceTakesOverHolder(t *testing.T) {
	ctx := context.Background()
	repo := db.NewResourceRepository(dbtest.New(t), logger.NewNop())

	policy := mutatePolicy
	policy.CreateIfMissing = true
	_, err := repo.Admit(ctx, clusterRef, -1, policy, "t-1")
	require.NoError(t, err)

	force := mutatePolicy
	force.Force = true
	_, err = repo.Admit(ctx, clusterRef, -1, force, "t-destroy")
	require.NoError(t, err)

	_, locks, err := repo.Get(ctx, clusterRef)
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, "t-destroy", locks[0].HolderTaskID)

	// The displaced task's release must not free the new holder's flag.
	released, err := repo.Release(ctx, clusterRef, "t-1")
	require.NoError(t, err)
	assert.Zero(t, released)
}

func TestResourceRepository_ConcurrentAdmitOneWins(t *testing.T) {
	ctx := context.Background()
	repo := db.NewResourceRepository(dbtest.New(t), logger.NewNop())

	policy := mutatePolicy
	policy.CreateIfMissing = true
	_, err := repo.Admit(ctx, clusterRef, -1, policy, "seed")
	require.NoError(t, err)
	_, err = repo.Release(ctx, clusterRef, "seed")
	require.NoError(t, err)

	const racers = 8
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = repo.Admit(ctx, clusterRef, 1, mutatePolicy, "racer")
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrFlagHeld)
	}
	assert.Equal(t, 1, wins)
}

func TestResourceRepository_MergeAttributesAndDelete(t *testing.T) {
	ctx := context.Background()
	repo := db.NewResourceRepository(dbtest.New(t), logger.NewNop())

	policy := mutatePolicy
	policy.CreateIfMissing = true
	_, err := repo.Admit(ctx, clusterRef, -1, policy, "t-1")
	require.NoError(t, err)

	require.NoError(t, repo.MergeAttributes(ctx, clusterRef, domain.JSONB{"software_version": "2.20"}))
	require.NoError(t, repo.MergeAttributes(ctx, clusterRef, domain.JSONB{"name": "c1"}))

	res, _, err := repo.Get(ctx, clusterRef)
	require.NoError(t, err)
	assert.Equal(t, "2.20", res.Attributes["software_version"])
	assert.Equal(t, "c1", res.Attributes["name"])

	require.NoError(t, repo.Delete(ctx, clusterRef))
	exists, err := repo.Exists(ctx, clusterRef)
	require.NoError(t, err)
	assert.False(t, exists)
}
