package app

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/clusterctl/commissioner/internal/config"
	"github.com/clusterctl/commissioner/internal/core/ports"
	"github.com/clusterctl/commissioner/internal/domain"
	"github.com/clusterctl/commissioner/internal/infrastructure/db"
	"github.com/clusterctl/commissioner/internal/infrastructure/db/dbtest"
	"github.com/clusterctl/commissioner/internal/infrastructure/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopNodes struct{}

func (noopNodes) Run(context.Context, ports.NodeTarget, string) (string, error) { return "", nil }

func (noopNodes) Upload(context.Context, ports.NodeTarget, string, []byte, os.FileMode) error {
	return nil
}

func (noopNodes) Ping(context.Context, ports.NodeTarget) error { return nil }

func testConfig() *config.Config {
	return &config.Config{
		Executor: config.ExecutorConfig{Workers: 1, QueueSize: 4},
		Remote:   config.RemoteConfig{User: "yugabyte", Port: 22},
		Recovery: config.RecoveryConfig{
			HeartbeatInterval: time.Hour,
			OwnerTTL:          2 * time.Hour,
			ScanInterval:      time.Hour,
		},
		Features: config.FeaturesConfig{EnableRecovery: true},
	}
}

func TestApp_StartRecoversOrphansThenRunsWork(t *testing.T) {
	ctx := context.Background()
	database := dbtest.New(t)
	log := logger.NewNop()

	// Work left behind by a previous boot.
	orphanRef := domain.ResourceRef{Type: domain.ResourceTypeCluster, ID: "u-0"}
	_, err := db.NewResourceRepository(database, log).Admit(ctx, orphanRef, -1, domain.AdmissionPolicy{
		CreateIfMissing: true,
		Set:             []domain.BusyFlag{domain.BusyFlagUpdateInProgress},
	}, "orphan")
	require.NoError(t, err)
	require.NoError(t, database.Create(&domain.Task{
		ID: "orphan", Position: -1, Kind: domain.TaskKindEditCluster, State: domain.TaskStateRunning,
		Owner: "previous-boot", TargetType: orphanRef.Type, TargetID: orphanRef.ID,
	}).Error)
	require.NoError(t, database.Create(&domain.AuditEntry{
		CustomerID: "acme", TaskID: "orphan", TargetType: orphanRef.Type, TargetID: orphanRef.ID, Verb: domain.AuditVerbUpdate,
	}).Error)

	engine, err := New(testConfig(), database, log, Options{Nodes: noopNodes{}, OwnerID: "this-boot"})
	require.NoError(t, err)
	require.NoError(t, engine.Start(ctx))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Stop(stopCtx)
	})

	orphan, err := engine.Progress.GetStatus(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStateFailure, orphan.State)
	state, err := engine.Locks.State(ctx, orphanRef)
	require.NoError(t, err)
	assert.Empty(t, state.Locks)

	id, err := engine.Commissioner.Submit(ctx, ports.SubmitInput{
		Kind:            domain.TaskKindCreateCluster,
		Resource:        domain.ResourceRef{Type: domain.ResourceTypeCluster, ID: "u-1"},
		Params:          domain.JSONB{"name": "prod"},
		ExpectedVersion: -1,
		CustomerID:      "acme",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, err := engine.Progress.GetStatus(ctx, id)
		return err == nil && st.State.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)

	st, err := engine.Progress.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStateSuccess, st.State, st.Error)
}

func TestApp_StopRefusesNewWork(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Features.EnableRecovery = false

	engine, err := New(cfg, dbtest.New(t), logger.NewNop(), Options{Nodes: noopNodes{}})
	require.NoError(t, err)
	require.NoError(t, engine.Start(ctx))
	require.NoError(t, engine.Stop(ctx))

	_, err = engine.Commissioner.Submit(ctx, ports.SubmitInput{
		Kind:            domain.TaskKindCreateCluster,
		Resource:        domain.ResourceRef{Type: domain.ResourceTypeCluster, ID: "u-1"},
		Params:          domain.JSONB{"name": "prod"},
		ExpectedVersion: -1,
	})
	assert.Error(t, err)
}
