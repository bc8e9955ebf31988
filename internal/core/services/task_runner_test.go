package services

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/clusterctl/commissioner/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunRoot_Success(t *testing.T) {
	h := newHarness(t)
	h.root(kindRoot, updatePolicy(), func(tc *TaskContext) domain.Result {
		q := tc.Queue()
		q.Group(domain.SubTaskGroupPreflightChecks).Add(kindLeaf, nil).Add(kindLeaf, nil)
		q.Group(domain.SubTaskGroupConfigureUniverse).Add(kindLeaf, nil)
		return q.Run()
	})
	h.seed(t, testRef)
	h.executor.Start(context.Background())

	taskID, err := h.submit(testRef, kindRoot, -1)
	require.NoError(t, err)

	task := h.wait(t, taskID)
	assert.Equal(t, domain.TaskStateSuccess, task.State)
	assert.Equal(t, 100, task.PercentDone)
	assert.Empty(t, task.Error)

	status, err := h.progress.GetStatus(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, 100.0, status.PercentCompleted)
	assert.Equal(t, []domain.PhaseStatus{
		{Group: domain.SubTaskGroupPreflightChecks, State: domain.TaskStateSuccess},
		{Group: domain.SubTaskGroupConfigureUniverse, State: domain.TaskStateSuccess},
	}, status.Phases)

	state, err := h.locks.State(context.Background(), testRef)
	require.NoError(t, err)
	assert.Empty(t, state.Locks)
}

func TestRunRoot_FirstFailureStopsLaterSubtasks(t *testing.T) {
	h := newHarness(t)
	h.root(kindRoot, updatePolicy(), func(tc *TaskContext) domain.Result {
		q := tc.Queue()
		q.Group(domain.SubTaskGroupProvisioning).
			Add(kindLeaf, nil).
			Add(kindLeaf, domain.JSONB{"fail": "disk full"}).
			Add(kindLeaf, nil)
		q.Group(domain.SubTaskGroupConfigureUniverse).Add(kindLeaf, nil)
		return q.Run()
	})
	h.seed(t, testRef)
	h.executor.Start(context.Background())

	taskID, err := h.submit(testRef, kindRoot, -1)
	require.NoError(t, err)

	task := h.wait(t, taskID)
	assert.Equal(t, domain.TaskStateFailure, task.State)
	assert.Equal(t, "leaf: disk full", task.Error)

	subtasks, err := h.progress.ListSubtasks(context.Background(), taskID)
	require.NoError(t, err)
	require.Len(t, subtasks, 4)
	assert.Equal(t, domain.TaskStateSuccess, subtasks[0].State)
	assert.Equal(t, domain.TaskStateFailure, subtasks[1].State)
	assert.Equal(t, domain.TaskStateCreated, subtasks[2].State)
	assert.Equal(t, domain.TaskStateCreated, subtasks[3].State)

	pct, err := h.progress.PercentCompleted(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, 25.0, pct)

	phases, err := h.progress.PhaseSummary(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, []domain.PhaseStatus{
		{Group: domain.SubTaskGroupProvisioning, State: domain.TaskStateFailure},
		{Group: domain.SubTaskGroupConfigureUniverse, State: domain.TaskStateUnknown},
	}, phases)

	state, err := h.locks.State(context.Background(), testRef)
	require.NoError(t, err)
	assert.False(t, state.Flags[domain.BusyFlagUpdateInProgress])
}

func TestRunRoot_PanicBecomesFailure(t *testing.T) {
	h := newHarness(t)
	h.root(kindRoot, updatePolicy(), func(tc *TaskContext) domain.Result {
		panic("nil map")
	})
	h.seed(t, testRef)
	h.executor.Start(context.Background())

	taskID, err := h.submit(testRef, kindRoot, -1)
	require.NoError(t, err)

	task := h.wait(t, taskID)
	assert.Equal(t, domain.TaskStateFailure, task.State)
	assert.True(t, strings.HasPrefix(task.Error, "panic:"), task.Error)

	// The worker survives and the resource is free again.
	second, err := h.submit(testRef, kindRoot, -1)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStateFailure, h.wait(t, second).State)
}

func TestRunRoot_SubtaskSetupErrorFailsRoot(t *testing.T) {
	h := newHarness(t)
	h.root(kindRoot, updatePolicy(), func(tc *TaskContext) domain.Result {
		q := tc.Queue()
		q.Group(domain.SubTaskGroupProvisioning).Add(kindLeaf, nil).Add("NotRegistered", nil).Add(kindLeaf, nil)
		return q.Run()
	})
	h.seed(t, testRef)
	h.executor.Start(context.Background())

	taskID, err := h.submit(testRef, kindRoot, -1)
	require.NoError(t, err)

	task := h.wait(t, taskID)
	assert.Equal(t, domain.TaskStateFailure, task.State)
	assert.Contains(t, task.Error, "subtask_setup")

	subtasks, err := h.progress.ListSubtasks(context.Background(), taskID)
	require.NoError(t, err)
	require.Len(t, subtasks, 1)
	assert.Equal(t, domain.TaskStateCreated, subtasks[0].State)
}

func TestRunRoot_ParallelPhaseRunsConcurrently(t *testing.T) {
	const width = 3
	var (
		arrived sync.WaitGroup
		release = make(chan struct{})
	)
	arrived.Add(width)

	h := newHarness(t)
	h.registry.MustRegister(&stubHandler{kind: "Barrier", exec: func(tc *TaskContext) domain.Result {
		arrived.Done()
		select {
		case <-release:
			return domain.OK()
		case <-time.After(5 * time.Second):
			return domain.Failed("timeout", "siblings never started")
		}
	}})
	h.root(kindRoot, updatePolicy(), func(tc *TaskContext) domain.Result {
		p := tc.Queue().Group(domain.SubTaskGroupInstallingSoftware).Parallel(width)
		for i := 0; i < width; i++ {
			p.Add("Barrier", nil)
		}
		return tc.Queue().Run()
	})
	h.seed(t, testRef)
	h.executor.Start(context.Background())

	go func() {
		arrived.Wait()
		close(release)
	}()

	taskID, err := h.submit(testRef, kindRoot, -1)
	require.NoError(t, err)

	task := h.wait(t, taskID)
	assert.Equal(t, domain.TaskStateSuccess, task.State, task.Error)
}

func TestRunRoot_ForceCompletedTaskIsNotResurrected(t *testing.T) {
	h := newHarness(t)
	ran := make(chan struct{}, 1)
	h.root(kindRoot, updatePolicy(), func(tc *TaskContext) domain.Result {
		ran <- struct{}{}
		return domain.OK()
	})
	h.seed(t, testRef)

	taskID, err := h.submit(testRef, kindRoot, -1)
	require.NoError(t, err)
	n, err := h.ledger.ForceCompleteAllFor(context.Background(), testRef)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	h.executor.Start(context.Background())
	require.Eventually(t, func() bool { return h.executor.Pending() == 0 && h.executor.Busy() == 0 }, 5*time.Second, 10*time.Millisecond)

	task, err := h.tasks.GetByID(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStateFailure, task.State)
	assert.Equal(t, forceCompletedReason, task.Error)
	assert.Empty(t, ran)
}

func TestRunRoot_ForceCompleteFreesStuckHolder(t *testing.T) {
	const kindStuck domain.TaskKind = "TestStuckRoot"
	ctx := context.Background()
	h := newHarness(t)
	started := make(chan struct{})
	proceed := make(chan struct{})
	h.root(kindStuck, updatePolicy(), func(tc *TaskContext) domain.Result {
		close(started)
		<-proceed
		return domain.OK()
	})
	h.root(kindRoot, updatePolicy(), nil)
	h.seed(t, testRef)
	h.executor.Start(ctx)
	successBefore := finishedCount(t, kindStuck, domain.TaskStateSuccess)

	stuckID, err := h.submit(testRef, kindStuck, -1)
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("stuck task never started")
	}

	n, err := h.ledger.ForceCompleteAllFor(ctx, testRef)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	state, err := h.locks.State(ctx, testRef)
	require.NoError(t, err)
	assert.Empty(t, state.Locks)

	nextID, err := h.submit(testRef, kindRoot, -1)
	require.NoError(t, err)
	next := h.wait(t, nextID)
	assert.Equal(t, domain.TaskStateSuccess, next.State, next.Error)

	close(proceed)
	h.waitIdle(t)

	stuck, err := h.tasks.GetByID(ctx, stuckID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStateFailure, stuck.State)
	assert.Equal(t, forceCompletedReason, stuck.Error)
	assert.Equal(t, successBefore, finishedCount(t, kindStuck, domain.TaskStateSuccess))
}

func TestRunRoot_TransientStoreErrorStillSettles(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, flaky(map[domain.TaskState]int{domain.TaskStateInitializing: 1}))
	h.root(kindRoot, updatePolicy(), nil)
	h.seed(t, testRef)
	h.executor.Start(ctx)

	taskID, err := h.submit(testRef, kindRoot, -1)
	require.NoError(t, err)

	task := h.wait(t, taskID)
	assert.Equal(t, domain.TaskStateFailure, task.State)
	assert.Contains(t, task.Error, errStoreUnavailable.Error())

	state, err := h.locks.State(ctx, testRef)
	require.NoError(t, err)
	assert.Empty(t, state.Locks)
}

func TestRunRoot_UnsettledRootIsLeftForRecovery(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, flaky(map[domain.TaskState]int{
		domain.TaskStateInitializing: 1,
		domain.TaskStateFailure:      1,
	}))
	h.root(kindRoot, updatePolicy(), nil)
	h.seed(t, testRef)
	h.executor.Start(ctx)

	taskID, err := h.submit(testRef, kindRoot, -1)
	require.NoError(t, err)
	h.waitIdle(t)
	assert.False(t, h.runner.InFlight(taskID))

	task, err := h.tasks.GetByID(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStateCreated, task.State)
	state, err := h.locks.State(ctx, testRef)
	require.NoError(t, err)
	assert.True(t, state.Flags[domain.BusyFlagUpdateInProgress])

	n, err := h.recovery().Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	task = h.wait(t, taskID)
	assert.Equal(t, domain.TaskStateFailure, task.State)
	assert.True(t, strings.HasPrefix(task.Error, "orphaned:"), task.Error)
	state, err = h.locks.State(ctx, testRef)
	require.NoError(t, err)
	assert.Empty(t, state.Locks)
}
