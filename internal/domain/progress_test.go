package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func sub(group SubTaskGroup, state TaskState) Task {
	return Task{SubTaskGroup: group, State: state}
}

func TestPercentCompleted_NoSubtasks(t *testing.T) {
	assert.Equal(t, 100.0, PercentCompleted(nil))
}

func TestPercentCompleted_Partial(t *testing.T) {
	subs := []Task{
		sub(SubTaskGroupProvisioning, TaskStateSuccess),
		sub(SubTaskGroupProvisioning, TaskStateSuccess),
		sub(SubTaskGroupStartingNode, TaskStateRunning),
		sub(SubTaskGroupStartingNode, TaskStateCreated),
	}
	assert.Equal(t, 50.0, PercentCompleted(subs))
}

func TestPercentCompleted_HundredIffAllSuccess(t *testing.T) {
	states := []TaskState{TaskStateCreated, TaskStateInitializing, TaskStateRunning, TaskStateSuccess, TaskStateFailure}
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 20).Draw(t, "n")
		subs := make([]Task, n)
		allSuccess := true
		for i := range subs {
			st := rapid.SampledFrom(states).Draw(t, "state")
			subs[i] = Task{State: st}
			if st != TaskStateSuccess {
				allSuccess = false
			}
		}
		pct := PercentCompleted(subs)
		if (pct == 100.0) != (n == 0 || allSuccess) {
			t.Fatalf("percent %v for %d subtasks, all success=%v", pct, n, allSuccess)
		}
		if pct < 0 || pct > 100 {
			t.Fatalf("percent out of range: %v", pct)
		}
	})
}

func TestPhaseSummary_FailedRootPromotesUnknown(t *testing.T) {
	root := Task{State: TaskStateFailure}
	subs := []Task{
		sub(SubTaskGroupProvisioning, TaskStateSuccess),
		sub(SubTaskGroupInstallingSoftware, TaskStateFailure),
		sub(SubTaskGroupStartingNodeProcesses, TaskStateCreated),
	}

	phases := PhaseSummary(root, subs)

	require.Len(t, phases, 3)
	assert.Equal(t, []PhaseStatus{
		{Group: SubTaskGroupProvisioning, State: TaskStateSuccess},
		{Group: SubTaskGroupInstallingSoftware, State: TaskStateFailure},
		{Group: SubTaskGroupStartingNodeProcesses, State: TaskStateUnknown},
	}, phases)
}

func TestPhaseSummary_RunningRootKeepsCreated(t *testing.T) {
	root := Task{State: TaskStateRunning}
	subs := []Task{
		sub(SubTaskGroupProvisioning, TaskStateSuccess),
		sub(SubTaskGroupProvisioning, TaskStateRunning),
		sub(SubTaskGroupStartingNode, TaskStateCreated),
	}

	phases := PhaseSummary(root, subs)

	assert.Equal(t, []PhaseStatus{
		{Group: SubTaskGroupProvisioning, State: TaskStateRunning},
		{Group: SubTaskGroupStartingNode, State: TaskStateCreated},
	}, phases)
}

func TestPhaseSummary_StickyFailure(t *testing.T) {
	root := Task{State: TaskStateFailure}
	subs := []Task{
		sub(SubTaskGroupUpgradingSoftware, TaskStateSuccess),
		sub(SubTaskGroupUpgradingSoftware, TaskStateFailure),
		sub(SubTaskGroupUpgradingSoftware, TaskStateCreated),
	}

	phases := PhaseSummary(root, subs)

	require.Len(t, phases, 1)
	assert.Equal(t, TaskStateFailure, phases[0].State)
}

func TestPhaseSummary_FirstSeenOrderAndUngrouped(t *testing.T) {
	root := Task{State: TaskStateSuccess}
	subs := []Task{
		sub(SubTaskGroupStartingNode, TaskStateSuccess),
		sub(SubTaskGroupNone, TaskStateSuccess),
		sub(SubTaskGroupProvisioning, TaskStateSuccess),
		sub(SubTaskGroupStartingNode, TaskStateSuccess),
	}

	phases := PhaseSummary(root, subs)

	require.Len(t, phases, 2)
	assert.Equal(t, SubTaskGroupStartingNode, phases[0].Group)
	assert.Equal(t, SubTaskGroupProvisioning, phases[1].Group)
}

func TestPhaseSummary_NoSubtasks(t *testing.T) {
	assert.Empty(t, PhaseSummary(Task{State: TaskStateSuccess}, nil))
}
