package domain

import "time"

type PhaseStatus struct {
	Group SubTaskGroup `json:"group"`
	State TaskState    `json:"state"`
}

type TaskStatus struct {
	ID               string        `json:"id"`
	Kind             TaskKind      `json:"kind"`
	State            TaskState     `json:"state"`
	PercentDone      int           `json:"percent_done"`
	PercentCompleted float64       `json:"percent_completed"`
	Phases           []PhaseStatus `json:"phases"`
	Target           ResourceRef   `json:"target"`
	Error            string        `json:"error,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// PercentCompleted derives completion from the subtasks alone; percentDone on the
// parent is not consulted.
func PercentCompleted(subtasks []Task) float64 {
	if len(subtasks) == 0 {
		return 100.0
	}
	success := 0
	for _, st := range subtasks {
		if st.State == TaskStateSuccess {
			success++
		}
	}
	return float64(success) / float64(len(subtasks)) * 100.0
}

// PhaseSummary folds subtasks, which must be in position order, into one status per
// group in the order the groups first appear. Ungrouped subtasks are not reported.
//
// A phase starts as Success. Failure and Running stick once seen. A subtask that never
// ran reports Created, or Unknown when the root itself has failed. Unknown is keyed on
// the root's state, not on whether an earlier phase failed.
func PhaseSummary(root Task, subtasks []Task) []PhaseStatus {
	var order []SubTaskGroup
	states := make(map[SubTaskGroup]TaskState)

	for _, st := range subtasks {
		group := st.SubTaskGroup
		if group == SubTaskGroupNone {
			continue
		}
		current, seen := states[group]
		if !seen {
			order = append(order, group)
			current = TaskStateSuccess
		}
		if current == TaskStateFailure || current == TaskStateRunning {
			states[group] = current
			continue
		}
		switch st.State {
		case TaskStateFailure:
			current = TaskStateFailure
		case TaskStateRunning:
			current = TaskStateRunning
		case TaskStateCreated:
			if root.State == TaskStateFailure {
				current = TaskStateUnknown
			} else {
				current = TaskStateCreated
			}
		}
		states[group] = current
	}

	out := make([]PhaseStatus, 0, len(order))
	for _, group := range order {
		out = append(out, PhaseStatus{Group: group, State: states[group]})
	}
	return out
}
