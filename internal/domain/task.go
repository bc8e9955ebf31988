package domain

// forward lists the states a task may move to from each stored state.
var forward = map[TaskState][]TaskState{
	TaskStateCreated:      {TaskStateInitializing, TaskStateFailure},
	TaskStateInitializing: {TaskStateRunning, TaskStateFailure},
	TaskStateRunning:      {TaskStateSuccess, TaskStateFailure},
}

func (s TaskState) IsTerminal() bool {
	return s == TaskStateSuccess || s == TaskStateFailure
}

func (s TaskState) IsValid() bool {
	switch s {
	case TaskStateCreated, TaskStateInitializing, TaskStateRunning, TaskStateSuccess, TaskStateFailure:
		return true
	}
	return false
}

// CanTransition reports whether a stored task in state from may move to state to
// through normal execution. Force-complete bypasses this check.
func CanTransition(from, to TaskState) bool {
	for _, next := range forward[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AllowedFrom returns every state that may legally move to the given one.
func AllowedFrom(to TaskState) []TaskState {
	var out []TaskState
	for _, from := range []TaskState{TaskStateCreated, TaskStateInitializing, TaskStateRunning} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// ==================== RESULT ====================

type ResultStatus string

const (
	ResultOK     ResultStatus = "ok"
	ResultFailed ResultStatus = "failed"
)

// Result is what every task handler returns instead of signalling failure by panic.
type Result struct {
	Status  ResultStatus `json:"status"`
	Kind    string       `json:"kind,omitempty"`
	Message string       `json:"message,omitempty"`
}

func OK() Result {
	return Result{Status: ResultOK}
}

func Failed(kind, message string) Result {
	return Result{Status: ResultFailed, Kind: kind, Message: message}
}

func FailedErr(kind string, err error) Result {
	return Failed(kind, err.Error())
}

func (r Result) IsOK() bool {
	return r.Status == ResultOK
}

// Error renders the failure the way it is stored on the task row.
func (r Result) Error() string {
	if r.IsOK() {
		return ""
	}
	if r.Kind == "" {
		return r.Message
	}
	return r.Kind + ": " + r.Message
}
