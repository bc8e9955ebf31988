package services

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/clusterctl/commissioner/internal/core/ports"
	"github.com/clusterctl/commissioner/internal/domain"
	"github.com/clusterctl/commissioner/internal/infrastructure/logger"
	"github.com/clusterctl/commissioner/internal/infrastructure/metrics"
)

type TaskRunnerConfig struct {
	Tasks         ports.TaskRepository
	Registry      *Registry
	Locks         ports.LockManager
	Ledger        ports.AuditLedger
	Logger        *logger.Logger
	OwnerID       string
	EncryptionKey string
}

// TaskRunner drives a task record through its lifecycle on a worker goroutine.
type TaskRunner struct {
	tasks    ports.TaskRepository
	registry *Registry
	locks    ports.LockManager
	ledger   ports.AuditLedger
	log      *logger.Logger
	owner    string
	cipher   detailsCipher

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewTaskRunner(cfg TaskRunnerConfig) *TaskRunner {
	log := cfg.Logger
	if log == nil {
		log = logger.NewNop()
	}
	return &TaskRunner{
		tasks:    cfg.Tasks,
		registry: cfg.Registry,
		locks:    cfg.Locks,
		ledger:   cfg.Ledger,
		log:      log.Named("runner"),
		owner:    cfg.OwnerID,
		cipher:   detailsCipher{key: cfg.EncryptionKey},
		inFlight: make(map[string]struct{}),
	}
}

// track marks a root as owned by a worker of this process from admission until
// RunRoot returns.
func (r *TaskRunner) track(taskID string) {
	r.mu.Lock()
	r.inFlight[taskID] = struct{}{}
	r.mu.Unlock()
}

func (r *TaskRunner) untrack(taskID string) {
	r.mu.Lock()
	delete(r.inFlight, taskID)
	r.mu.Unlock()
}

// InFlight reports whether a worker of this process still holds the root.
func (r *TaskRunner) InFlight(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.inFlight[taskID]
	return ok
}

// RunRoot executes a submitted root task to a terminal state, then frees the
// resource flags it holds and closes its audit entry. A root whose terminal
// state cannot be written keeps both; the recovery scan fails it once RunRoot
// has returned.
func (r *TaskRunner) RunRoot(ctx context.Context, taskID string) {
	defer r.untrack(taskID)
	start := time.Now()

	task, err := r.tasks.GetByID(ctx, taskID)
	if err != nil {
		r.log.Errorw("task_load_failed", "task_id", taskID, "error", err)
		return
	}

	var res domain.Result
	h, err := r.registry.GetOrError(task.Kind)
	if err != nil {
		res = domain.FailedErr("unknown_kind", err)
	} else {
		res = r.execute(ctx, task, h, task.Target())
	}

	if err := r.settle(ctx, task, res); err != nil {
		r.log.Errorw("task_settle_failed", "task_id", task.ID, "state", task.State, "error", err)
		return
	}
	if err := r.locks.Release(ctx, task.Target(), task.ID); err != nil {
		r.log.Errorw("task_lock_release_failed", "task_id", task.ID, "target", task.Target().String(), "error", err)
	}
	if _, err := r.ledger.MarkCompleted(ctx, task.ID); err != nil {
		r.log.Errorw("task_audit_complete_failed", "task_id", task.ID, "error", err)
	}

	elapsed := time.Since(start)
	metrics.RootTaskFinished(string(task.Kind), elapsed)
	r.log.Infow("task_root_finished",
		"task_id", task.ID,
		"kind", task.Kind,
		"target", task.Target().String(),
		"ok", res.IsOK(),
		"error", res.Error(),
		"duration_ms", elapsed.Milliseconds(),
	)
}

// execute runs one task (root or subtask) through Initializing and Running to a
// terminal state. A task that was moved out from under us (force-complete) is
// left as it is and reported as failed.
func (r *TaskRunner) execute(ctx context.Context, task *domain.Task, h Handler, target domain.ResourceRef) domain.Result {
	for _, next := range []domain.TaskState{domain.TaskStateInitializing, domain.TaskStateRunning} {
		if err := r.advance(ctx, task, next); err != nil {
			return domain.FailedErr("state", err)
		}
	}

	tc := newTaskContext(ctx, r, task, target)
	res := r.safeExecute(tc, h)

	terminal := domain.TaskStateSuccess
	if !res.IsOK() {
		terminal = domain.TaskStateFailure
	}
	if err := r.advanceWithError(ctx, task, terminal, res.Error()); err != nil {
		r.log.Warnw("task_terminal_transition_skipped", "task_id", task.ID, "to", terminal, "error", err)
		if res.IsOK() {
			res = domain.FailedErr("state", err)
		}
		return res
	}
	metrics.TaskFinished(string(task.Kind), string(terminal))
	return res
}

// settle fails a task that execute left short of a terminal state. Subtasks
// that never started stay Created. A row that someone else already moved on,
// such as a force-complete, counts as settled.
func (r *TaskRunner) settle(ctx context.Context, task *domain.Task, res domain.Result) error {
	if task.State.IsTerminal() || (!task.IsRoot() && task.State == domain.TaskStateCreated) {
		return nil
	}
	msg := res.Error()
	if msg == "" {
		msg = domain.Failed("state", "task stopped before a terminal state").Error()
	}
	err := r.tasks.Transition(ctx, task.ID, domain.AllowedFrom(domain.TaskStateFailure), domain.TaskStateFailure, msg)
	if errors.Is(err, domain.ErrStaleState) {
		return nil
	}
	if err != nil {
		return err
	}
	task.State = domain.TaskStateFailure
	task.Error = msg
	metrics.TaskFinished(string(task.Kind), string(domain.TaskStateFailure))
	return nil
}

func (r *TaskRunner) advance(ctx context.Context, task *domain.Task, to domain.TaskState) error {
	return r.advanceWithError(ctx, task, to, "")
}

func (r *TaskRunner) advanceWithError(ctx context.Context, task *domain.Task, to domain.TaskState, errMsg string) error {
	from := domain.AllowedFrom(to)
	if !domain.CanTransition(task.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, task.State, to)
	}
	if err := r.tasks.Transition(ctx, task.ID, from, to, errMsg); err != nil {
		if errors.Is(err, domain.ErrStaleState) {
			return fmt.Errorf("%w: %s changed concurrently", ErrInvalidTransition, task.ID)
		}
		return err
	}
	task.State = to
	if errMsg != "" {
		task.Error = errMsg
	}
	if to == domain.TaskStateSuccess {
		task.PercentDone = 100
	}
	r.log.Debugw("task_transition", "task_id", task.ID, "kind", task.Kind, "to", to)
	return nil
}

func (r *TaskRunner) safeExecute(tc *TaskContext, h Handler) (res domain.Result) {
	defer func() {
		if rec := recover(); rec != nil {
			tc.log.Errorw("task_panic", "panic", fmt.Sprint(rec), "stack", string(debug.Stack()))
			res = domain.Failed("panic", fmt.Sprint(rec))
		}
	}()
	return h.Execute(tc)
}
