package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/clusterctl/commissioner/internal/domain"
	"github.com/clusterctl/commissioner/internal/infrastructure/logger"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// TaskContext is what a handler sees while it executes.
type TaskContext struct {
	ctx    context.Context
	runner *TaskRunner
	task   *domain.Task
	target domain.ResourceRef
	log    *logger.Logger

	queue *SubTaskQueue
}

func newTaskContext(ctx context.Context, r *TaskRunner, task *domain.Task, target domain.ResourceRef) *TaskContext {
	return &TaskContext{
		ctx:    ctx,
		runner: r,
		task:   task,
		target: target,
		log:    r.log.With("task_id", task.ID, "kind", task.Kind),
	}
}

func (tc *TaskContext) Context() context.Context {
	return tc.ctx
}

func (tc *TaskContext) TaskID() string {
	return tc.task.ID
}

func (tc *TaskContext) Kind() domain.TaskKind {
	return tc.task.Kind
}

// Target is the resource locked by the root task this context belongs to.
func (tc *TaskContext) Target() domain.ResourceRef {
	return tc.target
}

// Params are the stored details. Sensitive values are still sealed; use Secret.
func (tc *TaskContext) Params() domain.JSONB {
	if tc.task.Details == nil {
		return domain.JSONB{}
	}
	return tc.task.Details
}

func (tc *TaskContext) Secret(key string) (string, error) {
	raw, _ := tc.Params()[key].(string)
	return tc.runner.cipher.open(raw)
}

func (tc *TaskContext) Logger() *logger.Logger {
	return tc.log
}

func (tc *TaskContext) SetPercent(percent int) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if err := tc.runner.tasks.UpdatePercent(tc.ctx, tc.task.ID, percent); err != nil {
		return err
	}
	tc.task.PercentDone = percent
	return nil
}

// Queue returns the subtask queue of this task, creating it on first use.
func (tc *TaskContext) Queue() *SubTaskQueue {
	if tc.queue == nil {
		tc.queue = &SubTaskQueue{tc: tc}
	}
	return tc.queue
}

// ==================== SUBTASK QUEUE ====================

type queuedTask struct {
	task    *domain.Task
	handler Handler
}

// SubTaskQueue holds the phases of a task. Every subtask is persisted at Created
// as soon as it is added, so the whole plan is visible before anything runs.
type SubTaskQueue struct {
	tc     *TaskContext
	phases []*Phase
	ran    int
	next   int
	err    error

	mu   sync.Mutex
	done int
}

// Phase is a named group of subtasks. Members run one after another unless the
// phase was explicitly made parallel.
type Phase struct {
	q     *SubTaskQueue
	group domain.SubTaskGroup
	limit int
	items []queuedTask
}

var errPhaseFailed = errors.New("phase failed")

// Group opens a new phase. Phases run in the order they were opened.
func (q *SubTaskQueue) Group(group domain.SubTaskGroup) *Phase {
	p := &Phase{q: q, group: group}
	q.phases = append(q.phases, p)
	return p
}

// Parallel lets up to limit members of the phase run at once.
func (p *Phase) Parallel(limit int) *Phase {
	if limit < 1 {
		limit = 1
	}
	p.limit = limit
	return p
}

// Add validates and persists a subtask. The first error sticks to the queue and
// is reported by Run.
func (p *Phase) Add(kind domain.TaskKind, params domain.JSONB) *Phase {
	q := p.q
	if q.err != nil {
		return p
	}
	if err := q.add(p, kind, params); err != nil {
		q.err = fmt.Errorf("add %s to %s: %w", kind, p.group, err)
	}
	return p
}

func (q *SubTaskQueue) add(p *Phase, kind domain.TaskKind, params domain.JSONB) error {
	r := q.tc.runner
	h, err := r.registry.GetOrError(kind)
	if err != nil {
		return err
	}
	if params == nil {
		params = domain.JSONB{}
	}
	if err := h.Validate(params); err != nil {
		return err
	}
	if holder, ok := h.(SecretHolder); ok {
		if params, err = r.cipher.seal(params, holder.SensitiveKeys()); err != nil {
			return err
		}
	}

	parentID := q.tc.task.ID
	child := &domain.Task{
		ID:           uuid.New().String(),
		ParentID:     &parentID,
		Position:     q.next,
		Kind:         kind,
		State:        domain.TaskStateCreated,
		SubTaskGroup: p.group,
		Details:      params,
		Owner:        r.owner,
	}
	if err := r.tasks.Create(q.tc.ctx, child); err != nil {
		return err
	}
	q.next++
	p.items = append(p.items, queuedTask{task: child, handler: h})
	return nil
}

// Size is the number of subtasks created so far.
func (q *SubTaskQueue) Size() int {
	return q.next
}

// Run executes the phases not yet run. The first failure stops everything after
// it; later subtasks stay Created.
func (q *SubTaskQueue) Run() domain.Result {
	if q.err != nil {
		return domain.FailedErr("subtask_setup", q.err)
	}
	for q.ran < len(q.phases) {
		p := q.phases[q.ran]
		q.ran++
		q.tc.log.Infow("phase_start", "group", p.group, "subtasks", len(p.items), "parallel", p.limit)
		var res domain.Result
		if p.limit > 0 {
			res = p.runParallel()
		} else {
			res = p.runSequential()
		}
		if !res.IsOK() {
			q.tc.log.Warnw("phase_failed", "group", p.group, "error", res.Error())
			return res
		}
	}
	return domain.OK()
}

func (p *Phase) runSequential() domain.Result {
	for _, item := range p.items {
		res := p.q.runOne(item)
		if !res.IsOK() {
			return res
		}
	}
	return domain.OK()
}

func (p *Phase) runParallel() domain.Result {
	g, gctx := errgroup.WithContext(p.q.tc.ctx)
	g.SetLimit(p.limit)

	var mu sync.Mutex
	var first *domain.Result

	for _, item := range p.items {
		item := item
		g.Go(func() error {
			// Members not yet started when a sibling fails are left Created.
			if gctx.Err() != nil {
				return nil
			}
			res := p.q.runOne(item)
			if res.IsOK() {
				return nil
			}
			mu.Lock()
			if first == nil {
				first = &res
			}
			mu.Unlock()
			return errPhaseFailed
		})
	}
	_ = g.Wait()

	if first != nil {
		return *first
	}
	if err := gctx.Err(); err != nil {
		return domain.FailedErr("cancelled", err)
	}
	return domain.OK()
}

func (q *SubTaskQueue) runOne(item queuedTask) domain.Result {
	res := q.tc.runner.execute(q.tc.ctx, item.task, item.handler, q.tc.target)
	if !res.IsOK() {
		if err := q.tc.runner.settle(q.tc.ctx, item.task, res); err != nil {
			q.tc.log.Errorw("subtask_settle_failed", "subtask_id", item.task.ID, "error", err)
		}
		return res
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.done++
	if err := q.tc.SetPercent(q.done * 100 / q.next); err != nil {
		q.tc.log.Warnw("task_percent_update_failed", "error", err)
	}
	return res
}
