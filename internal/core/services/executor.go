package services

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/clusterctl/commissioner/internal/infrastructure/logger"
	"github.com/clusterctl/commissioner/internal/infrastructure/metrics"
)

type ExecutorConfig struct {
	Workers   int
	QueueSize int
	Logger    *logger.Logger
}

type job struct {
	taskID string
	run    func(ctx context.Context)
}

// Executor is a fixed pool of workers fed from a bounded queue. Capacity is
// claimed with Reserve before any task record exists, so a full pool refuses
// work without leaving anything behind.
type Executor struct {
	log     *logger.Logger
	workers int

	slots chan struct{}
	jobs  chan job

	mu      sync.Mutex
	started bool
	stopped bool

	busy atomic.Int32
	wg   sync.WaitGroup
}

func NewExecutor(cfg ExecutorConfig) *Executor {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	queue := cfg.QueueSize
	if queue < 0 {
		queue = 0
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewNop()
	}
	capacity := workers + queue
	return &Executor{
		log:     log.Named("executor"),
		workers: workers,
		slots:   make(chan struct{}, capacity),
		jobs:    make(chan job, capacity),
	}
}

// Start launches the workers. Jobs dispatched before Start wait in the queue.
func (e *Executor) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started || e.stopped {
		return
	}
	e.started = true

	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx, i)
	}
	e.log.Infow("executor_started", "workers", e.workers, "capacity", cap(e.slots))
}

// Stop refuses new work and waits for queued and running jobs, or for ctx.
func (e *Executor) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	close(e.jobs)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.log.Infow("executor_stopped")
		return nil
	case <-ctx.Done():
		e.log.Warnw("executor_stop_timeout", "busy", e.busy.Load())
		return ctx.Err()
	}
}

// Ticket is a reserved slot in the executor. It must be either dispatched or released.
type Ticket struct {
	e    *Executor
	once sync.Once
}

func (e *Executor) Reserve() (*Ticket, error) {
	e.mu.Lock()
	stopped := e.stopped
	e.mu.Unlock()
	if stopped {
		return nil, ErrExecutorStopped
	}

	select {
	case e.slots <- struct{}{}:
		e.reportDepth()
		return &Ticket{e: e}, nil
	default:
		return nil, ErrExecutorSaturated
	}
}

// Dispatch hands the job to the pool. The queue is sized to the slot count so
// this never blocks.
func (t *Ticket) Dispatch(taskID string, run func(ctx context.Context)) error {
	err := ErrExecutorStopped
	t.once.Do(func() {
		t.e.mu.Lock()
		defer t.e.mu.Unlock()
		if t.e.stopped {
			<-t.e.slots
			return
		}
		t.e.jobs <- job{taskID: taskID, run: run}
		err = nil
	})
	return err
}

// Release gives the slot back without running anything.
func (t *Ticket) Release() {
	t.once.Do(func() {
		<-t.e.slots
		t.e.reportDepth()
	})
}

func (e *Executor) worker(ctx context.Context, id int) {
	defer e.wg.Done()
	for j := range e.jobs {
		e.busy.Add(1)
		e.reportDepth()
		e.runJob(ctx, id, j)
		e.busy.Add(-1)
		<-e.slots
		e.reportDepth()
	}
}

func (e *Executor) runJob(ctx context.Context, worker int, j job) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Errorw("executor_job_panic", "worker", worker, "task_id", j.taskID,
				"panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()
	e.log.Debugw("executor_job_start", "worker", worker, "task_id", j.taskID)
	j.run(ctx)
	e.log.Debugw("executor_job_done", "worker", worker, "task_id", j.taskID)
}

// Pending counts reserved or queued jobs that no worker has picked up yet.
func (e *Executor) Pending() int {
	return len(e.slots) - int(e.busy.Load())
}

func (e *Executor) Busy() int {
	return int(e.busy.Load())
}

func (e *Executor) reportDepth() {
	metrics.QueueDepth(e.Pending())
	metrics.BusyWorkers(e.Busy())
}
