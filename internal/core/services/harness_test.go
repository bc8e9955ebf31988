package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/clusterctl/commissioner/internal/core/ports"
	"github.com/clusterctl/commissioner/internal/domain"
	"github.com/clusterctl/commissioner/internal/infrastructure/db"
	"github.com/clusterctl/commissioner/internal/infrastructure/db/dbtest"
	"github.com/clusterctl/commissioner/internal/infrastructure/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	kindRoot   domain.TaskKind = "TestRoot"
	kindBackup domain.TaskKind = "TestBackup"
	kindLeaf   domain.TaskKind = "TestLeaf"
)

var testRef = domain.ResourceRef{Type: domain.ResourceTypeCluster, ID: "u-1"}

type stubHandler struct {
	kind     domain.TaskKind
	policy   domain.AdmissionPolicy
	verb     domain.AuditVerb
	validate func(domain.JSONB) error
	exec     func(tc *TaskContext) domain.Result
}

func (h *stubHandler) Kind() domain.TaskKind { return h.kind }

func (h *stubHandler) Validate(params domain.JSONB) error {
	if h.validate != nil {
		return h.validate(params)
	}
	return nil
}

func (h *stubHandler) Execute(tc *TaskContext) domain.Result {
	if h.exec != nil {
		return h.exec(tc)
	}
	return domain.OK()
}

type stubRoot struct{ stubHandler }

func (h *stubRoot) Policy(domain.JSONB) domain.AdmissionPolicy { return h.policy }

func (h *stubRoot) Verb() domain.AuditVerb {
	if h.verb == "" {
		return domain.AuditVerbUpdate
	}
	return h.verb
}

func updatePolicy() domain.AdmissionPolicy {
	return domain.AdmissionPolicy{
		RequireClear: []domain.BusyFlag{domain.BusyFlagUpdateInProgress, domain.BusyFlagBackupInProgress},
		Set:          []domain.BusyFlag{domain.BusyFlagUpdateInProgress},
	}
}

// leafResult makes a leaf that reports params["fail"] as its failure message.
func leafResult(tc *TaskContext) domain.Result {
	if msg, ok := tc.Params()["fail"].(string); ok {
		return domain.Failed("leaf", msg)
	}
	return domain.OK()
}

type harness struct {
	db           *gorm.DB
	tasks        ports.TaskRepository
	resources    ports.ResourceRepository
	audit        ports.AuditRepository
	owners       ports.OwnerRepository
	locks        ports.LockManager
	ledger       ports.AuditLedger
	progress     ports.ProgressService
	registry     *Registry
	executor     *Executor
	runner       *TaskRunner
	commissioner ports.Commissioner
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	workers   int
	queue     int
	key       string
	wrapTasks func(ports.TaskRepository) ports.TaskRepository
}

func withCapacity(workers, queue int) harnessOption {
	return func(c *harnessConfig) { c.workers, c.queue = workers, queue }
}

func withKey(key string) harnessOption {
	return func(c *harnessConfig) { c.key = key }
}

// withRunnerTasks hands the runner a wrapped task repository. Everything else
// keeps using the plain one.
func withRunnerTasks(wrap func(ports.TaskRepository) ports.TaskRepository) harnessOption {
	return func(c *harnessConfig) { c.wrapTasks = wrap }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	cfg := harnessConfig{workers: 2, queue: 16}
	for _, opt := range opts {
		opt(&cfg)
	}

	database := dbtest.New(t)
	log := logger.NewNop()

	h := &harness{
		db:        database,
		tasks:     db.NewTaskRepository(database, log),
		resources: db.NewResourceRepository(database, log),
		audit:     db.NewAuditRepository(database, log),
		owners:    db.NewOwnerRepository(database, log),
		registry:  NewRegistry(),
	}
	h.locks = NewLockManager(h.resources, log)
	h.ledger = NewLedgerService(LedgerServiceConfig{Audit: h.audit, Tasks: h.tasks, Logger: log})
	h.progress = NewProgressService(h.tasks)
	h.executor = NewExecutor(ExecutorConfig{Workers: cfg.workers, QueueSize: cfg.queue, Logger: log})
	runnerTasks := h.tasks
	if cfg.wrapTasks != nil {
		runnerTasks = cfg.wrapTasks(h.tasks)
	}
	h.runner = NewTaskRunner(TaskRunnerConfig{
		Tasks:         runnerTasks,
		Registry:      h.registry,
		Locks:         h.locks,
		Ledger:        h.ledger,
		Logger:        log,
		OwnerID:       "self",
		EncryptionKey: cfg.key,
	})
	h.commissioner = NewCommissioner(CommissionerConfig{
		Registry: h.registry,
		Executor: h.executor,
		Runner:   h.runner,
		Tasks:    h.tasks,
		Locks:    h.locks,
		Ledger:   h.ledger,
		Lookup:   h.resources,
		Logger:   log,
	})

	h.registry.MustRegister(&stubHandler{kind: kindLeaf, exec: leafResult})

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.executor.Stop(ctx)
	})
	return h
}

func (h *harness) root(kind domain.TaskKind, policy domain.AdmissionPolicy, exec func(tc *TaskContext) domain.Result) {
	h.registry.MustRegister(&stubRoot{stubHandler{kind: kind, policy: policy, exec: exec}})
}

func (h *harness) seed(t *testing.T, ref domain.ResourceRef) {
	t.Helper()
	_, err := h.resources.Admit(context.Background(), ref, -1, domain.AdmissionPolicy{CreateIfMissing: true}, "seed")
	require.NoError(t, err)
}

func (h *harness) submit(ref domain.ResourceRef, kind domain.TaskKind, expected int64) (string, error) {
	return h.commissioner.Submit(context.Background(), ports.SubmitInput{
		Kind:            kind,
		Resource:        ref,
		ExpectedVersion: expected,
		CustomerID:      "cust-1",
	})
}

func (h *harness) taskCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, h.db.Model(&domain.Task{}).Count(&n).Error)
	return n
}

func (h *harness) wait(t *testing.T, taskID string) *domain.Task {
	t.Helper()
	var task *domain.Task
	require.Eventually(t, func() bool {
		entry, err := h.audit.GetByTaskID(context.Background(), taskID)
		if err != nil || entry.CompletedAt == nil {
			return false
		}
		task, err = h.tasks.GetByID(context.Background(), taskID)
		return err == nil
	}, 10*time.Second, 10*time.Millisecond)
	return task
}

func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.executor.Pending() == 0 && h.executor.Busy() == 0
	}, 10*time.Second, 10*time.Millisecond)
}

var errStoreUnavailable = errors.New("store unavailable")

// flakyTasks fails the next Transition into a state as many times as asked.
type flakyTasks struct {
	ports.TaskRepository

	mu    sync.Mutex
	fails map[domain.TaskState]int
}

func (f *flakyTasks) Transition(ctx context.Context, id string, from []domain.TaskState, to domain.TaskState, errMsg string) error {
	f.mu.Lock()
	if f.fails[to] > 0 {
		f.fails[to]--
		f.mu.Unlock()
		return errStoreUnavailable
	}
	f.mu.Unlock()
	return f.TaskRepository.Transition(ctx, id, from, to, errMsg)
}

func flaky(fails map[domain.TaskState]int) harnessOption {
	return withRunnerTasks(func(tasks ports.TaskRepository) ports.TaskRepository {
		return &flakyTasks{TaskRepository: tasks, fails: fails}
	})
}

// finishedCount reads the finished-task counter from the default registry.
func finishedCount(t *testing.T, kind domain.TaskKind, state domain.TaskState) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "commissioner_tasks_finished_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := make(map[string]string, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["kind"] == string(kind) && labels["state"] == string(state) {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}
