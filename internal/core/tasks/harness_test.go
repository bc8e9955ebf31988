package tasks

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/clusterctl/commissioner/internal/core/ports"
	"github.com/clusterctl/commissioner/internal/core/services"
	"github.com/clusterctl/commissioner/internal/domain"
	"github.com/clusterctl/commissioner/internal/infrastructure/db"
	"github.com/clusterctl/commissioner/internal/infrastructure/db/dbtest"
	"github.com/clusterctl/commissioner/internal/infrastructure/logger"
	"github.com/stretchr/testify/require"
)

var errNodeDown = errors.New("connection refused")

type upload struct {
	host    string
	path    string
	content string
	mode    os.FileMode
}

// fakeNodes records every node operation. A command containing failOn fails on
// the host named in failHost (or every host when failHost is empty).
type fakeNodes struct {
	mu       sync.Mutex
	commands []string
	uploads  []upload
	pings    int

	failOn   string
	failHost string
	pingErr  error
}

func (f *fakeNodes) Run(_ context.Context, node ports.NodeTarget, cmd string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, node.Host+": "+cmd)
	if f.failOn != "" && strings.Contains(cmd, f.failOn) && (f.failHost == "" || f.failHost == node.Host) {
		return "boom", errNodeDown
	}
	return "ok", nil
}

func (f *fakeNodes) Upload(_ context.Context, node ports.NodeTarget, path string, content []byte, mode os.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, upload{host: node.Host, path: path, content: string(content), mode: mode})
	return nil
}

func (f *fakeNodes) Ping(context.Context, ports.NodeTarget) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.pingErr
}

func (f *fakeNodes) ran() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

type engine struct {
	tasks        ports.TaskRepository
	resources    ports.ResourceRepository
	audit        ports.AuditRepository
	locks        ports.LockManager
	ledger       ports.AuditLedger
	progress     ports.ProgressService
	executor     *services.Executor
	commissioner ports.Commissioner
	nodes        *fakeNodes
}

func newEngine(t *testing.T, encryptionKey string) *engine {
	t.Helper()

	database := dbtest.New(t)
	log := logger.NewNop()

	e := &engine{
		tasks:     db.NewTaskRepository(database, log),
		resources: db.NewResourceRepository(database, log),
		audit:     db.NewAuditRepository(database, log),
		nodes:     &fakeNodes{},
	}
	e.locks = services.NewLockManager(e.resources, log)
	e.ledger = services.NewLedgerService(services.LedgerServiceConfig{Audit: e.audit, Tasks: e.tasks, Logger: log})
	e.progress = services.NewProgressService(e.tasks)

	registry := services.NewRegistry()
	require.NoError(t, RegisterAll(registry, Deps{
		Nodes:         e.nodes,
		Resources:     e.resources,
		DefaultUser:   "yugabyte",
		PollInterval:  5 * time.Millisecond,
		ServerTimeout: 300 * time.Millisecond,
	}))

	e.executor = services.NewExecutor(services.ExecutorConfig{Workers: 2, QueueSize: 8, Logger: log})
	runner := services.NewTaskRunner(services.TaskRunnerConfig{
		Tasks:         e.tasks,
		Registry:      registry,
		Locks:         e.locks,
		Ledger:        e.ledger,
		Logger:        log,
		OwnerID:       "test-owner",
		EncryptionKey: encryptionKey,
	})
	e.commissioner = services.NewCommissioner(services.CommissionerConfig{
		Registry: registry,
		Executor: e.executor,
		Runner:   runner,
		Tasks:    e.tasks,
		Locks:    e.locks,
		Ledger:   e.ledger,
		Lookup:   e.resources,
		Logger:   log,
	})

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.executor.Stop(ctx)
	})
	return e
}

func (e *engine) start() {
	e.executor.Start(context.Background())
}

func (e *engine) wait(t *testing.T, taskID string) *domain.Task {
	t.Helper()
	var task *domain.Task
	require.Eventually(t, func() bool {
		got, err := e.tasks.GetByID(context.Background(), taskID)
		if err != nil {
			return false
		}
		task = got
		return got.State.IsTerminal()
	}, 10*time.Second, 10*time.Millisecond)

	// The root reaches its terminal state before locks and the audit entry are released.
	require.Eventually(t, func() bool {
		entry, err := e.audit.GetByTaskID(context.Background(), taskID)
		return err == nil && entry.CompletedAt != nil
	}, 5*time.Second, 10*time.Millisecond)
	return task
}

func phaseStates(phases []domain.PhaseStatus) map[domain.SubTaskGroup]domain.TaskState {
	out := make(map[domain.SubTaskGroup]domain.TaskState, len(phases))
	for _, p := range phases {
		out[p.Group] = p.State
	}
	return out
}

func nodesParam(hosts ...string) []interface{} {
	out := make([]interface{}, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, map[string]interface{}{"name": "n-" + h, "host": h})
	}
	return out
}
