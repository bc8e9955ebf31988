package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/clusterctl/commissioner/internal/core/ports"
	"github.com/clusterctl/commissioner/internal/domain"
	"github.com/clusterctl/commissioner/internal/infrastructure/logger"
	"github.com/clusterctl/commissioner/internal/infrastructure/metrics"
	"github.com/google/uuid"
)

type RecoveryServiceConfig struct {
	Owners            ports.OwnerRepository
	Tasks             ports.TaskRepository
	Locks             ports.LockManager
	Ledger            ports.AuditLedger
	Runner            *TaskRunner
	Logger            *logger.Logger
	OwnerID           string
	HeartbeatInterval time.Duration
	OwnerTTL          time.Duration
	ScanInterval      time.Duration
}

type recoveryService struct {
	owners ports.OwnerRepository
	tasks  ports.TaskRepository
	locks  ports.LockManager
	ledger ports.AuditLedger
	runner *TaskRunner
	log    *logger.Logger

	ownerID   string
	heartbeat time.Duration
	ttl       time.Duration
	scanEvery time.Duration
	now       func() time.Time
}

// NewOwnerID identifies this process boot. A restart on the same host gets a
// new id, so tasks of the previous boot become orphans.
func NewOwnerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.New().String()[:8])
}

func NewRecoveryService(cfg RecoveryServiceConfig) ports.RecoveryService {
	ownerID := cfg.OwnerID
	if ownerID == "" {
		ownerID = NewOwnerID()
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 10 * time.Second
	}
	ttl := cfg.OwnerTTL
	if ttl <= heartbeat {
		ttl = 6 * heartbeat
	}
	scan := cfg.ScanInterval
	if scan <= 0 {
		scan = 30 * time.Second
	}
	return &recoveryService{
		owners:    cfg.Owners,
		tasks:     cfg.Tasks,
		locks:     cfg.Locks,
		ledger:    cfg.Ledger,
		runner:    cfg.Runner,
		log:       cfg.Logger.Named("recovery"),
		ownerID:   ownerID,
		heartbeat: heartbeat,
		ttl:       ttl,
		scanEvery: scan,
		now:       time.Now,
	}
}

func (s *recoveryService) OwnerID() string {
	return s.ownerID
}

func (s *recoveryService) Register(ctx context.Context) error {
	host, _ := os.Hostname()
	now := s.now()
	return s.owners.Register(ctx, &domain.TaskOwner{
		ID:          s.ownerID,
		Hostname:    host,
		PID:         os.Getpid(),
		StartedAt:   now,
		HeartbeatAt: now,
	})
}

// Scan fails every non-terminal task whose owner stopped heartbeating, and every
// root of this process that no worker holds any more. Subtasks that never
// started stay Created; they read as Unknown once their root failed. Orphaned
// roots give up their resource flags and close their audit entries.
func (s *recoveryService) Scan(ctx context.Context) (int, error) {
	live, err := s.owners.ListLive(ctx, s.now().Add(-s.ttl))
	if err != nil {
		return 0, err
	}
	alive := make(map[string]bool, len(live))
	for _, id := range live {
		alive[id] = true
	}

	pending, err := s.tasks.ListNonTerminal(ctx)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for i := range pending {
		t := &pending[i]
		reason, ok := s.abandoned(t, alive)
		if !ok {
			continue
		}
		if !t.IsRoot() && t.State == domain.TaskStateCreated {
			continue
		}

		err := s.tasks.Transition(ctx, t.ID, domain.AllowedFrom(domain.TaskStateFailure), domain.TaskStateFailure, reason)
		if errors.Is(err, domain.ErrStaleState) {
			continue
		}
		if err != nil {
			s.log.Errorw("recovery_fail_task_failed", "task_id", t.ID, "error", err)
			continue
		}
		recovered++
		s.log.Warnw("recovery_task_orphaned", "task_id", t.ID, "kind", t.Kind, "owner", t.Owner, "state", t.State, "root", t.IsRoot())

		if !t.IsRoot() {
			continue
		}
		if err := s.locks.Release(ctx, t.Target(), t.ID); err != nil {
			s.log.Errorw("recovery_release_failed", "task_id", t.ID, "error", err)
		}
		if _, err := s.ledger.MarkCompleted(ctx, t.ID); err != nil {
			s.log.Errorw("recovery_audit_complete_failed", "task_id", t.ID, "error", err)
		}
	}

	if recovered > 0 {
		metrics.TasksOrphaned(recovered)
	}
	s.log.Infow("recovery_scan_done", "pending", len(pending), "recovered", recovered)
	return recovered, nil
}

// abandoned reports whether no worker will finish t, and why.
func (s *recoveryService) abandoned(t *domain.Task, alive map[string]bool) (string, bool) {
	if t.Owner == s.ownerID {
		if s.runner == nil || !t.IsRoot() || s.runner.InFlight(t.ID) {
			return "", false
		}
		return "orphaned: no worker holds the task", true
	}
	if alive[t.Owner] {
		return "", false
	}
	return fmt.Sprintf("orphaned: owner %s stopped heartbeating", t.Owner), true
}

// Run heartbeats and scans until ctx is cancelled.
func (s *recoveryService) Run(ctx context.Context) {
	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()
	scan := time.NewTicker(s.scanEvery)
	defer scan.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := s.owners.Heartbeat(ctx, s.ownerID, s.now()); err != nil {
				s.log.Errorw("recovery_heartbeat_failed", "owner", s.ownerID, "error", err)
			}
		case <-scan.C:
			if _, err := s.Scan(ctx); err != nil {
				s.log.Errorw("recovery_scan_failed", "error", err)
			}
		}
	}
}
