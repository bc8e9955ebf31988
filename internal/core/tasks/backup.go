package tasks

import (
	"fmt"

	"github.com/clusterctl/commissioner/internal/core/services"
	"github.com/clusterctl/commissioner/internal/domain"
)

const backupScript = "sudo /home/yugabyte/bin/yb_backup.sh"

// Backups only conflict with mutations of the cluster; another backup running
// at the same time is refused by the flag it sets.
func backupPolicy() domain.AdmissionPolicy {
	return domain.AdmissionPolicy{
		RequireClear: []domain.BusyFlag{domain.BusyFlagUpdateInProgress, domain.BusyFlagBackupInProgress},
		Set:          []domain.BusyFlag{domain.BusyFlagBackupInProgress},
	}
}

// ==================== CreateBackup ====================

type createBackup struct{ deps Deps }

func (h *createBackup) Kind() domain.TaskKind                      { return domain.TaskKindCreateBackup }
func (h *createBackup) Verb() domain.AuditVerb                     { return domain.AuditVerbBackup }
func (h *createBackup) Policy(domain.JSONB) domain.AdmissionPolicy { return backupPolicy() }

func (h *createBackup) Validate(params domain.JSONB) error {
	if _, err := requireString(params, "storage_location"); err != nil {
		return err
	}
	_, err := parseNodes(params, "nodes", true)
	return err
}

func (h *createBackup) Execute(tc *services.TaskContext) domain.Result {
	params := tc.Params()
	location := params["storage_location"].(string)
	nodes, _ := parseNodes(params, "nodes", true)
	backupID := tc.TaskID()

	q := tc.Queue()
	q.Group(domain.SubTaskGroupCreatingBackup).
		Add(domain.TaskKindRunNodeCommand, nodes[0].With(domain.JSONB{
			"command": fmt.Sprintf("%s create --backup_id %s --backup_location %s",
				backupScript, shellQuote(backupID), shellQuote(location)),
		})).
		Add(domain.TaskKindSetResourceMarker, domain.JSONB{
			"attributes": map[string]interface{}{
				"last_backup_id":       backupID,
				"last_backup_location": location,
			},
		})
	return q.Run()
}

// ==================== DeleteBackup ====================

type deleteBackup struct{ deps Deps }

func (h *deleteBackup) Kind() domain.TaskKind                      { return domain.TaskKindDeleteBackup }
func (h *deleteBackup) Verb() domain.AuditVerb                     { return domain.AuditVerbDeleteBackup }
func (h *deleteBackup) Policy(domain.JSONB) domain.AdmissionPolicy { return backupPolicy() }

func (h *deleteBackup) Validate(params domain.JSONB) error {
	for _, key := range []string{"backup_id", "storage_location"} {
		if _, err := requireString(params, key); err != nil {
			return err
		}
	}
	_, err := parseNodes(params, "nodes", true)
	return err
}

func (h *deleteBackup) Execute(tc *services.TaskContext) domain.Result {
	params := tc.Params()
	nodes, _ := parseNodes(params, "nodes", true)

	q := tc.Queue()
	q.Group(domain.SubTaskGroupDeletingBackup).
		Add(domain.TaskKindRunNodeCommand, nodes[0].With(domain.JSONB{
			"command": fmt.Sprintf("%s delete --backup_id %s --backup_location %s",
				backupScript, shellQuote(params["backup_id"].(string)), shellQuote(params["storage_location"].(string))),
		}))
	return q.Run()
}
