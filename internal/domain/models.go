package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ==================== ENUMS ====================

type TaskState string

const (
	TaskStateCreated      TaskState = "Created"
	TaskStateInitializing TaskState = "Initializing"
	TaskStateRunning      TaskState = "Running"
	TaskStateSuccess      TaskState = "Success"
	TaskStateFailure      TaskState = "Failure"
	// Display only. Never written to the store.
	TaskStateUnknown TaskState = "Unknown"
)

type TaskKind string

// Root kinds.
const (
	TaskKindCreateCluster      TaskKind = "CreateCluster"
	TaskKindEditCluster        TaskKind = "EditCluster"
	TaskKindUpgradeCluster     TaskKind = "UpgradeCluster"
	TaskKindDestroyCluster     TaskKind = "DestroyCluster"
	TaskKindRotateCertificates TaskKind = "RotateCertificates"
	TaskKindCreateBackup       TaskKind = "CreateBackup"
	TaskKindDeleteBackup       TaskKind = "DeleteBackup"
)

// Leaf kinds.
const (
	TaskKindRunNodeCommand      TaskKind = "RunNodeCommand"
	TaskKindUploadFile          TaskKind = "UploadFile"
	TaskKindWaitForServer       TaskKind = "WaitForServer"
	TaskKindSetResourceMarker   TaskKind = "SetResourceMarker"
	TaskKindRemoveResourceEntry TaskKind = "RemoveResourceEntry"
)

type SubTaskGroup string

const (
	SubTaskGroupNone                  SubTaskGroup = ""
	SubTaskGroupPreflightChecks       SubTaskGroup = "PreflightChecks"
	SubTaskGroupProvisioning          SubTaskGroup = "Provisioning"
	SubTaskGroupInstallingSoftware    SubTaskGroup = "InstallingSoftware"
	SubTaskGroupStartingNode          SubTaskGroup = "StartingNode"
	SubTaskGroupStartingNodeProcesses SubTaskGroup = "StartingNodeProcesses"
	SubTaskGroupConfigureUniverse     SubTaskGroup = "ConfigureUniverse"
	SubTaskGroupUpgradingSoftware     SubTaskGroup = "UpgradingSoftware"
	SubTaskGroupUploadingCertificates SubTaskGroup = "UploadingCertificates"
	SubTaskGroupStoppingNodeProcesses SubTaskGroup = "StoppingNodeProcesses"
	SubTaskGroupRemovingUnusedServers SubTaskGroup = "RemovingUnusedServers"
	SubTaskGroupCreatingBackup        SubTaskGroup = "CreatingBackup"
	SubTaskGroupDeletingBackup        SubTaskGroup = "DeletingBackup"
)

type BusyFlag string

const (
	BusyFlagUpdateInProgress BusyFlag = "update_in_progress"
	BusyFlagBackupInProgress BusyFlag = "backup_in_progress"
)

type AuditVerb string

const (
	AuditVerbCreate       AuditVerb = "Create"
	AuditVerbUpdate       AuditVerb = "Update"
	AuditVerbDelete       AuditVerb = "Delete"
	AuditVerbUpgrade      AuditVerb = "Upgrade"
	AuditVerbUpdateCert   AuditVerb = "UpdateCert"
	AuditVerbBackup       AuditVerb = "Backup"
	AuditVerbDeleteBackup AuditVerb = "DeleteBackup"
)

const ResourceTypeCluster = "cluster"

// ==================== JSONB TYPES ====================

type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	b, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return errors.New("failed to scan JSONB: invalid type")
	}
	return json.Unmarshal(bytes, j)
}

// Clone returns a shallow copy so callers can add keys without touching the original.
func (j JSONB) Clone() JSONB {
	out := make(JSONB, len(j))
	for k, v := range j {
		out[k] = v
	}
	return out
}

// ==================== ENTITIES ====================

type Task struct {
	ID           string       `gorm:"primaryKey;size:36" json:"id"`
	ParentID     *string      `gorm:"size:36;index" json:"parent_id,omitempty"`
	Position     int          `gorm:"not null;default:-1" json:"position"`
	Kind         TaskKind     `gorm:"size:64;not null" json:"kind"`
	State        TaskState    `gorm:"size:20;not null;index" json:"state"`
	SubTaskGroup SubTaskGroup `gorm:"size:64" json:"subtask_group,omitempty"`
	PercentDone  int          `gorm:"not null;default:0" json:"percent_done"`
	Details      JSONB        `gorm:"type:text" json:"details,omitempty"`
	Owner        string       `gorm:"size:255;index" json:"owner"`
	TargetType   string       `gorm:"size:64" json:"target_type,omitempty"`
	TargetID     string       `gorm:"size:255" json:"target_id,omitempty"`
	Error        string       `gorm:"type:text" json:"error,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

func (t *Task) IsRoot() bool {
	return t.ParentID == nil
}

func (t *Task) Target() ResourceRef {
	return ResourceRef{Type: t.TargetType, ID: t.TargetID}
}

type AuditEntry struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	CustomerID  string     `gorm:"size:255;not null;index" json:"customer_id"`
	TaskID      string     `gorm:"size:36;not null;uniqueIndex" json:"task_id"`
	TargetType  string     `gorm:"size:64;not null" json:"target_type"`
	TargetID    string     `gorm:"size:255;not null" json:"target_id"`
	Verb        AuditVerb  `gorm:"size:32;not null" json:"verb"`
	DisplayName string     `gorm:"size:255" json:"display_name"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type Resource struct {
	ID         string    `gorm:"primaryKey;size:255" json:"id"`
	Type       string    `gorm:"primaryKey;size:64" json:"type"`
	Version    int64     `gorm:"not null;default:0" json:"version"`
	Attributes JSONB     `gorm:"type:text" json:"attributes,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type ResourceLock struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	ResourceID   string    `gorm:"size:255;not null;uniqueIndex:idx_resource_locks_flag" json:"resource_id"`
	ResourceType string    `gorm:"size:64;not null;uniqueIndex:idx_resource_locks_flag" json:"resource_type"`
	Flag         BusyFlag  `gorm:"size:32;not null;uniqueIndex:idx_resource_locks_flag" json:"flag"`
	HolderTaskID string    `gorm:"size:36;not null;index" json:"holder_task_id"`
	CreatedAt    time.Time `json:"created_at"`
}

type TaskOwner struct {
	ID          string    `gorm:"primaryKey;size:255" json:"id"`
	Hostname    string    `gorm:"size:255" json:"hostname"`
	PID         int       `json:"pid"`
	StartedAt   time.Time `json:"started_at"`
	HeartbeatAt time.Time `gorm:"index" json:"heartbeat_at"`
}

// ==================== VALUE TYPES ====================

type ResourceRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (r ResourceRef) String() string {
	return fmt.Sprintf("%s/%s", r.Type, r.ID)
}

func (r ResourceRef) IsZero() bool {
	return r.Type == "" || r.ID == ""
}

// AdmissionPolicy describes which busy flags gate a submission and which it sets.
type AdmissionPolicy struct {
	RequireClear    []BusyFlag
	Set             []BusyFlag
	Force           bool
	CreateIfMissing bool
}

type ResourceState struct {
	Ref     ResourceRef       `json:"ref"`
	Version int64             `json:"version"`
	Locks   []ResourceLock    `json:"locks"`
	Flags   map[BusyFlag]bool `json:"flags"`
}
