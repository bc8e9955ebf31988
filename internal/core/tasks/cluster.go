package tasks

import (
	"fmt"
	"strings"
	"time"

	"github.com/clusterctl/commissioner/internal/core/services"
	"github.com/clusterctl/commissioner/internal/domain"
)

const defaultSoftwareVersion = "2.20.0.0"

const (
	cmdStartProcesses   = "sudo systemctl start yb-master yb-tserver"
	cmdStopProcesses    = "sudo systemctl stop yb-tserver yb-master"
	cmdRestartProcesses = "sudo systemctl restart yb-master yb-tserver"
	cmdCleanupServer    = "sudo rm -rf /mnt/d0/yb-data /home/yugabyte/master /home/yugabyte/tserver"
)

func installCmd(version string) string {
	return fmt.Sprintf("sudo /home/yugabyte/bin/install-software.sh --version %s", shellQuote(version))
}

func configureCmd(clusterName string, masters []NodeSpec) string {
	addrs := make([]string, 0, len(masters))
	for _, m := range masters {
		addrs = append(addrs, m.Host+":7100")
	}
	return fmt.Sprintf("sudo /home/yugabyte/bin/configure-server.sh --cluster %s --masters %s",
		shellQuote(clusterName), shellQuote(strings.Join(addrs, ",")))
}

func mutationPolicy() domain.AdmissionPolicy {
	return domain.AdmissionPolicy{
		RequireClear: []domain.BusyFlag{domain.BusyFlagUpdateInProgress, domain.BusyFlagBackupInProgress},
		Set:          []domain.BusyFlag{domain.BusyFlagUpdateInProgress},
	}
}

// startNodes adds the phases that bring fresh nodes from reachable to serving.
func startNodes(q *services.SubTaskQueue, deps Deps, nodes []NodeSpec, version string) {
	provision := q.Group(domain.SubTaskGroupProvisioning).Parallel(deps.Parallelism)
	for _, n := range nodes {
		provision.Add(domain.TaskKindWaitForServer, n.Params())
	}
	install := q.Group(domain.SubTaskGroupInstallingSoftware).Parallel(deps.Parallelism)
	for _, n := range nodes {
		install.Add(domain.TaskKindRunNodeCommand, n.With(domain.JSONB{"command": installCmd(version)}))
	}
	start := q.Group(domain.SubTaskGroupStartingNodeProcesses)
	for _, n := range nodes {
		start.Add(domain.TaskKindRunNodeCommand, n.With(domain.JSONB{"command": cmdStartProcesses}))
	}
}

// ==================== CreateCluster ====================

type createCluster struct{ deps Deps }

func (h *createCluster) Kind() domain.TaskKind  { return domain.TaskKindCreateCluster }
func (h *createCluster) Verb() domain.AuditVerb { return domain.AuditVerbCreate }

func (h *createCluster) Policy(domain.JSONB) domain.AdmissionPolicy {
	p := mutationPolicy()
	p.CreateIfMissing = true
	return p
}

func (h *createCluster) Validate(params domain.JSONB) error {
	if _, err := requireString(params, "name"); err != nil {
		return err
	}
	_, err := parseNodes(params, "nodes", false)
	return err
}

func (h *createCluster) Execute(tc *services.TaskContext) domain.Result {
	params := tc.Params()
	name := params["name"].(string)
	version := stringOr(params, "software_version", defaultSoftwareVersion)
	nodes, _ := parseNodes(params, "nodes", false)

	q := tc.Queue()
	if len(nodes) > 0 {
		startNodes(q, h.deps, nodes, version)
	}
	configure := q.Group(domain.SubTaskGroupConfigureUniverse)
	if len(nodes) > 0 {
		configure.Add(domain.TaskKindRunNodeCommand, nodes[0].With(domain.JSONB{"command": configureCmd(name, nodes)}))
	}
	configure.Add(domain.TaskKindSetResourceMarker, domain.JSONB{
		"attributes": map[string]interface{}{
			"name":             name,
			"software_version": version,
			"node_count":       len(nodes),
		},
	})
	return q.Run()
}

// ==================== EditCluster ====================

type editCluster struct{ deps Deps }

func (h *editCluster) Kind() domain.TaskKind                      { return domain.TaskKindEditCluster }
func (h *editCluster) Verb() domain.AuditVerb                     { return domain.AuditVerbUpdate }
func (h *editCluster) Policy(domain.JSONB) domain.AdmissionPolicy { return mutationPolicy() }

func (h *editCluster) Validate(params domain.JSONB) error {
	add, err := parseNodes(params, "add_nodes", false)
	if err != nil {
		return err
	}
	remove, err := parseNodes(params, "remove_nodes", false)
	if err != nil {
		return err
	}
	if len(add)+len(remove) == 0 {
		return fmt.Errorf("%w: add_nodes or remove_nodes", ErrMissingParam)
	}
	return nil
}

func (h *editCluster) Execute(tc *services.TaskContext) domain.Result {
	params := tc.Params()
	add, _ := parseNodes(params, "add_nodes", false)
	remove, _ := parseNodes(params, "remove_nodes", false)
	version := stringOr(params, "software_version", defaultSoftwareVersion)

	q := tc.Queue()
	if len(add) > 0 {
		startNodes(q, h.deps, add, version)
	}
	if len(remove) > 0 {
		stop := q.Group(domain.SubTaskGroupStoppingNodeProcesses)
		for _, n := range remove {
			stop.Add(domain.TaskKindRunNodeCommand, n.With(domain.JSONB{"command": cmdStopProcesses}))
		}
		cleanup := q.Group(domain.SubTaskGroupRemovingUnusedServers)
		for _, n := range remove {
			cleanup.Add(domain.TaskKindRunNodeCommand, n.With(domain.JSONB{"command": cmdCleanupServer}))
		}
	}
	q.Group(domain.SubTaskGroupConfigureUniverse).Add(domain.TaskKindSetResourceMarker, domain.JSONB{
		"attributes": map[string]interface{}{
			"last_edit_added":   len(add),
			"last_edit_removed": len(remove),
		},
	})
	return q.Run()
}

// ==================== UpgradeCluster ====================

type upgradeCluster struct{ deps Deps }

func (h *upgradeCluster) Kind() domain.TaskKind                      { return domain.TaskKindUpgradeCluster }
func (h *upgradeCluster) Verb() domain.AuditVerb                     { return domain.AuditVerbUpgrade }
func (h *upgradeCluster) Policy(domain.JSONB) domain.AdmissionPolicy { return mutationPolicy() }

func (h *upgradeCluster) Validate(params domain.JSONB) error {
	if _, err := requireString(params, "software_version"); err != nil {
		return err
	}
	_, err := parseNodes(params, "nodes", true)
	return err
}

// Execute upgrades one node at a time so the cluster keeps serving.
func (h *upgradeCluster) Execute(tc *services.TaskContext) domain.Result {
	params := tc.Params()
	version := params["software_version"].(string)
	nodes, _ := parseNodes(params, "nodes", true)

	q := tc.Queue()
	rolling := q.Group(domain.SubTaskGroupUpgradingSoftware)
	for _, n := range nodes {
		rolling.
			Add(domain.TaskKindRunNodeCommand, n.With(domain.JSONB{"command": cmdStopProcesses})).
			Add(domain.TaskKindRunNodeCommand, n.With(domain.JSONB{"command": installCmd(version)})).
			Add(domain.TaskKindRunNodeCommand, n.With(domain.JSONB{"command": cmdStartProcesses})).
			Add(domain.TaskKindWaitForServer, n.Params())
	}
	q.Group(domain.SubTaskGroupConfigureUniverse).Add(domain.TaskKindSetResourceMarker, domain.JSONB{
		"attributes": map[string]interface{}{"software_version": version},
	})
	return q.Run()
}

// ==================== DestroyCluster ====================

type destroyCluster struct{ deps Deps }

func (h *destroyCluster) Kind() domain.TaskKind  { return domain.TaskKindDestroyCluster }
func (h *destroyCluster) Verb() domain.AuditVerb { return domain.AuditVerbDelete }

// Policy for a forced destroy overrides busy flags and ignores the version.
func (h *destroyCluster) Policy(params domain.JSONB) domain.AdmissionPolicy {
	p := mutationPolicy()
	p.Force = boolParam(params, "force")
	return p
}

func (h *destroyCluster) Validate(params domain.JSONB) error {
	_, err := parseNodes(params, "nodes", false)
	return err
}

func (h *destroyCluster) Execute(tc *services.TaskContext) domain.Result {
	params := tc.Params()
	force := boolParam(params, "force")
	nodes, _ := parseNodes(params, "nodes", false)

	node := func(n NodeSpec, cmd string) domain.JSONB {
		return n.With(domain.JSONB{"command": cmd, "ignore_errors": force})
	}

	q := tc.Queue()
	if boolParam(params, "delete_backups") && len(nodes) > 0 {
		q.Group(domain.SubTaskGroupDeletingBackup).
			Add(domain.TaskKindRunNodeCommand, node(nodes[0], "sudo /home/yugabyte/bin/yb_backup.sh delete --all"))
	}
	if len(nodes) > 0 {
		stop := q.Group(domain.SubTaskGroupStoppingNodeProcesses)
		for _, n := range nodes {
			stop.Add(domain.TaskKindRunNodeCommand, node(n, cmdStopProcesses))
		}
	}
	remove := q.Group(domain.SubTaskGroupRemovingUnusedServers)
	for _, n := range nodes {
		remove.Add(domain.TaskKindRunNodeCommand, node(n, cmdCleanupServer))
	}
	remove.Add(domain.TaskKindRemoveResourceEntry, nil)
	return q.Run()
}

// ==================== RotateCertificates ====================

const certDir = "/home/yugabyte/certs"

type rotateCertificates struct{ deps Deps }

func (h *rotateCertificates) Kind() domain.TaskKind                      { return domain.TaskKindRotateCertificates }
func (h *rotateCertificates) Verb() domain.AuditVerb                     { return domain.AuditVerbUpdateCert }
func (h *rotateCertificates) Policy(domain.JSONB) domain.AdmissionPolicy { return mutationPolicy() }
func (h *rotateCertificates) SensitiveKeys() []string                    { return []string{"server_key_pem"} }

func (h *rotateCertificates) Validate(params domain.JSONB) error {
	for _, key := range []string{"root_ca_pem", "server_cert_pem", "server_key_pem"} {
		if _, err := requireString(params, key); err != nil {
			return err
		}
	}
	_, err := parseNodes(params, "nodes", true)
	return err
}

func (h *rotateCertificates) Execute(tc *services.TaskContext) domain.Result {
	params := tc.Params()
	nodes, _ := parseNodes(params, "nodes", true)
	key, err := tc.Secret("server_key_pem")
	if err != nil {
		return domain.FailedErr("secret", err)
	}

	files := []struct {
		path    string
		content string
		mode    int
	}{
		{certDir + "/ca.crt", params["root_ca_pem"].(string), 0o644},
		{certDir + "/node.crt", params["server_cert_pem"].(string), 0o644},
		{certDir + "/node.key", key, 0o600},
	}

	q := tc.Queue()
	upload := q.Group(domain.SubTaskGroupUploadingCertificates).Parallel(h.deps.Parallelism)
	for _, n := range nodes {
		for _, f := range files {
			upload.Add(domain.TaskKindUploadFile, n.With(domain.JSONB{"path": f.path, "content": f.content, "mode": f.mode}))
		}
	}
	restart := q.Group(domain.SubTaskGroupStartingNodeProcesses)
	for _, n := range nodes {
		restart.
			Add(domain.TaskKindRunNodeCommand, n.With(domain.JSONB{"command": cmdRestartProcesses})).
			Add(domain.TaskKindWaitForServer, n.Params())
	}
	q.Group(domain.SubTaskGroupConfigureUniverse).Add(domain.TaskKindSetResourceMarker, domain.JSONB{
		"attributes": map[string]interface{}{"certs_rotated_at": time.Now().UTC().Format(time.RFC3339)},
	})
	return q.Run()
}
