// Package tasks holds the handlers for every task kind the commissioner can run.
package tasks

import (
	"github.com/clusterctl/commissioner/internal/core/services"
)

// RegisterAll adds every leaf and root handler to reg.
func RegisterAll(reg *services.Registry, deps Deps) error {
	deps = deps.withDefaults()
	handlers := []services.Handler{
		&runNodeCommand{deps},
		&uploadFile{deps},
		&waitForServer{deps},
		&setResourceMarker{deps},
		&removeResourceEntry{deps},

		&createCluster{deps},
		&editCluster{deps},
		&upgradeCluster{deps},
		&destroyCluster{deps},
		&rotateCertificates{deps},
		&createBackup{deps},
		&deleteBackup{deps},
	}
	for _, h := range handlers {
		if err := reg.Register(h); err != nil {
			return err
		}
	}
	return nil
}
