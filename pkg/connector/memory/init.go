package memory

import (
	"github.com/driftsync/driftsync/pkg/config"
	"github.com/driftsync/driftsync/pkg/connector/core"
	"github.com/driftsync/driftsync/pkg/connector/registry"
)

func init() {
	registry.MustRegister(Type,
		func(name string, cfg *config.ConnectorConfig) (core.Connector, error) {
			return New(name), nil
		},
		core.Metadata{
			Description:  "in-memory store with an exact changelog, for tests and local runs",
			Capabilities: []string{"source", "target", "streaming", "exact_change_tracking"},
		})
}
