package mongodb

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
			Description:  "MongoDB collection with soft deletes and sequence change tracking",
			Capabilities: []string{"source", "target", "durable", "incremental"},
		})
}
