package kafka

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
			Description:  "Kafka topic endpoint with consumer-group reads and keyed produces",
			Capabilities: []string{"source", "target", "streaming", "tombstone_deletes"},
		})
}
