// Package registry manages connector registration and instantiation.
// Connector packages register a factory from an init function, so
// importing a connector package is all it takes to make its type
// available to the engine and CLI.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/driftsync/driftsync/pkg/config"
	"github.com/driftsync/driftsync/pkg/connector/core"
	"github.com/driftsync/driftsync/pkg/errors"
	"github.com/driftsync/driftsync/pkg/logger"
)

// Registry maps connector type names to factories. A connector created
// here can serve as either end of a sync pair.
type Registry struct {
	factories map[string]core.Factory
	metadata  map[string]core.Metadata
	mu        sync.RWMutex
	logger    *zap.Logger
}

// Global registry instance
var globalRegistry = NewRegistry()

// NewRegistry creates an empty connector registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]core.Factory),
		metadata:  make(map[string]core.Metadata),
		logger:    logger.Get().With(zap.String("component", "connector_registry")),
	}
}

// Register adds a connector factory under its type name. Registering
// the same type twice is a configuration error.
func (r *Registry) Register(connectorType string, factory core.Factory, meta core.Metadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[connectorType]; exists {
		return errors.New(errors.ErrorTypeConfig, fmt.Sprintf("connector type %s already registered", connectorType))
	}

	meta.Type = connectorType
	r.factories[connectorType] = factory
	r.metadata[connectorType] = meta
	r.logger.Debug("connector type registered", zap.String("type", connectorType))
	return nil
}

// Create instantiates a connector of the given type. The instance is
// not initialized; callers run Initialize with the same config.
func (r *Registry) Create(connectorType, name string, cfg *config.ConnectorConfig) (core.Connector, error) {
	r.mu.RLock()
	factory, exists := r.factories[connectorType]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.New(errors.ErrorTypeConfig, fmt.Sprintf("connector type %s not registered", connectorType))
	}

	conn, err := factory(name, cfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, fmt.Sprintf("failed to create %s connector %s", connectorType, name))
	}

	return conn, nil
}

// List returns metadata for all registered connector types, sorted by
// type name for stable output.
func (r *Registry) List() []core.Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	metas := make([]core.Metadata, 0, len(r.metadata))
	for _, meta := range r.metadata {
		metas = append(metas, meta)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Type < metas[j].Type })
	return metas
}

// Exists reports whether a connector type is registered.
func (r *Registry) Exists(connectorType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.factories[connectorType]
	return exists
}

// Clear removes all registered connectors (mainly for testing).
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories = make(map[string]core.Factory)
	r.metadata = make(map[string]core.Metadata)
}

// Global registry functions

// Register adds a connector factory to the global registry. Connector
// packages call this from init and panic on failure, since a duplicate
// registration is a programming error caught at startup.
func Register(connectorType string, factory core.Factory, meta core.Metadata) error {
	return globalRegistry.Register(connectorType, factory, meta)
}

// MustRegister is Register for init functions.
func MustRegister(connectorType string, factory core.Factory, meta core.Metadata) {
	if err := Register(connectorType, factory, meta); err != nil {
		panic(err)
	}
}

// Create instantiates a connector from the global registry.
func Create(connectorType, name string, cfg *config.ConnectorConfig) (core.Connector, error) {
	return globalRegistry.Create(connectorType, name, cfg)
}

// List returns metadata for all globally registered connector types.
func List() []core.Metadata {
	return globalRegistry.List()
}

// Exists reports whether a type is registered globally.
func Exists(connectorType string) bool {
	return globalRegistry.Exists(connectorType)
}

// GetRegistry returns the global registry instance.
func GetRegistry() *Registry {
	return globalRegistry
}
