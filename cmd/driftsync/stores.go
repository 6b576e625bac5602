package main

import (
	"context"
	"fmt"

	"github.com/driftsync/driftsync/pkg/checkpoint"
	"github.com/driftsync/driftsync/pkg/config"
	"github.com/driftsync/driftsync/pkg/deadletter"
)

// buildStores constructs the checkpoint store and dead-letter sink named
// by the configuration.
func buildStores(ctx context.Context, cfg *config.EngineConfig) (checkpoint.Store, deadletter.Sink, error) {
	store, err := buildCheckpointStore(ctx, cfg.Checkpoints)
	if err != nil {
		return nil, nil, fmt.Errorf("building checkpoint store: %w", err)
	}

	sink, err := buildDeadLetterSink(ctx, cfg.DeadLetter)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("building dead-letter sink: %w", err)
	}

	return store, sink, nil
}

func buildCheckpointStore(ctx context.Context, sc config.StoreConfig) (checkpoint.Store, error) {
	switch sc.Type {
	case "", "memory":
		return checkpoint.NewMemoryStore(), nil
	case "file":
		return checkpoint.NewFileStore(sc.Path)
	case "postgres":
		return checkpoint.NewPostgresStore(ctx, sc.DSN)
	default:
		return nil, fmt.Errorf("unknown checkpoint store type %q", sc.Type)
	}
}

func buildDeadLetterSink(ctx context.Context, sc config.StoreConfig) (deadletter.Sink, error) {
	switch sc.Type {
	case "", "memory":
		return deadletter.NewMemorySink(), nil
	case "file":
		return deadletter.NewFileSink(sc.Path, sc.Compression)
	case "postgres":
		return deadletter.NewPostgresSink(ctx, sc.DSN)
	default:
		return nil, fmt.Errorf("unknown dead-letter sink type %q", sc.Type)
	}
}
