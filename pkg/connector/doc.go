// Package connector provides the framework for building driftsync
// connectors. A connector is the engine's only view of an external
// system: it lists changes since a checkpoint, fetches current state by
// key, applies batches of records, and optionally streams change
// notifications.
//
// # Architecture Overview
//
// The connector package is organized into several sub-packages:
//
//   - core: Defines the Connector interface plus the optional
//     StreamingConnector and ConflictAware extensions, and the wire
//     types exchanged with the engine (ChangeBatch, ApplyResult,
//     ChangeNotification).
//
//   - base: Provides BaseConnector, a foundation implementing
//     configuration handling, validation, retry policies, circuit
//     breaking, and health reporting. All built-in connectors embed it.
//
//   - registry: Implements factory registration and lookup so
//     connectors can be constructed from configuration by type name.
//     Connectors self-register in their init functions.
//
//   - memory, file, postgres, mongodb, kafka, s3: The built-in
//     connector implementations.
//
// # Core Concepts
//
// Checkpointed reads: ListChanges takes the last durable checkpoint and
// returns a batch plus the checkpoint covering it. The engine persists
// that checkpoint only after the batch has been applied, so connectors
// must tolerate re-reading the same window after a crash.
//
// Per-record apply results: ApplyChanges reports an ApplyResult for
// every record rather than failing the whole batch, letting the engine
// retry or dead-letter exactly the records that need it.
//
// Streaming wakeups: connectors that can observe changes as they happen
// implement Subscribe. Notifications carry no data; they only tell the
// engine to start a cycle, which then reads through the normal
// checkpointed path.
//
// # Example Usage
//
// Creating a connector through the registry:
//
//	cfg := config.NewConnectorConfig("users-db", "postgres")
//	cfg.Settings["dsn"] = "${USERS_DSN}"
//	cfg.Settings["table"] = "users"
//
//	conn, err := registry.Create("postgres", "users-db", &cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := conn.Initialize(ctx, &cfg); err != nil {
//		log.Fatal(err)
//	}
//	defer conn.Close(ctx)
//
//	batch, err := conn.ListChanges(ctx, nil, 1000)
//
// # Building Custom Connectors
//
// 1. Embed base.BaseConnector and call its Initialize from your own
// 2. Parse connector-specific settings from config.ConnectorConfig.Settings
// 3. Return typed errors from pkg/errors so the engine can classify retryability
// 4. Keep ApplyChanges idempotent; the engine replays batches after crashes
// 5. Register the factory in an init function via registry.Register
// 6. Implement core.StreamingConnector only if the backend can push wakeups
package connector
