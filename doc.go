// Package driftsync provides a bidirectional data synchronization engine
// that keeps record sets in different systems convergent.
//
// Driftsync drives change-detection sync cycles between connector pairs:
// changes are extracted from a source connector, validated, classified
// against the target's current state, run through conflict resolution,
// and applied in parallel batches. Every batch boundary is checkpointed
// so an interrupted cycle resumes where it left off, and records that
// cannot be applied are routed to a dead-letter sink for later
// inspection and requeue.
//
// # Architecture
//
// The engine is organized around a few core ideas:
//
// 1. Connectors as the only system boundary: every external system is a
// connector implementing ListChanges, Fetch, ApplyChanges, and
// optionally Subscribe for streaming wakeups. The engine never talks to
// a database, broker, or object store directly.
//
// 2. Checkpointed at-least-once delivery: a checkpoint is persisted only
// after the batch it covers has been durably applied. Replays are
// expected and made idempotent by change-state classification, which
// skips records whose effect is already present in the target.
//
// 3. Deterministic conflict resolution: when both sides of a pair have
// diverged for the same key, a per-pair strategy (source-wins,
// target-wins, latest-timestamp, or manual) settles the winner, with
// connectors able to override per record.
//
// 4. No record left behind: anything the engine gives up on, whether a
// validation failure, exhausted retries, or a schema mismatch, lands in
// the dead-letter sink with its failure context instead of being
// dropped.
//
// # Quick Start
//
// Define a pair in YAML and run it:
//
//	pairs:
//	  - id: users
//	    mode: scheduled
//	    interval: 30s
//	    strategy: latest-timestamp
//	    source:
//	      name: users-db
//	      type: postgres
//	      settings:
//	        dsn: ${USERS_DSN}
//	        table: users
//	    target:
//	      name: users-cache
//	      type: mongodb
//	      settings:
//	        uri: ${CACHE_URI}
//	        database: app
//	        collection: users
//
//	driftsync validate --config pairs.yaml
//	driftsync run --config pairs.yaml
//
// Or embed the engine:
//
//	cfg, _ := config.LoadEngineConfig("pairs.yaml")
//	eng, _ := engine.New(cfg, checkpoint.NewMemoryStore(), deadletter.NewMemorySink())
//	_ = eng.Start(ctx)
//	status, _ := eng.SyncNow(ctx, "users")
//
// # Key Packages
//
//	internal/engine  - Sync cycle orchestration, scheduling, run history
//	pkg/connector    - Connector framework and built-in connectors
//	pkg/checkpoint   - Resume position persistence (memory, file, postgres)
//	pkg/deadletter   - Failed-record capture and requeue (memory, file, postgres)
//	pkg/resolver     - Conflict detection and resolution strategies
//	pkg/validation   - Record rule sets applied before the target
//	pkg/config       - YAML configuration with env substitution
//	pkg/errors       - Typed error handling with retryability
//	pkg/logger       - Structured logging
//	pkg/metrics      - Prometheus metrics collection
//
// # Connectors
//
// Built-in connector types:
//   - memory (in-process, used heavily in tests)
//   - file (JSON-lines changelogs on disk)
//   - postgres (table sync with a changelog side table)
//   - mongodb (collection sync with change streams)
//   - kafka (topic source/sink with offset checkpoints)
//   - s3 (object-store changelog segments, optionally compressed)
//
// Connectors register themselves at import time; see
// pkg/connector/registry.
package driftsync
