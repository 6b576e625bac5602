// Package config provides unified configuration management for the driftsync engine.
//
// The engine consumes a single EngineConfig tree: process-level settings
// (logging, checkpoint store, dead-letter sink, observability) plus one
// PairConfig per sync pair. Connector-specific settings live in each
// connector's Settings map and are parsed by the connector itself.
//
// # Key Features
//
// - Structured sections with yaml and json tags
// - Environment variable substitution with ${VAR_NAME} and ${VAR_NAME:default} syntax
// - Automatic defaults via ApplyDefaults and early validation via Validate
//
// # Usage
//
//	cfg, err := config.LoadEngineConfig("driftsync.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//
// # Example Configuration
//
//	logging:
//	  level: info
//	checkpoints:
//	  type: file
//	  path: /var/lib/driftsync/checkpoints
//	dead_letter:
//	  type: file
//	  path: /var/lib/driftsync/dead-letter
//	  compression: zstd
//	pairs:
//	  - id: users-pg-to-kafka
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
//	      name: users-feed
//	      type: kafka
//	      settings:
//	        brokers: localhost:9092
//	        topic: users
package config
