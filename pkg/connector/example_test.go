// Package connector_test provides examples of using the driftsync
// connector framework.
package connector_test

import (
	"context"
	"fmt"
	"log"

	"github.com/driftsync/driftsync/pkg/config"
	"github.com/driftsync/driftsync/pkg/connector/memory"
	"github.com/driftsync/driftsync/pkg/connector/registry"
	"github.com/driftsync/driftsync/pkg/record"

	// Import connectors to register them
	_ "github.com/driftsync/driftsync/pkg/connector/file"
	_ "github.com/driftsync/driftsync/pkg/connector/kafka"
	_ "github.com/driftsync/driftsync/pkg/connector/mongodb"
	_ "github.com/driftsync/driftsync/pkg/connector/postgres"
	_ "github.com/driftsync/driftsync/pkg/connector/s3"
)

// Example demonstrates creating a connector via the registry and
// reading its changelog.
func Example() {
	ctx := context.Background()

	cfg := config.NewConnectorConfig("users", memory.Type)
	conn, err := registry.Create(memory.Type, "users", &cfg)
	if err != nil {
		log.Fatal(err)
	}
	if err := conn.Initialize(ctx, &cfg); err != nil {
		log.Fatal(err)
	}
	defer conn.Close(ctx)

	mem := conn.(*memory.Connector)
	mem.Seed(
		record.New("u1", record.OpCreate, map[string]interface{}{"name": "Ada"}),
		record.New("u2", record.OpCreate, map[string]interface{}{"name": "Grace"}),
	)

	batch, err := conn.ListChanges(ctx, nil, 10)
	if err != nil {
		log.Fatal(err)
	}
	for _, rec := range batch.Records {
		fmt.Printf("%s %s\n", rec.Operation, rec.Key)
	}
	fmt.Printf("next position: %s\n", batch.NextCheckpoint.Position)

	// Output:
	// create u1
	// create u2
	// next position: 2
}

// Example_applyChanges shows per-record apply results. A delete for a
// key the target never had is reported as skipped, not failed, because
// the intended end state already holds.
func Example_applyChanges() {
	ctx := context.Background()

	cfg := config.NewConnectorConfig("cache", memory.Type)
	target := memory.New("cache")
	if err := target.Initialize(ctx, &cfg); err != nil {
		log.Fatal(err)
	}
	defer target.Close(ctx)

	results, err := target.ApplyChanges(ctx, []*record.Record{
		record.New("u1", record.OpCreate, map[string]interface{}{"name": "Ada"}),
		record.New("u9", record.OpDelete, nil),
	})
	if err != nil {
		log.Fatal(err)
	}
	for _, res := range results {
		fmt.Printf("%s: %s\n", res.Record.Key, res.Status)
	}

	// Output:
	// u1: applied
	// u9: skipped
}

// Example_registryList lists the registered connector types. The output
// depends on which connector packages are imported; this file imports
// all built-ins.
func Example_registryList() {
	for _, meta := range registry.List() {
		fmt.Println(meta.Type)
	}

	// Output:
	// file
	// kafka
	// memory
	// mongodb
	// postgres
	// s3
}
