package neo4jstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Bootstrap creates the database (enterprise edition) together with the
// constraints and indexes the store relies on:
//
//   - unique ids for items and snapshots, so concurrent MERGEs cannot mint
//     duplicates,
//   - a uniqueness constraint on the snapshot (item, context, source) triple,
//     which is what makes upsert-on-triple safe, and
//   - lookup indexes for the access paths the engine uses on every import
//     (items by type, items by type and identifier, snapshots by item).
//
// This function is idempotent.
func Bootstrap(ctx context.Context, d neo4j.DriverWithContext, name string) error {
	if err := createDatabase(ctx, d, name); err != nil {
		return fmt.Errorf("create database: %w", err)
	}

	s := d.NewSession(ctx, neo4j.SessionConfig{DatabaseName: name})
	defer func() { _ = s.Close(ctx) }()

	statements := []string{
		`CREATE CONSTRAINT IF NOT EXISTS
		 FOR (n:Item)
		 REQUIRE n.id IS NODE KEY`,
		`CREATE CONSTRAINT IF NOT EXISTS
		 FOR (sn:Snapshot)
		 REQUIRE sn.id IS NODE KEY`,
		`CREATE CONSTRAINT IF NOT EXISTS
		 FOR (sn:Snapshot)
		 REQUIRE (sn.item_id, sn.context_id, sn.source_id) IS NODE KEY`,
		`CREATE INDEX IF NOT EXISTS
		 FOR (n:Item)
		 ON (n.type)`,
		`CREATE INDEX IF NOT EXISTS
		 FOR (n:Item)
		 ON (n.type, n.identifier)`,
		`CREATE INDEX IF NOT EXISTS
		 FOR (sn:Snapshot)
		 ON (sn.item_id)`,
	}
	_, err := s.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, statement := range statements {
			if _, err := tx.Run(ctx, statement, nil); err != nil {
				return nil, fmt.Errorf("bootstrap statement: %w", err)
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("create constraints: %w", err)
	}
	return s.Close(ctx)
}

func createDatabase(ctx context.Context, d neo4j.DriverWithContext, name string) error {
	if name == "" {
		panic("neo4jstore: database name must not be empty")
	}
	if name == "neo4j" {
		panic("neo4jstore: database name must not be neo4j: reserved for system database")
	}
	if strings.HasPrefix(name, "system") || strings.HasPrefix(name, "_") {
		panic("neo4jstore: names that begin with an underscore or with the prefix system are reserved for internal use")
	}

	s := d.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer func() { _ = s.Close(ctx) }()

	// create a new database if it does not exist
	_, err := s.Run(ctx, `
			CREATE DATABASE $name IF NOT EXISTS
		`, map[string]any{
		"name": name,
	})
	return err
}
