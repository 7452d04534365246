// Package keysourcing provides the event log and CQRS projection core of
// an identity/access-management backend.
//
// This package serves as the main entry point for the keysourcing library.
// For the core functionality, see the es package and its subpackages:
//
//	es            - Core types and interfaces
//	es/store      - Event log and projection store abstractions
//	es/projection - Projection handler, registry and wait helper
//	es/adapters/postgres - PostgreSQL implementation
//	es/migrations - Migration generation
//
// Quick Start:
//
//  1. Generate migrations:
//     go run github.com/keyfold/keysourcing/cmd/migrate-gen -output migrations
//
//  2. Create a store and push events:
//     store := postgres.NewStore(db, postgres.DefaultStoreConfig())
//     event, err := store.Push(ctx, cmd)
//
//  3. Run projections:
//     registry := projection.NewRegistry(deps, logger)
//     registry.Register(config, myProjection)
//     registry.Init(ctx)
//     registry.StartAll(ctx)
package keysourcing

// Version returns the current version of the library.
func Version() string {
	return "0.1.0-dev"
}
