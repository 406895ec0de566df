// Package stores persists station results in SQLite.
//
// Every iteration becomes one row in the cycles table, with its test steps
// flattened depth-first into the steps table. The schema is applied from
// embedded migrations by Migrate, and connections run in WAL mode with
// foreign keys enabled so deleting a cycle removes its steps.
//
// ResultRecorder plugs a store into a station as the result handler:
//
//	store, err := stores.Open(ctx, stores.Config{Path: "results.db"})
//	...
//	rec := stores.NewResultRecorder(store, "bench-1", nil, logger)
//	station.Register(engine.SlotResultHandler, rec.Procedure())
package stores
