// Package storage persists capacity records, the job-assignment slice and the
// technician directory.
//
// The sqlite backend pushes the (technician, day) uniqueness invariant into
// the database (unique composite index + conditional upsert), so concurrent
// writers are safe even without the engine's in-process key lock. The memory
// backend mirrors the same semantics behind a mutex and is the standard test
// double.
package storage
