// Package store holds the authoritative session, worker and settings records
// for the scheduler.
//
// Two implementations satisfy Store: MemoryStore for tests and ephemeral
// servers, and SQLiteStore for persistent deployments. Both assign queue
// positions from a single monotonically increasing sequence, so positions
// are never reused even after a session is requeued or deleted.
//
// The store enforces no capacity rules. Callers (the scheduler) decide when
// a session may become active; the store only records the outcome.
package store
