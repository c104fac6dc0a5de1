// Package scheduler implements the session lifecycle: admission against
// global and per-worker capacity, guarded auto-suspend of idle sessions,
// exit handling and continuation.
//
// [Manager] is the only component that both mutates the store and drives the
// process provider. It serialises its public operations and the provider's
// callbacks behind one mutex and implements [process.EventSink] itself.
//
// # Auto-suspend
//
// When an active session goes idle it is flagged as needing input. It is
// suspended (killed, then requeued with resume set) only if it is unlocked,
// has received input since it last became active, and some queued session
// could use the slot it frees. The interaction requirement stops a session
// that has nothing to do from being suspended and re-admitted forever.
//
// # Worker resolution
//
// New sessions are bound to a worker by a [WorkerResolver]. The default
// [LocalResolver] uses an explicit worker id when given and otherwise the
// local worker. Workers may restrict working directories with glob patterns.
package scheduler
