/*
Package statemachine is the pure core of the job lifecycle: a status
enum and a transition table, with no I/O and no dependency on how or
where a job's status is persisted.

	LAUNCHING ──► QUEUED ──► DISPATCHED ──► RUNNING ──► FINISHED
	    │            │            │  ▲         │
	    │            │            │  └─QUEUED──┤ (reaper requeue)
	    │            │            ▼         ▼
	    └──────────CANCELED    STOP_REQUESTED │
	                              │     ▲     ▼
	                              ▼     └── FAILED / STOPPED

Every status change (submit, dispatch, agent reports, the reaper, the
ops surface) goes through the dispatcher's writeStatus, which calls
CanTransition before writing and treats a false result as an
InvalidTransitionError, unless the caller explicitly asked for a
forced write. Nothing here knows about files, locks, or
HTTP — that keeps it trivial to test exhaustively over the small state
space (see statemachine_test.go) and keeps the core invariant (P3)
checkable without standing up a filesystem.
*/
package statemachine
