/*
Package queue is the only place in the coordinator where concurrent
producers (submit, requeue) and concurrent consumers (N workers
polling the same directory) meet, and it resolves that contention with
nothing more than POSIX atomic rename:

	queue/
	  <job_id>.json                    pending entry
	  <job_id>.json.claim.<worker_id>  transient, mid-claim

A worker wins an entry by renaming it onto a name only it could have
picked (its own worker id suffix). rename(2) is atomic, so once one
worker has moved the entry away every other rename of the same source
fails with ENOENT and at most one renamer observes success — that's
the whole of the single-claim guarantee (P1). A worker that dies between
the rename and deleting the claim file leaves it behind; the next
Claim call's stale-claim sweep renames it back to the pool once it's
older than the configured TTL (P7), regardless of which worker created
it.

Host affinity (P2) is enforced after the claim succeeds: if the
winning entry requires a specific host and the claiming worker isn't
it, the claim file is renamed back to its original name and the scan
continues. This still costs one rename round-trip per miss, but it
keeps the serialization point — the rename itself — as the single
source of truth for "who owns this entry right now", rather than
layering a read-then-check race on top of it.

This package assumes the directory lives on a filesystem with POSIX
rename semantics (local disk, or an NFS-class mount that preserves
atomic rename). Deployments on filesystems that don't are explicitly
out of scope (§9 Open Questions).
*/
package queue
