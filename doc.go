// Package quest is a client-side remote-data synchronization engine:
// given a declarative description of how to fetch and mutate a named
// resource, it manages the resource's load/error/data lifecycle,
// deduplicates concurrent fetch attempts per key, supports synchronous
// server-render completion, and applies multi-step optimistic updates
// with automatic rollback on failure.
//
// The engine is the sole writer of the per-key Record kept in a Store;
// consumers read records (or subscribe to commits) and never mutate them.
// One fetch per key is in flight at a time: a second StartQuest while the
// first is unsettled returns the same Flight. Every key carries a
// monotonic generation; settlements arriving for an outdated generation
// are dropped instead of clobbering newer data.
package quest
