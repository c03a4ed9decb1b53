// Package store is the durable layer under the offline cache.
//
// State is split into partitions, one per entity type. A [Backend] persists
// each partition as a set of framed records and offers an atomic
// read-modify-write ([Backend.Update]) that is serialized per partition.
// [Store] is the typed view the cache works with:
//
//	posts := store.New[model.Post](backend, "posts")
//	state, err := posts.Read(ctx)
//	_, err = posts.UpdateAtomically(ctx, func(s store.State[model.Post]) store.State[model.Post] {
//	    s[p.ID] = store.Entry[model.Post]{Value: p, LastUpdatedMs: now}
//	    return s
//	})
//
// # Backends
//
//   - [NewMemory]: process-local maps, used by tests and ephemeral caches.
//   - [NewFile]: one file per partition. A gofrs/flock lock guards the
//     read-modify-write and commits go through a temp file renamed into
//     place, so a crash never leaves a half-written partition.
//   - [NewSQLite]: modernc.org/sqlite (pure Go). One row per record, each
//     update runs in a single transaction.
//   - [NewRedis]: one hash per partition, optimistic WATCH/MULTI with
//     bounded retries.
//
// # Records
//
// Every record is msgpack wrapped in a frame carrying a format version and
// an xxhash64 checksum of the payload. Values are encoded as msgpack maps, so
// adding a field to a cached type keeps old records readable.
//
// # Errors
//
// A partition that fails to decode is reset to empty and reported through
// the logger and [WithCorruptionHandler]; the call returns an error matching
// [ErrCorruption]. Storage failures match [ErrUnavailable]. Context
// cancellation is returned as is, and a cancelled update commits nothing.
package store
