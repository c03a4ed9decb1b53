// Package cache decides whether locally persisted data may be served or has
// to be refreshed from the remote store.
//
// A [Cache] couples one [store.Store] partition with a staleness [Policy]
// and a [connectivity.Signal]:
//
//	posts := cache.New(
//	    store.New[model.Post](backend, "posts"),
//	    model.PostKey,
//	    cache.TTLGated(10*time.Minute),
//	    signal,
//	)
//	found, post, err := posts.Get(ctx, id)
//
// # Staleness
//
// [ModeTTLGated] entries expire once older than the TTL, but only while the
// signal reports online; offline callers keep using old data indefinitely.
// [ModeExplicitInvalidationOnly] entries never expire and are dropped only by
// [Cache.Delete], [Cache.ClearAll] or [Cache.RefreshCache]. User-owned
// aggregates (a friend list, a collection) use the latter; shared, frequently
// changing data uses the former.
//
// # Point reads
//
// [Cache.Get] reports found=false for an absent or stale entry. It never
// touches the network.
//
// # Collection reads
//
// [Cache.GetAll] and [Cache.GetAllMatching] are all-or-nothing: one stale
// member among the selected entries turns the whole read into a miss, so
// the caller refetches everything instead of mixing fresh and stale rows.
// An empty selection is a hit with an empty slice while offline ("there is
// nothing and we cannot check") and a miss while online ("go and ask").
//
// # Writes
//
// Every mutation is a single atomic commit on the partition. [Cache.Save]
// and [Cache.SaveAll] replace whole entries and stamp them with the local
// clock. [Cache.ReplaceMatching] swaps out a filtered subset after a
// collection refetch.
//
// # Errors
//
// Store errors are returned wrapped; use errors.Is with
// [store.ErrCorruption] or [store.ErrUnavailable] to tell them apart. Callers
// should treat any error as a miss, never as proof that data is absent.
package cache
