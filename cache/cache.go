package cache

import (
	"context"
	"sort"
	"time"

	"github.com/agentuity/offline-cache/connectivity"
	"github.com/agentuity/offline-cache/logger"
	"github.com/agentuity/offline-cache/store"
	"github.com/cockroachdb/errors"
)

// ErrEmptyKey is returned when an item's KeyFunc yields an empty identifier.
var ErrEmptyKey = errors.New("cache: empty entity identifier")

// KeyFunc computes an entity's identifier.
type KeyFunc[T any] func(T) string

// Predicate selects entities for collection queries.
type Predicate[T any] func(T) bool

type config struct {
	logger logger.Logger
	now    func() time.Time
}

// Option configures a Cache.
type Option func(*config)

// WithLogger sets the logger. Defaults to a console logger.
func WithLogger(l logger.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithClock replaces the wall clock used to stamp and age entries.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// Cache applies a staleness Policy to one partition of a store. It answers
// point reads by identifier as well as collection reads over the whole
// partition or a filtered subset. It holds no state of its own; every call
// reads the store's committed snapshot.
type Cache[T any] struct {
	store  *store.Store[T]
	key    KeyFunc[T]
	policy Policy
	signal connectivity.Signal
	now    func() time.Time
	log    logger.Logger
}

// New returns a Cache over s. A nil signal is treated as always online.
func New[T any](s *store.Store[T], key KeyFunc[T], policy Policy, signal connectivity.Signal, opts ...Option) *Cache[T] {
	cfg := config{now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = logger.NewConsoleLogger()
	}
	if signal == nil {
		signal = connectivity.Online
	}
	return &Cache[T]{
		store:  s,
		key:    key,
		policy: policy,
		signal: signal,
		now:    cfg.now,
		log:    logger.WithKV(cfg.logger.WithPrefix("[cache]"), "partition", s.Partition()),
	}
}

// Policy returns the staleness policy in effect.
func (c *Cache[T]) Policy() Policy {
	return c.policy
}

// Partition returns the name of the underlying store partition.
func (c *Cache[T]) Partition() string {
	return c.store.Partition()
}

func (c *Cache[T]) nowMs() int64 {
	return c.now().UnixMilli()
}

func (c *Cache[T]) read(ctx context.Context) (store.State[T], error) {
	state, err := c.store.Read(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "cache: read %s", c.Partition())
	}
	return state, nil
}

// Get returns the cached value for id. found is false when the entry is
// absent or stale; neither case is an error.
func (c *Cache[T]) Get(ctx context.Context, id string) (bool, T, error) {
	found, entry, err := c.Lookup(ctx, id)
	return found, entry.Value, err
}

// Lookup is Get returning the whole entry, including its write time.
func (c *Cache[T]) Lookup(ctx context.Context, id string) (bool, store.Entry[T], error) {
	var zero store.Entry[T]
	state, err := c.read(ctx)
	if err != nil {
		return false, zero, err
	}
	entry, ok := state[id]
	if !ok {
		c.log.Trace("miss %s", id)
		return false, zero, nil
	}
	if c.policy.IsStale(entry.LastUpdatedMs, c.nowMs(), c.signal.IsOnline()) {
		c.log.Trace("stale %s", id)
		return false, zero, nil
	}
	return true, entry, nil
}

// GetAll returns every cached value, ordered by identifier.
//
// found is true when the partition is non-empty and every entry is fresh, or
// when it is empty while offline (nothing cached and nothing to ask). An
// empty partition while online, or any single stale entry, is a miss.
func (c *Cache[T]) GetAll(ctx context.Context) (bool, []T, error) {
	return c.collect(ctx, nil)
}

// GetAllMatching is GetAll restricted to entries satisfying match. Both the
// freshness check and the empty check apply to the matching subset only.
func (c *Cache[T]) GetAllMatching(ctx context.Context, match Predicate[T]) (bool, []T, error) {
	if match == nil {
		return false, nil, errors.New("cache: nil predicate")
	}
	return c.collect(ctx, match)
}

func (c *Cache[T]) collect(ctx context.Context, match Predicate[T]) (bool, []T, error) {
	state, err := c.read(ctx)
	if err != nil {
		return false, nil, err
	}
	online := c.signal.IsOnline()
	now := c.nowMs()

	ids := make([]string, 0, len(state))
	for id, entry := range state {
		if match != nil && !match(entry.Value) {
			continue
		}
		if c.policy.IsStale(entry.LastUpdatedMs, now, online) {
			c.log.Trace("collection miss, %s is stale", id)
			return false, nil, nil
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		if online {
			return false, nil, nil
		}
		return true, []T{}, nil
	}
	sort.Strings(ids)
	values := make([]T, len(ids))
	for i, id := range ids {
		values[i] = state[id].Value
	}
	return true, values, nil
}

// Save stores item under its identifier, stamped with the current time.
func (c *Cache[T]) Save(ctx context.Context, item T) error {
	return c.SaveAll(ctx, []T{item})
}

// SaveAll stores every item in a single commit sharing one timestamp.
func (c *Cache[T]) SaveAll(ctx context.Context, items []T) error {
	if len(items) == 0 {
		return nil
	}
	return c.ReplaceMatching(ctx, func(T) bool { return false }, items)
}

// ReplaceMatching removes every entry satisfying match and stores items, in
// one commit. It is what a repository calls after refetching a collection so
// that members deleted remotely do not linger.
func (c *Cache[T]) ReplaceMatching(ctx context.Context, match Predicate[T], items []T) error {
	keys := make([]string, len(items))
	for i, item := range items {
		keys[i] = c.key(item)
		if keys[i] == "" {
			return errors.Wrapf(ErrEmptyKey, "item %d", i)
		}
	}
	now := c.nowMs()
	removed := 0
	_, err := c.store.UpdateAtomically(ctx, func(state store.State[T]) store.State[T] {
		removed = 0
		if match != nil {
			for id, entry := range state {
				if match(entry.Value) {
					delete(state, id)
					removed++
				}
			}
		}
		for i, item := range items {
			state[keys[i]] = store.Entry[T]{Value: item, LastUpdatedMs: now}
		}
		return state
	})
	if err != nil {
		return errors.Wrapf(err, "cache: save %s", c.Partition())
	}
	c.log.Debug("saved %d, removed %d", len(items), removed)
	return nil
}

// Delete removes the entry for id. Deleting an absent id is a no-op.
func (c *Cache[T]) Delete(ctx context.Context, id string) error {
	_, err := c.store.UpdateAtomically(ctx, func(state store.State[T]) store.State[T] {
		delete(state, id)
		return state
	})
	if err != nil {
		return errors.Wrapf(err, "cache: delete %s/%s", c.Partition(), id)
	}
	return nil
}

// DeleteAllMatching removes every entry satisfying match in one commit and
// returns how many were removed.
func (c *Cache[T]) DeleteAllMatching(ctx context.Context, match Predicate[T]) (int, error) {
	if match == nil {
		return 0, errors.New("cache: nil predicate")
	}
	removed := 0
	_, err := c.store.UpdateAtomically(ctx, func(state store.State[T]) store.State[T] {
		removed = 0
		for id, entry := range state {
			if match(entry.Value) {
				delete(state, id)
				removed++
			}
		}
		return state
	})
	if err != nil {
		return 0, errors.Wrapf(err, "cache: delete matching in %s", c.Partition())
	}
	return removed, nil
}

// ClearAll empties the partition.
func (c *Cache[T]) ClearAll(ctx context.Context) error {
	if err := c.store.Reset(ctx); err != nil {
		return errors.Wrapf(err, "cache: clear %s", c.Partition())
	}
	c.log.Debug("cleared")
	return nil
}

// RefreshCache is ClearAll, named for explicit-invalidation caches: the next
// read misses and goes to the network.
func (c *Cache[T]) RefreshCache(ctx context.Context) error {
	return c.ClearAll(ctx)
}
