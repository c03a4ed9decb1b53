// Package repository implements the read-through / write-through contract
// between data repositories and the offline cache.
//
// Reads consult the cache first and only call the remote store on a miss,
// writing the fresh result back before returning it. Writes go to the remote
// store first and, on success, are mirrored into the cache so later reads are
// consistent without waiting for a TTL to run out. A cache failure is never
// taken as evidence that data is absent: it is logged and the call proceeds
// as a miss.
package repository

import (
	"context"
	"slices"

	"github.com/agentuity/offline-cache/cache"
	"github.com/agentuity/offline-cache/logger"
	"github.com/agentuity/offline-cache/resilience"
	"golang.org/x/sync/singleflight"
)

// Invoker fetches one entity from the remote store. The bool reports whether
// the entity exists; return false rather than an error for "not found".
type Invoker[T any] func(ctx context.Context) (T, bool, error)

// ListInvoker fetches a collection from the remote store.
type ListInvoker[T any] func(ctx context.Context) ([]T, error)

// Mutator performs a create or edit against the remote store and returns the
// entity as the remote store now holds it.
type Mutator[T any] func(ctx context.Context) (T, error)

// Query names a filtered collection read. Name identifies the query for
// request coalescing and logging; Match selects the cached subset.
type Query[T any] struct {
	Name  string
	Match cache.Predicate[T]
}

type config struct {
	logger   logger.Logger
	breaker  *resilience.CircuitBreaker
	coalesce bool
}

// Option configures a Repository.
type Option func(*config)

// WithLogger sets the logger. Defaults to a console logger.
func WithLogger(l logger.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithBreaker runs every remote call through cb.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *config) { c.breaker = cb }
}

// WithCoalescing makes concurrent misses for the same key share one remote
// fetch and one cache write.
func WithCoalescing() Option {
	return func(c *config) { c.coalesce = true }
}

// Repository serves reads from a cache.Cache and falls back to the remote
// store through caller supplied invokers.
type Repository[T any] struct {
	cache   *cache.Cache[T]
	log     logger.Logger
	breaker *resilience.CircuitBreaker
	group   *singleflight.Group
}

// New returns a Repository over c.
func New[T any](c *cache.Cache[T], opts ...Option) *Repository[T] {
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = logger.NewConsoleLogger()
	}
	r := &Repository[T]{
		cache:   c,
		log:     logger.WithKV(cfg.logger.WithPrefix("[repository]"), "partition", c.Partition()),
		breaker: cfg.breaker,
	}
	if cfg.coalesce {
		r.group = &singleflight.Group{}
	}
	return r
}

// Cache returns the underlying cache.
func (r *Repository[T]) Cache() *cache.Cache[T] {
	return r.cache
}

func (r *Repository[T]) remote(ctx context.Context, fn func(ctx context.Context) error) error {
	if r.breaker == nil {
		return fn(ctx)
	}
	return r.breaker.Execute(ctx, fn)
}

// coalesce reports whether the result is shared with other callers.
func (r *Repository[T]) coalesce(key string, fn func() (any, error)) (any, bool, error) {
	if r.group == nil {
		v, err := fn()
		return v, false, err
	}
	v, err, shared := r.group.Do(key, fn)
	if shared {
		r.log.Trace("coalesced %s", key)
	}
	return v, shared, err
}

type fetched[T any] struct {
	value T
	found bool
}

// Get returns the entity id, from the cache when it holds a fresh copy and
// from fetch otherwise. A remote "not found" also drops any cached copy.
func (r *Repository[T]) Get(ctx context.Context, id string, fetch Invoker[T]) (bool, T, error) {
	var zero T
	found, val, err := r.cache.Get(ctx, id)
	switch {
	case err != nil:
		r.log.Warn("cache read of %s failed, using remote: %v", id, err)
	case found:
		return true, val, nil
	}

	res, _, err := r.coalesce("get:"+id, func() (any, error) {
		var out fetched[T]
		err := r.remote(ctx, func(ctx context.Context) error {
			var err error
			out.value, out.found, err = fetch(ctx)
			return err
		})
		if err != nil {
			return out, err
		}
		if out.found {
			if err := r.cache.Save(ctx, out.value); err != nil {
				r.log.Warn("write-through of %s failed: %v", id, err)
			}
		} else if err := r.cache.Delete(ctx, id); err != nil {
			r.log.Warn("dropping %s after remote miss failed: %v", id, err)
		}
		return out, nil
	})
	if err != nil {
		return false, zero, err
	}
	out := res.(fetched[T])
	return out.found, out.value, nil
}

// List returns the whole collection. On a miss the fetched collection
// replaces the cached one.
func (r *Repository[T]) List(ctx context.Context, fetch ListInvoker[T]) ([]T, error) {
	found, vals, err := r.cache.GetAll(ctx)
	if r.hit("all", found, err) {
		return vals, nil
	}
	return r.refill(ctx, "list:*", func(T) bool { return true }, fetch)
}

// ListMatching returns the subset selected by q. On a miss the fetched items
// replace the cached subset.
func (r *Repository[T]) ListMatching(ctx context.Context, q Query[T], fetch ListInvoker[T]) ([]T, error) {
	found, vals, err := r.cache.GetAllMatching(ctx, q.Match)
	if r.hit(q.Name, found, err) {
		return vals, nil
	}
	return r.refill(ctx, "list:"+q.Name, q.Match, fetch)
}

func (r *Repository[T]) hit(name string, found bool, err error) bool {
	if err != nil {
		r.log.Warn("cache read of %s failed, using remote: %v", name, err)
		return false
	}
	return found
}

func (r *Repository[T]) refill(ctx context.Context, key string, match cache.Predicate[T], fetch ListInvoker[T]) ([]T, error) {
	res, shared, err := r.coalesce(key, func() (any, error) {
		var items []T
		err := r.remote(ctx, func(ctx context.Context) error {
			var err error
			items, err = fetch(ctx)
			return err
		})
		if err != nil {
			return nil, err
		}
		if err := r.cache.ReplaceMatching(ctx, match, items); err != nil {
			r.log.Warn("write-through of %s failed: %v", key, err)
		}
		return items, nil
	})
	if err != nil {
		return nil, err
	}
	items, _ := res.([]T)
	if shared {
		return slices.Clone(items), nil
	}
	return items, nil
}

// Create runs mutate against the remote store and caches the result.
func (r *Repository[T]) Create(ctx context.Context, mutate Mutator[T]) (T, error) {
	return r.put(ctx, "create", mutate)
}

// Edit runs mutate against the remote store and replaces the cached entry
// with the result.
func (r *Repository[T]) Edit(ctx context.Context, mutate Mutator[T]) (T, error) {
	return r.put(ctx, "edit", mutate)
}

func (r *Repository[T]) put(ctx context.Context, op string, mutate Mutator[T]) (T, error) {
	var item T
	err := r.remote(ctx, func(ctx context.Context) error {
		var err error
		item, err = mutate(ctx)
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	if err := r.cache.Save(ctx, item); err != nil {
		r.log.Warn("mirroring %s failed: %v", op, err)
	}
	return item, nil
}

// Remove runs mutate against the remote store and then drops id from the
// cache.
func (r *Repository[T]) Remove(ctx context.Context, id string, mutate func(ctx context.Context) error) error {
	if err := r.remote(ctx, mutate); err != nil {
		return err
	}
	if err := r.cache.Delete(ctx, id); err != nil {
		r.log.Warn("mirroring delete of %s failed: %v", id, err)
	}
	return nil
}

// Invalidate forces the next read of every entity to go to the remote store.
func (r *Repository[T]) Invalidate(ctx context.Context) error {
	return r.cache.RefreshCache(ctx)
}
