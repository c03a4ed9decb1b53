package store

import (
	"bytes"
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/agentuity/offline-cache/logger"
	"github.com/cockroachdb/errors"
)

// Records is the encoded form of one partition: entity identifier to framed
// record bytes. Record byte slices are never mutated once stored.
type Records map[string][]byte

// Clone returns a shallow copy safe to mutate.
func (r Records) Clone() Records {
	if r == nil {
		return Records{}
	}
	return maps.Clone(r)
}

// Backend persists partitions of encoded records.
//
// Update runs fn against a private copy of the partition's committed records
// and commits whatever fn returns as the partition's new content. Calls for
// the same partition are serialized; calls for different partitions are
// independent. If fn fails or ctx is done before the commit, nothing is
// written. A backend may invoke fn more than once when it retries an
// optimistic transaction.
type Backend interface {
	// Load returns the latest committed records of a partition. A partition
	// that was never written is empty, not an error.
	Load(ctx context.Context, partition string) (Records, error)
	// Update performs an atomic read-modify-write of a partition.
	Update(ctx context.Context, partition string, fn func(Records) (Records, error)) error
	// Reset discards every record of a partition.
	Reset(ctx context.Context, partition string) error
	// Repair discards the partition if, under the partition lock, it is
	// still unreadable or check rejects its records. It reports whether the
	// partition was discarded, so a caller racing another repairer never
	// wipes a commit made after the other repair.
	Repair(ctx context.Context, partition string, check func(Records) error) (bool, error)
	// Partitions lists the partitions holding at least one record.
	Partitions(ctx context.Context) ([]string, error)
	// Close releases the backend's resources.
	Close() error
}

// DefaultQueryTimeout is the per-operation timeout for backends that
// perform I/O (SQLite, Redis).
const DefaultQueryTimeout = 5 * time.Second

// DefaultPrefix namespaces Redis keys.
const DefaultPrefix = "offlinecache"

type config struct {
	logger         logger.Logger
	onCorruption   func(partition string, err error)
	queryTimeout   time.Duration
	prefix         string
	maxRetries     int
	lockRetryDelay time.Duration
}

// Option configures a Store or a Backend. Each consumer reads only the
// fields relevant to it.
type Option func(*config)

func defaultConfig() config {
	return config{
		queryTimeout:   DefaultQueryTimeout,
		prefix:         DefaultPrefix,
		maxRetries:     10,
		lockRetryDelay: 10 * time.Millisecond,
	}
}

func applyOptions(opts []Option) config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = logger.NewConsoleLogger()
	}
	return cfg
}

// WithLogger sets the logger used to report corruption and retries.
func WithLogger(l logger.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithCorruptionHandler registers a callback invoked after a corrupted
// partition has been reset.
func WithCorruptionHandler(fn func(partition string, err error)) Option {
	return func(c *config) { c.onCorruption = fn }
}

// WithQueryTimeout sets the per-operation timeout for I/O-backed backends
// (SQLite, Redis). Defaults to DefaultQueryTimeout (5 seconds).
func WithQueryTimeout(d time.Duration) Option {
	return func(c *config) { c.queryTimeout = d }
}

// WithPrefix sets the key prefix for namespacing Redis keys.
func WithPrefix(p string) Option {
	return func(c *config) { c.prefix = p }
}

// WithMaxRetries bounds optimistic transaction retries (Redis).
func WithMaxRetries(n int) Option {
	return func(c *config) { c.maxRetries = n }
}

// WithLockRetryDelay sets the polling interval while waiting for a file lock.
func WithLockRetryDelay(d time.Duration) Option {
	return func(c *config) { c.lockRetryDelay = d }
}

func (c config) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	if c.queryTimeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, c.queryTimeout)
}

// partitionLocks serializes writers of the same partition inside a process.
// Each lock is a one-slot channel so waiting honours context cancellation.
type partitionLocks struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func (p *partitionLocks) lock(ctx context.Context, partition string) (func(), error) {
	p.mu.Lock()
	if p.locks == nil {
		p.locks = make(map[string]chan struct{})
	}
	ch, ok := p.locks[partition]
	if !ok {
		ch = make(chan struct{}, 1)
		p.locks[partition] = ch
	}
	p.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// diff returns the records of next that differ from prev and the keys of
// prev missing from next, sorted for deterministic writes.
func diff(prev, next Records) (Records, []string) {
	upserts := Records{}
	for key, buf := range next {
		if old, ok := prev[key]; !ok || !bytes.Equal(old, buf) {
			upserts[key] = buf
		}
	}
	var deletes []string
	for key := range prev {
		if _, ok := next[key]; !ok {
			deletes = append(deletes, key)
		}
	}
	sort.Strings(deletes)
	return upserts, deletes
}

var errUnchanged = errors.New("store: partition unchanged")

type updater func(ctx context.Context, partition string, fn func(Records) (Records, error)) error

// repairByUpdate implements Repair on top of Update for backends whose Load
// cannot fail on a damaged container.
func repairByUpdate(ctx context.Context, update updater, partition string, check func(Records) error) (bool, error) {
	err := update(ctx, partition, func(recs Records) (Records, error) {
		if check(recs) == nil {
			return nil, errUnchanged
		}
		return Records{}, nil
	})
	if errors.Is(err, errUnchanged) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
