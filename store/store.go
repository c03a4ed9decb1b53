package store

import (
	"context"

	"github.com/agentuity/offline-cache/logger"
	"github.com/cockroachdb/errors"
)

// Entry is a cached value stamped with the local wall-clock time, in Unix
// milliseconds, of the write that produced it. Entries are replaced whole.
type Entry[T any] struct {
	Value         T
	LastUpdatedMs int64
}

// State is the content of one partition keyed by entity identifier.
type State[T any] map[string]Entry[T]

// Store is a typed view of one partition of a Backend.
type Store[T any] struct {
	backend   Backend
	partition string
	cfg       config
	log       logger.Logger
}

// New returns a Store for partition on backend. Stores of different
// partitions may share a backend.
func New[T any](backend Backend, partition string, opts ...Option) *Store[T] {
	cfg := applyOptions(opts)
	return &Store[T]{
		backend:   backend,
		partition: partition,
		cfg:       cfg,
		log:       logger.WithKV(cfg.logger.WithPrefix("[store]"), "partition", partition),
	}
}

// Partition returns the partition name.
func (s *Store[T]) Partition() string {
	return s.partition
}

// Read returns the latest committed snapshot of the partition.
//
// When the partition cannot be decoded it is reset to empty under the
// partition lock, the corruption handler is invoked, and Read returns the
// empty state together with an error matching ErrCorruption. If another
// caller repaired the partition first, Read returns the repaired content.
func (s *Store[T]) Read(ctx context.Context) (State[T], error) {
	state, err := s.load(ctx)
	if !errors.Is(err, ErrCorruption) {
		return state, err
	}
	reset, rerr := s.recover(ctx, err)
	if rerr != nil {
		return nil, rerr
	}
	if !reset {
		return s.load(ctx)
	}
	return State[T]{}, err
}

func (s *Store[T]) load(ctx context.Context) (State[T], error) {
	recs, err := s.backend.Load(ctx, s.partition)
	if err != nil {
		return nil, err
	}
	return decodeState[T](s.partition, recs)
}

// UpdateAtomically applies fn to the committed state and commits the result
// all-or-nothing. fn may modify and return its argument. It may run more than
// once if the backend retries, so it must not have side effects.
//
// A corrupted partition is reset and reported as in Read, then fn is applied
// to the empty state. The returned state is what was committed.
func (s *Store[T]) UpdateAtomically(ctx context.Context, fn func(State[T]) State[T]) (State[T], error) {
	next, err := s.update(ctx, fn)
	if errors.Is(err, ErrCorruption) {
		if _, rerr := s.recover(ctx, err); rerr != nil {
			return nil, rerr
		}
		next, err = s.update(ctx, fn)
	}
	if err != nil {
		return nil, err
	}
	return next, nil
}

func (s *Store[T]) update(ctx context.Context, fn func(State[T]) State[T]) (State[T], error) {
	var committed State[T]
	err := s.backend.Update(ctx, s.partition, func(recs Records) (Records, error) {
		current, err := decodeState[T](s.partition, recs)
		if err != nil {
			return nil, err
		}
		next := fn(current)
		if next == nil {
			next = State[T]{}
		}
		out, err := encodeState(next)
		if err != nil {
			return nil, err
		}
		committed = next
		return out, nil
	})
	return committed, err
}

// Reset empties the partition.
func (s *Store[T]) Reset(ctx context.Context) error {
	return s.backend.Reset(ctx, s.partition)
}

// recover discards the partition if it is still corrupted once the
// partition lock is held. Only the caller that actually discarded it logs and
// reports the corruption.
func (s *Store[T]) recover(ctx context.Context, cause error) (bool, error) {
	reset, err := s.backend.Repair(ctx, s.partition, func(recs Records) error {
		_, err := decodeState[T](s.partition, recs)
		return err
	})
	if err != nil {
		return false, errors.WithSecondaryError(err, cause)
	}
	if !reset {
		s.log.Debug("partition already repaired")
		return false, nil
	}
	s.log.Error("corrupted state, resetting partition: %v", cause)
	if s.cfg.onCorruption != nil {
		s.cfg.onCorruption(s.partition, cause)
	}
	return true, nil
}
