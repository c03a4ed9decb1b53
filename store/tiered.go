package store

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
)

type tieredBackend struct {
	front Backend
	back  Backend
	locks partitionLocks
	mu    sync.RWMutex
	warm  map[string]bool
}

var _ Backend = (*tieredBackend)(nil)

// NewTiered returns a Backend keeping a copy of every partition it has seen in
// front, usually NewMemory(), in front of back, which stays the system of
// record. Writes commit to back first and are mirrored to front only after
// that succeeds; reads of a partition already loaded are served from front.
//
// Commits made to back by other processes are not seen until the partition
// is reset or repaired through this backend, so only use it where this
// process is the only writer.
func NewTiered(front, back Backend) Backend {
	return &tieredBackend{front: front, back: back, warm: map[string]bool{}}
}

func (t *tieredBackend) isWarm(partition string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.warm[partition]
}

func (t *tieredBackend) setWarm(partition string, warm bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if warm {
		t.warm[partition] = true
	} else {
		delete(t.warm, partition)
	}
}

func (t *tieredBackend) mirror(ctx context.Context, partition string, recs Records) error {
	err := t.front.Update(ctx, partition, func(Records) (Records, error) {
		return recs.Clone(), nil
	})
	t.setWarm(partition, err == nil)
	return err
}

func (t *tieredBackend) Load(ctx context.Context, partition string) (Records, error) {
	if t.isWarm(partition) {
		return t.front.Load(ctx, partition)
	}
	unlock, err := t.locks.lock(ctx, partition)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if t.isWarm(partition) {
		return t.front.Load(ctx, partition)
	}
	recs, err := t.back.Load(ctx, partition)
	if err != nil {
		return nil, err
	}
	// a failed mirror only means the next read goes to back again
	_ = t.mirror(ctx, partition, recs)
	return recs, nil
}

func (t *tieredBackend) Update(ctx context.Context, partition string, fn func(Records) (Records, error)) error {
	unlock, err := t.locks.lock(ctx, partition)
	if err != nil {
		return err
	}
	defer unlock()

	var committed Records
	err = t.back.Update(ctx, partition, func(recs Records) (Records, error) {
		next, err := fn(recs)
		committed = next
		return next, err
	})
	if err != nil {
		return err
	}
	_ = t.mirror(context.WithoutCancel(ctx), partition, committed)
	return nil
}

func (t *tieredBackend) Reset(ctx context.Context, partition string) error {
	unlock, err := t.locks.lock(ctx, partition)
	if err != nil {
		return err
	}
	defer unlock()
	t.setWarm(partition, false)
	if err := t.back.Reset(ctx, partition); err != nil {
		return err
	}
	// front is cold now, so a stale copy is never read
	_ = t.front.Reset(ctx, partition)
	return nil
}

func (t *tieredBackend) Repair(ctx context.Context, partition string, check func(Records) error) (bool, error) {
	unlock, err := t.locks.lock(ctx, partition)
	if err != nil {
		return false, err
	}
	defer unlock()
	reset, err := t.back.Repair(ctx, partition, check)
	if reset || err != nil {
		t.setWarm(partition, false)
	}
	return reset, err
}

func (t *tieredBackend) Partitions(ctx context.Context) ([]string, error) {
	return t.back.Partitions(ctx)
}

func (t *tieredBackend) Close() error {
	ferr := t.front.Close()
	berr := t.back.Close()
	return errors.CombineErrors(berr, ferr)
}
