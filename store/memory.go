package store

import (
	"context"
	"sort"
	"sync"
)

type memoryBackend struct {
	locks partitionLocks
	mu    sync.RWMutex
	data  map[string]Records
}

var _ Backend = (*memoryBackend)(nil)

// NewMemory returns a process-local Backend. Contents are lost on exit.
func NewMemory() Backend {
	return &memoryBackend{data: make(map[string]Records)}
}

func (m *memoryBackend) Load(ctx context.Context, partition string) (Records, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data[partition].Clone(), nil
}

func (m *memoryBackend) Update(ctx context.Context, partition string, fn func(Records) (Records, error)) error {
	unlock, err := m.locks.lock(ctx, partition)
	if err != nil {
		return err
	}
	defer unlock()

	m.mu.RLock()
	current := m.data[partition].Clone()
	m.mu.RUnlock()

	next, err := fn(current)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if len(next) == 0 {
		delete(m.data, partition)
	} else {
		m.data[partition] = next.Clone()
	}
	m.mu.Unlock()
	return nil
}

func (m *memoryBackend) Reset(ctx context.Context, partition string) error {
	unlock, err := m.locks.lock(ctx, partition)
	if err != nil {
		return err
	}
	defer unlock()
	m.mu.Lock()
	delete(m.data, partition)
	m.mu.Unlock()
	return nil
}

func (m *memoryBackend) Repair(ctx context.Context, partition string, check func(Records) error) (bool, error) {
	return repairByUpdate(ctx, m.Update, partition, check)
}

func (m *memoryBackend) Partitions(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.data))
	for p := range m.data {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

func (m *memoryBackend) Close() error {
	return nil
}
