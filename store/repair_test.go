package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/agentuity/offline-cache/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// interleaved runs after once, right after the first Load returns, to let
// another writer slip in between a reader's snapshot and its recovery.
type interleaved struct {
	Backend
	once  sync.Once
	after func()
}

func (b *interleaved) Load(ctx context.Context, partition string) (Records, error) {
	recs, err := b.Backend.Load(ctx, partition)
	b.once.Do(b.after)
	return recs, err
}

func commitGood(t *testing.T, s *Store[post]) {
	_, err := s.UpdateAtomically(context.Background(), func(st State[post]) State[post] {
		st["good"] = Entry[post]{Value: post{ID: "good"}, LastUpdatedMs: 7}
		return st
	})
	require.NoError(t, err)
}

func TestReadKeepsCommitMadeAfterConcurrentRepair(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		require.NoError(t, b.Update(ctx, "posts", put("bad", "garbage")))

		var writerReports, readerReports int
		writer := New[post](b, "posts", WithLogger(logger.NewTestLogger()),
			WithCorruptionHandler(func(string, error) { writerReports++ }))
		wrapped := &interleaved{Backend: b, after: func() { commitGood(t, writer) }}
		reader := New[post](wrapped, "posts", WithLogger(logger.NewTestLogger()),
			WithCorruptionHandler(func(string, error) { readerReports++ }))

		st, err := reader.Read(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"good"}, keys(st))
		assert.Equal(t, 1, writerReports)
		assert.Equal(t, 0, readerReports)

		st, err = writer.Read(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"good"}, keys(st))
	})
}

func TestFileReadKeepsCommitAfterContainerRepair(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b, err := NewFile(dir, WithLogger(logger.NewTestLogger()))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "posts"+fileExt), []byte("torn write"), 0o600))

	writer := New[post](b, "posts", WithLogger(logger.NewTestLogger()))
	wrapped := &interleaved{Backend: b, after: func() { commitGood(t, writer) }}
	reader := New[post](wrapped, "posts", WithLogger(logger.NewTestLogger()))

	st, err := reader.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"good"}, keys(st))
}

func TestStaleRecoveryDoesNotDiscardCommit(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		require.NoError(t, b.Update(ctx, "posts", put("bad", "garbage")))

		log := logger.NewTestLogger()
		first := New[post](b, "posts", WithLogger(log))
		second := New[post](b, "posts", WithLogger(log))

		// both writers observed the same damage; the first repairs and commits
		_, cause := first.Read(ctx)
		require.ErrorIs(t, cause, ErrCorruption)
		commitGood(t, first)

		reset, err := second.recover(ctx, cause)
		require.NoError(t, err)
		assert.False(t, reset)

		st, err := second.Read(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"good"}, keys(st))
	})
}

func TestRepairReportsWhetherItDiscarded(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		require.NoError(t, b.Update(ctx, "posts", put("a", "1")))
		reject := func(Records) error { return errChecksum }
		accept := func(Records) error { return nil }

		reset, err := b.Repair(ctx, "posts", accept)
		require.NoError(t, err)
		assert.False(t, reset)
		recs, err := b.Load(ctx, "posts")
		require.NoError(t, err)
		assert.Len(t, recs, 1)

		reset, err = b.Repair(ctx, "posts", reject)
		require.NoError(t, err)
		assert.True(t, reset)
		recs, err = b.Load(ctx, "posts")
		require.NoError(t, err)
		assert.Empty(t, recs)
	})
}
