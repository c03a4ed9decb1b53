package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/agentuity/offline-cache/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type post struct {
	ID     string `msgpack:"id"`
	Author string `msgpack:"author"`
	Body   string `msgpack:"body"`
}

func TestStoreReadUpdate(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		s := New[post](b, "posts", WithLogger(logger.NewTestLogger()))
		assert.Equal(t, "posts", s.Partition())

		st, err := s.Read(ctx)
		require.NoError(t, err)
		assert.Empty(t, st)

		committed, err := s.UpdateAtomically(ctx, func(st State[post]) State[post] {
			st["1"] = Entry[post]{Value: post{ID: "1", Author: "a", Body: "hello"}, LastUpdatedMs: 42}
			return st
		})
		require.NoError(t, err)
		assert.Len(t, committed, 1)

		st, err = s.Read(ctx)
		require.NoError(t, err)
		assert.Equal(t, State[post]{"1": {Value: post{ID: "1", Author: "a", Body: "hello"}, LastUpdatedMs: 42}}, st)

		committed, err = s.UpdateAtomically(ctx, func(State[post]) State[post] { return nil })
		require.NoError(t, err)
		assert.Empty(t, committed)
		st, err = s.Read(ctx)
		require.NoError(t, err)
		assert.Empty(t, st)
	})
}

func TestStorePartitionsAreIndependent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		log := logger.NewTestLogger()
		posts := New[post](b, "posts", WithLogger(log))
		animals := New[string](b, "animals", WithLogger(log))

		_, err := animals.UpdateAtomically(ctx, func(st State[string]) State[string] {
			st["cat"] = Entry[string]{Value: "meow", LastUpdatedMs: 1}
			return st
		})
		require.NoError(t, err)
		require.NoError(t, b.Update(ctx, "posts", put("bad", "garbage")))

		_, err = posts.Read(ctx)
		assert.ErrorIs(t, err, ErrCorruption)

		st, err := animals.Read(ctx)
		require.NoError(t, err)
		assert.Equal(t, "meow", st["cat"].Value)
	})
}

func TestStoreReadRecoversFromCorruptRecord(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		log := logger.NewTestLogger()
		var reported []string
		s := New[post](b, "posts", WithLogger(log), WithCorruptionHandler(func(partition string, err error) {
			reported = append(reported, partition)
		}))

		_, err := s.UpdateAtomically(ctx, func(st State[post]) State[post] {
			st["1"] = Entry[post]{Value: post{ID: "1"}, LastUpdatedMs: 1}
			return st
		})
		require.NoError(t, err)
		require.NoError(t, b.Update(ctx, "posts", put("2", "not a frame")))

		st, err := s.Read(ctx)
		assert.ErrorIs(t, err, ErrCorruption)
		assert.NotErrorIs(t, err, ErrUnavailable)
		var cerr *CorruptionError
		if assert.ErrorAs(t, err, &cerr) {
			assert.Equal(t, "posts", cerr.Partition)
			assert.Equal(t, "2", cerr.Key)
		}
		assert.NotNil(t, st)
		assert.Empty(t, st)
		assert.Equal(t, []string{"posts"}, reported)
		assert.True(t, log.Has("ERROR", "corrupted state, resetting partition"))

		st, err = s.Read(ctx)
		assert.NoError(t, err)
		assert.Empty(t, st)
	})
}

func TestStoreUpdateRecoversFromCorruption(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		reported := 0
		s := New[post](b, "posts", WithLogger(logger.NewTestLogger()), WithCorruptionHandler(func(string, error) { reported++ }))
		require.NoError(t, b.Update(ctx, "posts", put("old", "garbage")))

		committed, err := s.UpdateAtomically(ctx, func(st State[post]) State[post] {
			st["new"] = Entry[post]{Value: post{ID: "new"}, LastUpdatedMs: 5}
			return st
		})
		require.NoError(t, err)
		assert.Equal(t, 1, reported)
		assert.Equal(t, []string{"new"}, keys(committed))

		st, err := s.Read(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"new"}, keys(st))
	})
}

func TestFileBackendCorruptContainer(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFile(dir, WithLogger(logger.NewTestLogger()))
	require.NoError(t, err)
	ctx := context.Background()
	s := New[post](b, "posts", WithLogger(logger.NewTestLogger()))
	_, err = s.UpdateAtomically(ctx, func(st State[post]) State[post] {
		st["1"] = Entry[post]{Value: post{ID: "1"}, LastUpdatedMs: 1}
		return st
	})
	require.NoError(t, err)

	path := filepath.Join(dir, "posts.cache")
	buf, err := os.ReadFile(path)
	require.NoError(t, err)
	buf[len(buf)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, buf, 0o600))

	st, err := s.Read(ctx)
	assert.ErrorIs(t, err, ErrCorruption)
	assert.Empty(t, st)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	b, err := NewFile(dir)
	require.NoError(t, err)
	_, err = New[post](b, "posts").UpdateAtomically(ctx, func(st State[post]) State[post] {
		st["1"] = Entry[post]{Value: post{ID: "1", Body: "persisted"}, LastUpdatedMs: 7}
		return st
	})
	require.NoError(t, err)
	require.NoError(t, b.Close())

	reopened, err := NewFile(dir)
	require.NoError(t, err)
	st, err := New[post](reopened, "posts").Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "persisted", st["1"].Value.Body)
	assert.Equal(t, int64(7), st["1"].LastUpdatedMs)
}

func TestUnavailableIsDistinctFromCorruption(t *testing.T) {
	mr, client := newTestRedis(t)
	b := NewRedis(client, WithLogger(logger.NewTestLogger()))
	mr.Close()

	_, err := New[post](b, "posts", WithLogger(logger.NewTestLogger())).Read(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.NotErrorIs(t, err, ErrCorruption)
}

func keys[T any](st State[T]) []string {
	out := make([]string, 0, len(st))
	for k := range st {
		out = append(out, k)
	}
	return out
}
