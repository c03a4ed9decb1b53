package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/agentuity/offline-cache/logger"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type backendFactory struct {
	name string
	new  func(t *testing.T) Backend
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func backends() []backendFactory {
	quiet := WithLogger(logger.NewTestLogger())
	return []backendFactory{
		{"memory", func(t *testing.T) Backend { return NewMemory() }},
		{"file", func(t *testing.T) Backend {
			b, err := NewFile(t.TempDir(), quiet)
			require.NoError(t, err)
			return b
		}},
		{"sqlite-memory", func(t *testing.T) Backend {
			b, err := NewSQLite(context.Background(), ":memory:", quiet)
			require.NoError(t, err)
			t.Cleanup(func() { b.Close() })
			return b
		}},
		{"sqlite-file", func(t *testing.T) Backend {
			b, err := NewSQLite(context.Background(), filepath.Join(t.TempDir(), "cache.db"), quiet)
			require.NoError(t, err)
			t.Cleanup(func() { b.Close() })
			return b
		}},
		{"redis", func(t *testing.T) Backend {
			_, client := newTestRedis(t)
			return NewRedis(client, quiet, WithPrefix("test"))
		}},
		{"tiered", func(t *testing.T) Backend {
			back, err := NewSQLite(context.Background(), filepath.Join(t.TempDir(), "cache.db"), quiet)
			require.NoError(t, err)
			b := NewTiered(NewMemory(), back)
			t.Cleanup(func() { b.Close() })
			return b
		}},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, b Backend)) {
	for _, f := range backends() {
		t.Run(f.name, func(t *testing.T) {
			fn(t, f.new(t))
		})
	}
}

func put(key, val string) func(Records) (Records, error) {
	return func(r Records) (Records, error) {
		r[key] = []byte(val)
		return r, nil
	}
}

func TestBackendLoadEmpty(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		recs, err := b.Load(context.Background(), "posts")
		assert.NoError(t, err)
		assert.Empty(t, recs)
	})
}

func TestBackendUpdateAndLoad(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		require.NoError(t, b.Update(ctx, "posts", put("a", "1")))
		require.NoError(t, b.Update(ctx, "posts", put("b", "2")))
		require.NoError(t, b.Update(ctx, "posts", put("a", "3")))

		recs, err := b.Load(ctx, "posts")
		require.NoError(t, err)
		assert.Equal(t, Records{"a": []byte("3"), "b": []byte("2")}, recs)

		require.NoError(t, b.Update(ctx, "posts", func(r Records) (Records, error) {
			delete(r, "a")
			return r, nil
		}))
		recs, err = b.Load(ctx, "posts")
		require.NoError(t, err)
		assert.Equal(t, Records{"b": []byte("2")}, recs)
	})
}

func TestBackendUpdateAbortsOnError(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		require.NoError(t, b.Update(ctx, "posts", put("a", "1")))
		boom := fmt.Errorf("boom")
		err := b.Update(ctx, "posts", func(r Records) (Records, error) {
			r["a"] = []byte("2")
			return nil, boom
		})
		assert.ErrorIs(t, err, boom)
		recs, err := b.Load(ctx, "posts")
		require.NoError(t, err)
		assert.Equal(t, []byte("1"), recs["a"])
	})
}

func TestBackendUpdateAbortsOnCancel(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		require.NoError(t, b.Update(context.Background(), "posts", put("a", "1")))
		ctx, cancel := context.WithCancel(context.Background())
		err := b.Update(ctx, "posts", func(r Records) (Records, error) {
			r["a"] = []byte("2")
			r["b"] = []byte("2")
			cancel()
			return r, nil
		})
		assert.ErrorIs(t, err, context.Canceled)
		recs, err := b.Load(context.Background(), "posts")
		require.NoError(t, err)
		assert.Equal(t, Records{"a": []byte("1")}, recs)
	})
}

func TestBackendResetAndPartitions(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		require.NoError(t, b.Update(ctx, "posts", put("a", "1")))
		require.NoError(t, b.Update(ctx, "animals", put("x", "1")))

		parts, err := b.Partitions(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"animals", "posts"}, parts)

		require.NoError(t, b.Reset(ctx, "posts"))
		recs, err := b.Load(ctx, "posts")
		require.NoError(t, err)
		assert.Empty(t, recs)

		recs, err = b.Load(ctx, "animals")
		require.NoError(t, err)
		assert.Len(t, recs, 1)

		parts, err = b.Partitions(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"animals"}, parts)

		assert.NoError(t, b.Reset(ctx, "never-written"))
	})
}

func TestBackendSerializesWriters(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		s := New[int](b, "counter", WithLogger(logger.NewTestLogger()))
		ctx := context.Background()
		const writers = 20
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.UpdateAtomically(ctx, func(st State[int]) State[int] {
					e := st["n"]
					e.Value++
					st["n"] = e
					return st
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
		st, err := s.Read(ctx)
		require.NoError(t, err)
		assert.Equal(t, writers, st["n"].Value)
	})
}

func TestFileBackendRejectsBadPartition(t *testing.T) {
	b, err := NewFile(t.TempDir())
	require.NoError(t, err)
	_, err = b.Load(context.Background(), "../escape")
	assert.ErrorIs(t, err, ErrInvalidPartition)
}

func TestDiff(t *testing.T) {
	prev := Records{"a": []byte("1"), "b": []byte("2"), "c": []byte("3")}
	next := Records{"a": []byte("1"), "b": []byte("9"), "d": []byte("4")}
	upserts, deletes := diff(prev, next)
	assert.Equal(t, Records{"b": []byte("9"), "d": []byte("4")}, upserts)
	assert.Equal(t, []string{"c"}, deletes)
}

func TestSQLiteMemoryLoadWaitsForUpdate(t *testing.T) {
	ctx := context.Background()
	b, err := NewSQLite(ctx, ":memory:", WithLogger(logger.NewTestLogger()))
	require.NoError(t, err)
	defer b.Close()

	entered := make(chan struct{})
	release := make(chan struct{})
	updated := make(chan error, 1)
	go func() {
		updated <- b.Update(ctx, "posts", func(r Records) (Records, error) {
			close(entered)
			<-release
			r["a"] = []byte("1")
			return r, nil
		})
	}()
	<-entered

	loaded := make(chan Records, 1)
	go func() {
		recs, err := b.Load(ctx, "posts")
		assert.NoError(t, err)
		loaded <- recs
	}()
	select {
	case <-loaded:
		t.Fatal("load finished while the update held the only connection")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-updated)
	assert.Equal(t, []byte("1"), (<-loaded)["a"])
}

func TestSQLiteFileLoadDoesNotWaitForUpdate(t *testing.T) {
	ctx := context.Background()
	b, err := NewSQLite(ctx, filepath.Join(t.TempDir(), "cache.db"), WithLogger(logger.NewTestLogger()))
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.Update(ctx, "posts", put("a", "1")))

	entered := make(chan struct{})
	release := make(chan struct{})
	updated := make(chan error, 1)
	go func() {
		updated <- b.Update(ctx, "posts", func(r Records) (Records, error) {
			close(entered)
			<-release
			r["a"] = []byte("2")
			return r, nil
		})
	}()
	<-entered

	recs, err := b.Load(ctx, "posts")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), recs["a"])

	close(release)
	require.NoError(t, <-updated)
}
