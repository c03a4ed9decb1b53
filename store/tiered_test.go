package store

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTieredServesWarmPartitionsFromFront(t *testing.T) {
	ctx := context.Background()
	front, back := NewMemory(), NewMemory()
	b := NewTiered(front, back)
	require.NoError(t, b.Update(ctx, "posts", put("a", "1")))

	recs, err := front.Load(ctx, "posts")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), recs["a"])

	// a change behind the tier is not visible while the partition is warm
	require.NoError(t, back.Update(ctx, "posts", put("a", "2")))
	recs, err = b.Load(ctx, "posts")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), recs["a"])
}

func TestTieredColdLoadFillsFront(t *testing.T) {
	ctx := context.Background()
	front, back := NewMemory(), NewMemory()
	require.NoError(t, back.Update(ctx, "posts", put("a", "1")))
	b := NewTiered(front, back)

	recs, err := b.Load(ctx, "posts")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), recs["a"])

	recs, err = front.Load(ctx, "posts")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), recs["a"])
}

func TestTieredFailedUpdateLeavesFrontAlone(t *testing.T) {
	ctx := context.Background()
	front, back := NewMemory(), NewMemory()
	b := NewTiered(front, back)
	require.NoError(t, b.Update(ctx, "posts", put("a", "1")))

	boom := errors.New("rejected")
	err := b.Update(ctx, "posts", func(r Records) (Records, error) {
		r["a"] = []byte("2")
		return r, boom
	})
	assert.ErrorIs(t, err, boom)

	for _, l := range []Backend{front, back, b} {
		recs, err := l.Load(ctx, "posts")
		require.NoError(t, err)
		assert.Equal(t, []byte("1"), recs["a"])
	}
}

func TestTieredResetAndRepairGoCold(t *testing.T) {
	ctx := context.Background()
	front, back := NewMemory(), NewMemory()
	b := NewTiered(front, back)
	require.NoError(t, b.Update(ctx, "posts", put("a", "1")))

	require.NoError(t, back.Update(ctx, "posts", put("b", "2")))
	reset, err := b.Repair(ctx, "posts", func(r Records) error {
		if _, ok := r["b"]; ok {
			return errChecksum
		}
		return nil
	})
	require.NoError(t, err)
	assert.True(t, reset)

	recs, err := b.Load(ctx, "posts")
	require.NoError(t, err)
	assert.Empty(t, recs)

	require.NoError(t, back.Update(ctx, "posts", put("c", "3")))
	require.NoError(t, b.Reset(ctx, "posts"))
	recs, err = b.Load(ctx, "posts")
	require.NoError(t, err)
	assert.Empty(t, recs)
}
