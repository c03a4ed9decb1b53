package connectivity

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentuity/offline-cache/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSwitch(t *testing.T) {
	s := NewSwitch(true)
	assert.True(t, s.IsOnline())
	assert.True(t, s.Set(false))
	assert.False(t, s.IsOnline())
}

func TestAll(t *testing.T) {
	a := NewSwitch(true)
	b := NewSwitch(true)
	combined := All(a, b)
	assert.True(t, combined.IsOnline())
	b.Set(false)
	assert.False(t, combined.IsOnline())
	assert.True(t, All().IsOnline())
	assert.False(t, All(Online, Offline).IsOnline())
}

type fakeDialer struct {
	fail atomic.Bool
}

func (d *fakeDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if d.fail.Load() {
		return nil, errors.New("unreachable")
	}
	client, server := net.Pipe()
	server.Close()
	return client, nil
}

func TestProberTransitions(t *testing.T) {
	dialer := &fakeDialer{}
	log := logger.NewTestLogger()
	p := NewProber(context.Background(), "remote:443", WithDialer(dialer), WithInterval(time.Hour), WithLogger(log))
	defer p.Close()

	require.Eventually(t, p.IsOnline, time.Second, time.Millisecond)

	dialer.fail.Store(true)
	assert.False(t, p.Probe(context.Background()))
	assert.False(t, p.IsOnline())
	assert.True(t, log.Has("WARNING", "connectivity lost (remote:443)"))

	dialer.fail.Store(false)
	assert.True(t, p.Probe(context.Background()))
	assert.True(t, log.Has("INFO", "connectivity restored"))
}

func TestProberCloseIsIdempotent(t *testing.T) {
	dialer := &fakeDialer{}
	dialer.fail.Store(true)
	p := NewProber(context.Background(), "remote:443", WithDialer(dialer), WithLogger(logger.NewTestLogger()))
	assert.NoError(t, p.Close())
	assert.NoError(t, p.Close())
	assert.False(t, p.IsOnline())
}
