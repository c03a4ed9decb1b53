package connectivity

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentuity/offline-cache/logger"
)

// Dialer opens a connection. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type proberConfig struct {
	interval time.Duration
	timeout  time.Duration
	dialer   Dialer
	logger   logger.Logger
	initial  bool
}

// ProberOption configures a Prober.
type ProberOption func(*proberConfig)

// WithInterval sets how often the address is probed. Defaults to 30 seconds.
func WithInterval(d time.Duration) ProberOption {
	return func(c *proberConfig) { c.interval = d }
}

// WithTimeout sets the per-probe dial timeout. Defaults to 3 seconds.
func WithTimeout(d time.Duration) ProberOption {
	return func(c *proberConfig) { c.timeout = d }
}

// WithDialer replaces the dialer used for probes.
func WithDialer(d Dialer) ProberOption {
	return func(c *proberConfig) { c.dialer = d }
}

// WithLogger sets the logger used to report transitions.
func WithLogger(l logger.Logger) ProberOption {
	return func(c *proberConfig) { c.logger = l }
}

// WithInitialState sets the state reported before the first probe completes.
// Defaults to offline.
func WithInitialState(online bool) ProberOption {
	return func(c *proberConfig) { c.initial = online }
}

// Prober is a Signal backed by a periodic TCP dial to a well known address.
type Prober struct {
	address   string
	cfg       proberConfig
	online    atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
	once      sync.Once
}

var _ Signal = (*Prober)(nil)

// NewProber starts probing address in the background until Close is called
// or parent is cancelled. The first probe runs immediately.
func NewProber(parent context.Context, address string, opts ...ProberOption) *Prober {
	cfg := proberConfig{
		interval: 30 * time.Second,
		timeout:  3 * time.Second,
		dialer:   &net.Dialer{},
		logger:   logger.NewConsoleLogger(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.interval <= 0 {
		cfg.interval = 30 * time.Second
	}
	if cfg.timeout <= 0 {
		cfg.timeout = 3 * time.Second
	}
	ctx, cancel := context.WithCancel(parent)
	p := &Prober{
		address: address,
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
	}
	p.online.Store(cfg.initial)
	p.waitGroup.Add(1)
	go p.run()
	return p
}

func (p *Prober) IsOnline() bool { return p.online.Load() }

// Probe performs a single dial and records the result.
func (p *Prober) Probe(ctx context.Context) bool {
	dctx, cancel := context.WithTimeout(ctx, p.cfg.timeout)
	defer cancel()
	conn, err := p.cfg.dialer.DialContext(dctx, "tcp", p.address)
	if conn != nil {
		conn.Close()
	}
	if ctx.Err() != nil {
		return p.online.Load()
	}
	online := err == nil
	if prev := p.online.Swap(online); prev != online {
		if online {
			p.cfg.logger.Info("connectivity restored (%s)", p.address)
		} else {
			p.cfg.logger.Warn("connectivity lost (%s): %s", p.address, err)
		}
	}
	return online
}

func (p *Prober) run() {
	defer p.waitGroup.Done()
	p.Probe(p.ctx)
	ticker := time.NewTicker(p.cfg.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.Probe(p.ctx)
		}
	}
}

// Close stops the background probe loop.
func (p *Prober) Close() error {
	p.once.Do(func() {
		p.cancel()
		p.waitGroup.Wait()
	})
	return nil
}
