package resolver

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fruitsalade/sfgrid/internal/logging"
	"github.com/fruitsalade/sfgrid/internal/metrics"
	"github.com/fruitsalade/sfgrid/internal/retry"
)

// Dialer creates a peer connection for a canonical host:port.
type Dialer func(ctx context.Context, addr string) (Peer, error)

// Pool keeps one peer connection per destination, shared by every
// session routed there. Connections are created lazily and health
// checked before first use; creation is serialized per destination.
type Pool struct {
	dial  Dialer
	retry retry.Config

	mu    sync.Mutex
	peers map[string]*poolEntry
	live  int
}

type poolEntry struct {
	mu   sync.Mutex
	peer Peer
}

// NewPool creates a pool.
func NewPool(dial Dialer, cfg retry.Config) *Pool {
	return &Pool{dial: dial, retry: cfg, peers: make(map[string]*poolEntry)}
}

func (p *Pool) entry(addr string) *poolEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.peers[addr]
	if !ok {
		e = &poolEntry{}
		p.peers[addr] = e
	}
	return e
}

// Get returns the connection for addr, establishing it if needed.
func (p *Pool) Get(ctx context.Context, addr string) (Peer, error) {
	e := p.entry(addr)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.peer != nil {
		return e.peer, nil
	}

	peer, err := p.dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	err = retry.Do(ctx, p.retry, func() error {
		if err := peer.Ping(ctx); err != nil {
			logging.Debug("peer health check failed", zap.String("peer", addr), zap.Error(err))
			return retry.Retryable(err)
		}
		return nil
	})
	if err != nil {
		closePeer(peer)
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}

	e.peer = peer
	logging.Info("peer connection established", zap.String("peer", addr))
	p.track(1)
	return peer, nil
}

// Invalidate drops the connection to addr so the next Get reconnects.
func (p *Pool) Invalidate(addr string) {
	e := p.entry(addr)
	e.mu.Lock()
	peer := e.peer
	e.peer = nil
	e.mu.Unlock()

	if peer != nil {
		closePeer(peer)
		p.track(-1)
	}
}

// Len is the number of established connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

func (p *Pool) track(delta int) {
	p.mu.Lock()
	p.live += delta
	n := p.live
	p.mu.Unlock()
	metrics.SetPeerConnections(n)
}

// Close drops every connection.
func (p *Pool) Close() {
	p.mu.Lock()
	peers := p.peers
	p.peers = make(map[string]*poolEntry)
	p.live = 0
	p.mu.Unlock()

	for _, e := range peers {
		e.mu.Lock()
		if e.peer != nil {
			closePeer(e.peer)
			e.peer = nil
		}
		e.mu.Unlock()
	}
	metrics.SetPeerConnections(0)
}

func closePeer(peer Peer) {
	if c, ok := peer.(interface{ CloseIdleConnections() }); ok {
		c.CloseIdleConnections()
	}
}
