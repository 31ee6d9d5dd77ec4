package resolver

import (
	"context"
	"errors"
	"strings"

	"github.com/fruitsalade/sfgrid/internal/catalog"
	"github.com/fruitsalade/sfgrid/internal/config"
	"github.com/fruitsalade/sfgrid/internal/structfile"
)

// Resolver maps physical references to hosts. It is safe for concurrent
// use.
type Resolver struct {
	catalog catalog.Catalog
	pool    *Pool
	zone    string
	self    string
}

// New creates a resolver for the process described by cc.
func New(cc *config.ConnectionContext, cat catalog.Catalog, pool *Pool) (*Resolver, error) {
	self, err := CanonicalHost(cc.Address())
	if err != nil {
		return nil, err
	}
	return &Resolver{catalog: cat, pool: pool, zone: cc.Zone, self: self}, nil
}

// Self is this process's canonical host identity.
func (r *Resolver) Self() string { return r.self }

// Owns reports whether res is served by this process.
func (r *Resolver) Owns(res catalog.Resource) bool {
	host, err := CanonicalHost(res.Host)
	if err != nil {
		return false
	}
	return host == r.self && strings.EqualFold(res.Zone, r.zone)
}

// Resolve returns Local when this process owns ref's resource and a
// Remote carrying a pooled peer connection otherwise. Unknown resources
// fail with ResourceUnknown, unreachable peers with ResourceUnreachable.
func (r *Resolver) Resolve(ctx context.Context, ref structfile.PhysicalRef) (Host, error) {
	res, err := r.catalog.Lookup(ctx, ref.Resource)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, structfile.Errorf(structfile.ResourceUnknown, "resolve", "resource %q is not registered", ref.Resource)
	}
	if err != nil {
		return nil, structfile.Wrap(structfile.ResourceUnreachable, "resolve", err)
	}
	if ref.Zone != "" && !strings.EqualFold(ref.Zone, res.Zone) {
		return nil, structfile.Errorf(structfile.ResourceUnknown, "resolve",
			"resource %q is registered in zone %q, not %q", ref.Resource, res.Zone, ref.Zone)
	}

	addr, err := CanonicalHost(res.Host)
	if err != nil {
		return nil, structfile.Errorf(structfile.ResourceUnknown, "resolve", "resource %q: %v", ref.Resource, err)
	}
	if addr == r.self && strings.EqualFold(res.Zone, r.zone) {
		return Local{}, nil
	}

	peer, err := r.pool.Get(ctx, addr)
	if err != nil {
		return nil, structfile.Wrap(structfile.ResourceUnreachable, "resolve", err)
	}
	return Remote{Peer: peer, Addr: addr, Zone: res.Zone}, nil
}

// Invalidate drops the pooled connection to addr after a transport
// failure so that the next resolution reconnects.
func (r *Resolver) Invalidate(addr string) {
	r.pool.Invalidate(addr)
}
