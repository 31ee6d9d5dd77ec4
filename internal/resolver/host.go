// Package resolver decides whether a physical resource is served by this
// process or by a peer resource server, and pools the connections to
// those peers.
package resolver

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/fruitsalade/sfgrid/internal/config"
	"github.com/fruitsalade/sfgrid/internal/rpc"
)

// Peer is a connection to another resource server.
type Peer interface {
	Open(ctx context.Context, req rpc.OpenRequest) (rpc.OpenResponse, error)
	ReadBatch(ctx context.Context, req rpc.ReadBatchRequest) (rpc.ReadBatchResponse, error)
	Close(ctx context.Context, req rpc.CloseRequest) error
	Ping(ctx context.Context) error
}

// Host is where a container's bytes are served from: Local or Remote.
type Host interface {
	IsLocal() bool
	String() string
	isHost()
}

// Local means this process owns the resource.
type Local struct{}

func (Local) IsLocal() bool  { return true }
func (Local) String() string { return "local" }
func (Local) isHost()        {}

// Remote names the peer that owns the resource and a connection to it.
type Remote struct {
	Peer Peer
	Addr string // canonical host:port
	Zone string
}

func (Remote) IsLocal() bool    { return false }
func (r Remote) String() string { return "remote(" + r.Addr + ")" }
func (Remote) isHost()          {}

// CanonicalHost normalizes host[:port] for identity comparison: the host
// is lowercased, a trailing dot is dropped and a missing port becomes
// the default port.
func CanonicalHost(hostport string) (string, error) {
	hostport = strings.TrimSpace(hostport)
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		if !strings.Contains(err.Error(), "missing port") {
			return "", fmt.Errorf("host %q: %w", hostport, err)
		}
		host, port = strings.Trim(hostport, "[]"), strconv.Itoa(config.DefaultPort)
	}
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" {
		return "", fmt.Errorf("host %q: empty host name", hostport)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 || p > 65535 {
		return "", fmt.Errorf("host %q: invalid port %q", hostport, port)
	}
	return net.JoinHostPort(host, strconv.Itoa(p)), nil
}
