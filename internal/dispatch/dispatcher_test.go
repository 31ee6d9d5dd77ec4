package dispatch

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fruitsalade/sfgrid/internal/resolver"
	"github.com/fruitsalade/sfgrid/internal/rpc"
	"github.com/fruitsalade/sfgrid/internal/storage"
	"github.com/fruitsalade/sfgrid/internal/storage/blob"
	"github.com/fruitsalade/sfgrid/internal/structfile"
	"github.com/fruitsalade/sfgrid/internal/structfile/driver"
)

type tarMember struct {
	name string
	dir  bool
	size int
}

func scenario() []tarMember {
	return []tarMember{{name: "a.txt", size: 100}, {name: "sub/", dir: true}, {name: "sub/b.txt", size: 50}}
}

func numbered(n int) []tarMember {
	out := make([]tarMember, n)
	for i := range out {
		out[i] = tarMember{name: fmt.Sprintf("f%03d", i), size: i}
	}
	return out
}

// buildTar returns a ustar archive and the offset of each header block.
func buildTar(t *testing.T, members []tarMember) ([]byte, []int) {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	var offsets []int
	for _, m := range members {
		hdr := &tar.Header{Name: m.name, Mode: 0644, ModTime: time.Unix(1700000000, 0), Format: tar.FormatUSTAR}
		if m.dir {
			hdr.Typeflag = tar.TypeDir
		} else {
			hdr.Typeflag = tar.TypeReg
			hdr.Size = int64(m.size)
		}
		tw.Flush()
		offsets = append(offsets, buf.Len())
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if !m.dir {
			tw.Write(bytes.Repeat([]byte("z"), m.size))
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes(), offsets
}

type memSources map[string][]byte

func (m memSources) OpenSource(_ context.Context, ref structfile.PhysicalRef) (storage.Source, error) {
	data, ok := m[ref.Path]
	if !ok {
		return nil, structfile.Errorf(structfile.ResourceUnknown, "open", "%s not found", ref.Path)
	}
	return blob.Bytes(data), nil
}

type fakeResolver struct {
	hosts       map[string]resolver.Host
	resolves    atomic.Int32
	invalidated atomic.Int32
}

func (r *fakeResolver) Resolve(_ context.Context, ref structfile.PhysicalRef) (resolver.Host, error) {
	r.resolves.Add(1)
	h, ok := r.hosts[ref.Resource]
	if !ok {
		return nil, structfile.Errorf(structfile.ResourceUnknown, "resolve", "unknown resource %s", ref.Resource)
	}
	return h, nil
}

func (r *fakeResolver) Invalidate(string) { r.invalidated.Add(1) }

// dispatcherPeer serves peer calls from another in-process dispatcher,
// mirroring what the RPC client returns.
type dispatcherPeer struct {
	owner   *Dispatcher
	opens   atomic.Int32
	closes  atomic.Int32
	readErr error
	// openErr is returned after the owner has opened, as when the
	// answer is lost on the way back.
	openErr error
	// mangle rewrites successful read responses.
	mangle func(*rpc.ReadBatchResponse)
	mu     sync.Mutex
	reqs   []rpc.ReadBatchRequest
}

func (p *dispatcherPeer) Open(ctx context.Context, req rpc.OpenRequest) (rpc.OpenResponse, error) {
	p.opens.Add(1)
	token, err := p.owner.Open(ctx, OpenRequest{
		Ref:           req.Ref,
		ContainerType: req.ContainerType,
		Forwarded:     req.Forwarded,
		Token:         req.SessionToken,
	})
	if err != nil {
		return rpc.OpenResponse{}, err
	}
	if p.openErr != nil {
		return rpc.OpenResponse{}, p.openErr
	}
	return rpc.OpenResponse{SessionToken: token}, nil
}

func (p *dispatcherPeer) ReadBatch(ctx context.Context, req rpc.ReadBatchRequest) (rpc.ReadBatchResponse, error) {
	p.mu.Lock()
	p.reqs = append(p.reqs, req)
	p.mu.Unlock()
	if p.readErr != nil {
		return rpc.ReadBatchResponse{}, p.readErr
	}
	batch, err := p.owner.ReadBatch(ctx, ReadRequest{Token: req.SessionToken, ContainerType: req.ContainerType, MaxEntries: req.MaxEntries})
	resp := rpc.ReadBatchResponse{Entries: rpc.FromEntries(batch.Entries), EndOfStream: batch.EndOfStream}
	if err == nil && p.mangle != nil {
		p.mangle(&resp)
	}
	return resp, err
}

func (p *dispatcherPeer) Close(ctx context.Context, req rpc.CloseRequest) error {
	p.closes.Add(1)
	return p.owner.Close(ctx, req.SessionToken)
}

func (p *dispatcherPeer) Ping(context.Context) error { return nil }

type grid struct {
	owner *Dispatcher
	entry *Dispatcher
	peer  *dispatcherPeer
	res   *fakeResolver
}

var (
	localRef  = structfile.PhysicalRef{Resource: "ownerResc", Zone: "tempZone", Path: "/vault/c.tar"}
	remoteRef = structfile.PhysicalRef{Resource: "remoteResc", Zone: "tempZone", Path: "/vault/c.tar"}
)

// newGrid builds an owner dispatcher serving data at /vault/c.tar and an
// entry dispatcher that reaches it through a peer.
func newGrid(t *testing.T, data []byte, cfg Config) *grid {
	t.Helper()
	sources := memSources{"/vault/c.tar": data}

	ownerRes := &fakeResolver{hosts: map[string]resolver.Host{
		"ownerResc":  resolver.Local{},
		"remoteResc": resolver.Local{},
	}}
	owner := New(cfg, ownerRes, sources, driver.DefaultRegistry())

	peer := &dispatcherPeer{owner: owner}
	entryRes := &fakeResolver{hosts: map[string]resolver.Host{
		"ownerResc":  resolver.Local{},
		"remoteResc": resolver.Remote{Peer: peer, Addr: "owner.example.org:1247", Zone: "tempZone"},
	}}
	entry := New(cfg, entryRes, sources, driver.DefaultRegistry())

	return &grid{owner: owner, entry: entry, peer: peer, res: entryRes}
}

func names(entries []structfile.Entry) string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Name()
	}
	return strings.Join(out, ",")
}

func drain(t *testing.T, d *Dispatcher, token string, max uint32) []structfile.Entry {
	t.Helper()
	var all []structfile.Entry
	for i := 0; i < 1000; i++ {
		b, err := d.ReadBatch(context.Background(), ReadRequest{Token: token, MaxEntries: max})
		if err != nil {
			t.Fatalf("ReadBatch: %v", err)
		}
		all = append(all, b.Entries...)
		if b.EndOfStream {
			return all
		}
	}
	t.Fatal("no end of stream")
	return nil
}

func TestScenarioLocalAndRemote(t *testing.T) {
	data, _ := buildTar(t, scenario())
	g := newGrid(t, data, DefaultConfig())
	ctx := context.Background()

	for _, ref := range []structfile.PhysicalRef{localRef, remoteRef} {
		token, err := g.entry.Open(ctx, OpenRequest{Ref: ref, ContainerType: "tar"})
		if err != nil {
			t.Fatalf("%s: Open: %v", ref.Resource, err)
		}

		b, err := g.entry.ReadBatch(ctx, ReadRequest{Token: token, ContainerType: "tar", MaxEntries: 2})
		if err != nil || b.EndOfStream || names(b.Entries) != "a.txt,sub/" {
			t.Fatalf("%s: first batch %q eos=%v err=%v", ref.Resource, names(b.Entries), b.EndOfStream, err)
		}
		b, err = g.entry.ReadBatch(ctx, ReadRequest{Token: token, ContainerType: "tar", MaxEntries: 2})
		if err != nil || !b.EndOfStream || names(b.Entries) != "sub/b.txt" {
			t.Fatalf("%s: second batch %q eos=%v err=%v", ref.Resource, names(b.Entries), b.EndOfStream, err)
		}
		b, err = g.entry.ReadBatch(ctx, ReadRequest{Token: token, ContainerType: "tar", MaxEntries: 2})
		if err != nil || !b.EndOfStream || len(b.Entries) != 0 {
			t.Fatalf("%s: third batch %q eos=%v err=%v", ref.Resource, names(b.Entries), b.EndOfStream, err)
		}

		if err := g.entry.Close(ctx, token); err != nil {
			t.Fatalf("%s: Close: %v", ref.Resource, err)
		}
	}

	if got := len(g.peer.reqs); got != 2 {
		t.Errorf("exhausted remote session should answer locally, peer saw %d reads", got)
	}
}

func TestRoutingTransparency(t *testing.T) {
	data, _ := buildTar(t, numbered(23))
	g := newGrid(t, data, DefaultConfig())
	ctx := context.Background()

	for _, max := range []uint32{1, 4, 7, 23, 50} {
		lt, err := g.entry.Open(ctx, OpenRequest{Ref: localRef, ContainerType: "tar"})
		if err != nil {
			t.Fatal(err)
		}
		rt, err := g.entry.Open(ctx, OpenRequest{Ref: remoteRef, ContainerType: "tar"})
		if err != nil {
			t.Fatal(err)
		}

		local := drain(t, g.entry, lt, max)
		remote := drain(t, g.entry, rt, max)
		if len(local) != 23 {
			t.Fatalf("max=%d: local decode returned %d entries", max, len(local))
		}
		for i := range local {
			if local[i].String() != remote[i].String() || string(local[i].Locator()) != string(remote[i].Locator()) {
				t.Fatalf("max=%d: entry %d differs: %s vs %s", max, i, local[i], remote[i])
			}
		}
		g.entry.Close(ctx, lt)
		g.entry.Close(ctx, rt)
	}
}

func TestUnknownContainerTypeCreatesNoSession(t *testing.T) {
	g := newGrid(t, nil, DefaultConfig())
	_, err := g.entry.Open(context.Background(), OpenRequest{Ref: remoteRef, ContainerType: "unknown-format"})
	if !errors.Is(err, structfile.ErrUnsupportedContainerType) {
		t.Fatalf("expected UnsupportedContainerType, got %v", err)
	}
	if g.entry.Sessions() != 0 || g.owner.Sessions() != 0 {
		t.Error("session created for unknown type")
	}
	if g.res.resolves.Load() != 0 || g.peer.opens.Load() != 0 {
		t.Error("unknown type was resolved or forwarded")
	}
}

func TestOpenErrorsPassThrough(t *testing.T) {
	g := newGrid(t, nil, DefaultConfig())
	ctx := context.Background()

	if _, err := g.entry.Open(ctx, OpenRequest{Ref: structfile.PhysicalRef{Resource: "nope", Path: "/a"}, ContainerType: "tar"}); !errors.Is(err, structfile.ErrResourceUnknown) {
		t.Errorf("unknown resource: %v", err)
	}

	missing := remoteRef
	missing.Path = "/vault/absent.tar"
	_, err := g.entry.Open(ctx, OpenRequest{Ref: missing, ContainerType: "tar"})
	if !errors.Is(err, structfile.ErrRemoteOperationFailed) || !errors.Is(err, structfile.ErrResourceUnknown) {
		t.Errorf("remote missing path: %v", err)
	}
}

func TestForwardedOpenIsNotForwardedAgain(t *testing.T) {
	data, _ := buildTar(t, scenario())
	g := newGrid(t, data, DefaultConfig())

	_, err := g.entry.Open(context.Background(), OpenRequest{Ref: remoteRef, ContainerType: "tar", Forwarded: true})
	if !errors.Is(err, structfile.ErrResourceUnknown) {
		t.Fatalf("expected ResourceUnknown, got %v", err)
	}
	if g.peer.opens.Load() != 0 {
		t.Error("forwarded open was forwarded again")
	}
}

func TestSessionClosedAfterClose(t *testing.T) {
	data, _ := buildTar(t, scenario())
	g := newGrid(t, data, DefaultConfig())
	ctx := context.Background()

	token, err := g.entry.Open(ctx, OpenRequest{Ref: localRef, ContainerType: "tar"})
	if err != nil {
		t.Fatal(err)
	}
	if err := g.entry.Close(ctx, token); err != nil {
		t.Fatal(err)
	}

	if _, err := g.entry.ReadBatch(ctx, ReadRequest{Token: token, MaxEntries: 1}); !errors.Is(err, structfile.ErrSessionClosed) {
		t.Errorf("read after close: %v", err)
	}
	if err := g.entry.Close(ctx, token); !errors.Is(err, structfile.ErrSessionClosed) {
		t.Errorf("second close: %v", err)
	}
	if _, err := g.entry.ReadBatch(ctx, ReadRequest{Token: rpc.NewToken(), MaxEntries: 1}); !errors.Is(err, structfile.ErrSessionClosed) {
		t.Errorf("read before open: %v", err)
	}
}

func TestRemoteCloseReleasesOnce(t *testing.T) {
	data, _ := buildTar(t, scenario())
	g := newGrid(t, data, DefaultConfig())
	ctx := context.Background()

	token, err := g.entry.Open(ctx, OpenRequest{Ref: remoteRef, ContainerType: "tar"})
	if err != nil {
		t.Fatal(err)
	}
	if g.owner.Sessions() != 1 {
		t.Fatalf("owner holds %d sessions", g.owner.Sessions())
	}

	if err := g.entry.Close(ctx, token); err != nil {
		t.Fatal(err)
	}
	g.entry.Close(ctx, token)

	if g.peer.closes.Load() != 1 {
		t.Errorf("expected one release, got %d", g.peer.closes.Load())
	}
	if g.owner.Sessions() != 0 {
		t.Errorf("owner still holds %d sessions", g.owner.Sessions())
	}
}

func TestRemoteReadFailureStillReleasesOnClose(t *testing.T) {
	data, _ := buildTar(t, scenario())
	g := newGrid(t, data, DefaultConfig())
	ctx := context.Background()

	token, err := g.entry.Open(ctx, OpenRequest{Ref: remoteRef, ContainerType: "tar"})
	if err != nil {
		t.Fatal(err)
	}

	g.peer.readErr = structfile.Wrap(structfile.ResourceUnreachable, "readdir",
		&rpc.TransportError{Addr: "owner", Err: errors.New("connection reset by peer")})
	_, err = g.entry.ReadBatch(ctx, ReadRequest{Token: token, MaxEntries: 2})
	if !errors.Is(err, structfile.ErrRemoteOperationFailed) {
		t.Fatalf("expected RemoteOperationFailed, got %v", err)
	}
	if !errors.Is(err, structfile.ErrResourceUnreachable) {
		t.Errorf("underlying cause lost: %v", err)
	}
	if g.res.invalidated.Load() != 1 {
		t.Error("transport failure did not invalidate the pooled connection")
	}

	if err := g.entry.Close(ctx, token); err != nil {
		t.Fatal(err)
	}
	if g.peer.closes.Load() != 1 {
		t.Errorf("expected one release, got %d", g.peer.closes.Load())
	}
}

func TestRemoteTimeoutClosesSession(t *testing.T) {
	data, _ := buildTar(t, scenario())
	g := newGrid(t, data, DefaultConfig())
	ctx := context.Background()

	token, err := g.entry.Open(ctx, OpenRequest{Ref: remoteRef, ContainerType: "tar"})
	if err != nil {
		t.Fatal(err)
	}

	g.peer.readErr = structfile.Wrap(structfile.ResourceUnreachable, "readdir",
		&rpc.TransportError{Addr: "owner", Err: context.DeadlineExceeded})
	_, err = g.entry.ReadBatch(ctx, ReadRequest{Token: token, MaxEntries: 2})
	if !errors.Is(err, structfile.ErrResourceUnreachable) || structfile.KindOf(err) != structfile.ResourceUnreachable {
		t.Fatalf("expected ResourceUnreachable, got %v", err)
	}

	if g.peer.closes.Load() != 1 {
		t.Errorf("timeout should release the remote token once, got %d", g.peer.closes.Load())
	}
	if g.entry.Sessions() != 0 {
		t.Error("timed out session left in the table")
	}
	if _, err := g.entry.ReadBatch(ctx, ReadRequest{Token: token, MaxEntries: 2}); !errors.Is(err, structfile.ErrSessionClosed) {
		t.Errorf("read after timeout: %v", err)
	}
	if err := g.entry.Close(ctx, token); !errors.Is(err, structfile.ErrSessionClosed) {
		t.Errorf("close after timeout: %v", err)
	}
	if g.peer.closes.Load() != 1 {
		t.Errorf("release issued more than once: %d", g.peer.closes.Load())
	}
}

func TestCorruptContainerKeepsPartialEntries(t *testing.T) {
	const k = 3
	data, offsets := buildTar(t, numbered(6))
	for i := offsets[k]; i < offsets[k]+512; i++ {
		data[i] = 0xFF
	}
	g := newGrid(t, data, DefaultConfig())
	ctx := context.Background()

	for _, ref := range []structfile.PhysicalRef{localRef, remoteRef} {
		token, err := g.entry.Open(ctx, OpenRequest{Ref: ref, ContainerType: "tar"})
		if err != nil {
			t.Fatal(err)
		}
		b, err := g.entry.ReadBatch(ctx, ReadRequest{Token: token, MaxEntries: 10})
		if len(b.Entries) != k || !b.EndOfStream {
			t.Errorf("%s: got %d entries eos=%v", ref.Resource, len(b.Entries), b.EndOfStream)
		}
		if !errors.Is(err, structfile.ErrContainerCorrupt) {
			t.Errorf("%s: expected ContainerCorrupt, got %v", ref.Resource, err)
		}

		b, err = g.entry.ReadBatch(ctx, ReadRequest{Token: token, MaxEntries: 10})
		if err != nil || len(b.Entries) != 0 || !b.EndOfStream {
			t.Errorf("%s: read after fault: %d entries eos=%v err=%v", ref.Resource, len(b.Entries), b.EndOfStream, err)
		}
		g.entry.Close(ctx, token)
	}
}

func TestBatchSizeDefaultAndCap(t *testing.T) {
	data, _ := buildTar(t, numbered(100))
	g := newGrid(t, data, Config{DefaultBatchSize: 10, MaxBatchSize: 25, RemoteTimeout: time.Second})
	ctx := context.Background()

	for _, ref := range []structfile.PhysicalRef{localRef, remoteRef} {
		token, _ := g.entry.Open(ctx, OpenRequest{Ref: ref, ContainerType: "tar"})

		b, err := g.entry.ReadBatch(ctx, ReadRequest{Token: token})
		if err != nil || len(b.Entries) != 10 {
			t.Errorf("%s: default batch returned %d entries, %v", ref.Resource, len(b.Entries), err)
		}
		b, err = g.entry.ReadBatch(ctx, ReadRequest{Token: token, MaxEntries: 1000})
		if err != nil || len(b.Entries) != 25 {
			t.Errorf("%s: capped batch returned %d entries, %v", ref.Resource, len(b.Entries), err)
		}
		g.entry.Close(ctx, token)
	}

	for _, req := range g.peer.reqs {
		if req.MaxEntries != 0 && req.MaxEntries != 1000 {
			t.Errorf("forwarded max_entries altered: %d", req.MaxEntries)
		}
	}
}

func TestContainerTypeMismatch(t *testing.T) {
	data, _ := buildTar(t, scenario())
	g := newGrid(t, data, DefaultConfig())
	ctx := context.Background()

	token, _ := g.entry.Open(ctx, OpenRequest{Ref: localRef, ContainerType: "tar"})
	if _, err := g.entry.ReadBatch(ctx, ReadRequest{Token: token, ContainerType: "zip", MaxEntries: 1}); !errors.Is(err, structfile.ErrUnsupportedContainerType) {
		t.Errorf("expected UnsupportedContainerType, got %v", err)
	}
	if b, err := g.entry.ReadBatch(ctx, ReadRequest{Token: token, ContainerType: "TAR", MaxEntries: 1}); err != nil || len(b.Entries) != 1 {
		t.Errorf("matching type rejected: %v", err)
	}
}

func TestOwnerSessionLossClosesEntrySession(t *testing.T) {
	data, _ := buildTar(t, scenario())
	g := newGrid(t, data, DefaultConfig())
	ctx := context.Background()

	token, _ := g.entry.Open(ctx, OpenRequest{Ref: remoteRef, ContainerType: "tar"})
	g.owner.Shutdown(ctx)

	_, err := g.entry.ReadBatch(ctx, ReadRequest{Token: token, MaxEntries: 1})
	if !errors.Is(err, structfile.ErrRemoteOperationFailed) || !errors.Is(err, structfile.ErrSessionClosed) {
		t.Fatalf("expected RemoteOperationFailed(SessionClosed), got %v", err)
	}
	if g.entry.Sessions() != 0 {
		t.Error("entry session kept after owner lost it")
	}
	if g.peer.closes.Load() != 0 {
		t.Error("release sent for a session the owner no longer holds")
	}
}

func TestShutdownReleasesRemoteSessions(t *testing.T) {
	data, _ := buildTar(t, scenario())
	g := newGrid(t, data, DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := g.entry.Open(ctx, OpenRequest{Ref: remoteRef, ContainerType: "tar"}); err != nil {
			t.Fatal(err)
		}
	}
	g.entry.Open(ctx, OpenRequest{Ref: localRef, ContainerType: "tar"})

	g.entry.Shutdown(ctx)
	if g.entry.Sessions() != 0 || g.owner.Sessions() != 0 {
		t.Errorf("sessions left: entry=%d owner=%d", g.entry.Sessions(), g.owner.Sessions())
	}
	if g.peer.closes.Load() != 3 {
		t.Errorf("expected 3 releases, got %d", g.peer.closes.Load())
	}
}

func TestIdleSessionsExpire(t *testing.T) {
	data, _ := buildTar(t, scenario())
	cfg := DefaultConfig()
	cfg.SessionIdleTTL = 20 * time.Millisecond
	g := newGrid(t, data, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.entry.Run(ctx)

	if _, err := g.entry.Open(ctx, OpenRequest{Ref: remoteRef, ContainerType: "tar"}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for g.peer.closes.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if g.peer.closes.Load() != 1 {
		t.Fatalf("idle remote session not released, closes=%d", g.peer.closes.Load())
	}
	if g.entry.Sessions() != 0 {
		t.Error("expired session still registered")
	}
}

func TestConcurrentSessionsAreIndependent(t *testing.T) {
	data, _ := buildTar(t, numbered(40))
	g := newGrid(t, data, DefaultConfig())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ref := localRef
			if i%2 == 1 {
				ref = remoteRef
			}
			token, err := g.entry.Open(ctx, OpenRequest{Ref: ref, ContainerType: "tar"})
			if err != nil {
				t.Error(err)
				return
			}
			total := 0
			for {
				b, err := g.entry.ReadBatch(ctx, ReadRequest{Token: token, MaxEntries: 3})
				if err != nil {
					t.Error(err)
					return
				}
				total += len(b.Entries)
				if b.EndOfStream {
					break
				}
			}
			if total != 40 {
				t.Errorf("session %d read %d entries", i, total)
			}
			g.entry.Close(ctx, token)
		}()
	}
	wg.Wait()
}

func TestUndeliverableBatchEndsSession(t *testing.T) {
	data, _ := buildTar(t, numbered(10))
	ctx := context.Background()

	for name, setup := range map[string]func(*dispatcherPeer){
		"invalid entry": func(p *dispatcherPeer) {
			p.mangle = func(resp *rpc.ReadBatchResponse) { resp.Entries[0].Name = "../escape" }
		},
		"undecodable body": func(p *dispatcherPeer) {
			p.readErr = structfile.Wrap(structfile.InvalidRequest, "readdir",
				&rpc.ResponseError{Addr: "owner", Err: errors.New("unexpected EOF")})
		},
	} {
		g := newGrid(t, data, DefaultConfig())
		token, err := g.entry.Open(ctx, OpenRequest{Ref: remoteRef, ContainerType: "tar"})
		if err != nil {
			t.Fatal(err)
		}
		setup(g.peer)

		b, err := g.entry.ReadBatch(ctx, ReadRequest{Token: token, MaxEntries: 3})
		if structfile.KindOf(err) != structfile.RemoteOperationFailed || structfile.CauseKind(err) != structfile.InvalidRequest {
			t.Errorf("%s: expected RemoteOperationFailed caused by InvalidRequest, got %v", name, err)
		}
		if len(b.Entries) != 0 {
			t.Errorf("%s: returned %d entries", name, len(b.Entries))
		}
		if g.peer.closes.Load() != 1 || g.owner.Sessions() != 0 || g.entry.Sessions() != 0 {
			t.Errorf("%s: closes=%d owner=%d entry=%d", name, g.peer.closes.Load(), g.owner.Sessions(), g.entry.Sessions())
		}
		if _, err := g.entry.ReadBatch(ctx, ReadRequest{Token: token, MaxEntries: 3}); !errors.Is(err, structfile.ErrSessionClosed) {
			t.Errorf("%s: read after lost batch: %v", name, err)
		}
	}
}

func TestLostOpenAnswerReleasesOwnerSession(t *testing.T) {
	data, _ := buildTar(t, scenario())
	g := newGrid(t, data, DefaultConfig())
	g.peer.openErr = structfile.Wrap(structfile.ResourceUnreachable, "open",
		&rpc.TransportError{Addr: "owner", Err: context.DeadlineExceeded})

	_, err := g.entry.Open(context.Background(), OpenRequest{Ref: remoteRef, ContainerType: "tar"})
	if !errors.Is(err, structfile.ErrResourceUnreachable) {
		t.Fatalf("expected ResourceUnreachable, got %v", err)
	}
	if g.peer.closes.Load() != 1 {
		t.Errorf("expected one release, got %d", g.peer.closes.Load())
	}
	if g.owner.Sessions() != 0 || g.entry.Sessions() != 0 {
		t.Errorf("sessions left: owner=%d entry=%d", g.owner.Sessions(), g.entry.Sessions())
	}
}

func TestProposedTokenIsUsedOnce(t *testing.T) {
	data, _ := buildTar(t, scenario())
	g := newGrid(t, data, DefaultConfig())
	ctx := context.Background()
	proposed := rpc.NewToken()

	token, err := g.owner.Open(ctx, OpenRequest{Ref: localRef, ContainerType: "tar", Forwarded: true, Token: proposed})
	if err != nil || token != proposed {
		t.Fatalf("Open = %q, %v", token, err)
	}
	_, err = g.owner.Open(ctx, OpenRequest{Ref: localRef, ContainerType: "tar", Forwarded: true, Token: proposed})
	if !errors.Is(err, structfile.ErrInvalidRequest) {
		t.Errorf("duplicate token: %v", err)
	}
	if g.owner.Sessions() != 1 {
		t.Errorf("expected one session, got %d", g.owner.Sessions())
	}
}

func TestBatchSizeFitsResponseBody(t *testing.T) {
	d := New(Config{DefaultBatchSize: 1 << 20, MaxBatchSize: 1 << 20}, &fakeResolver{}, memSources{}, driver.DefaultRegistry())
	if d.cfg.MaxBatchSize != rpc.MaxBodyEntries || d.cfg.DefaultBatchSize != rpc.MaxBodyEntries {
		t.Errorf("limits = %d/%d, want %d", d.cfg.DefaultBatchSize, d.cfg.MaxBatchSize, rpc.MaxBodyEntries)
	}
	if got := d.batchSize(rpc.MaxBatchEntries); got != rpc.MaxBodyEntries {
		t.Errorf("batchSize(max) = %d", got)
	}
}
