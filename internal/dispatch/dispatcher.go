// Package dispatch routes structured-file operations. Each open resolves
// the container's owner once. Sessions on containers this host owns are
// decoded here; all others are forwarded, with one hop, to the owner's
// dispatcher.
package dispatch

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/sfgrid/internal/logging"
	"github.com/fruitsalade/sfgrid/internal/metrics"
	"github.com/fruitsalade/sfgrid/internal/resolver"
	"github.com/fruitsalade/sfgrid/internal/rpc"
	"github.com/fruitsalade/sfgrid/internal/session"
	"github.com/fruitsalade/sfgrid/internal/storage"
	"github.com/fruitsalade/sfgrid/internal/structfile"
	"github.com/fruitsalade/sfgrid/internal/structfile/driver"
)

// HostResolver decides which host owns a reference.
type HostResolver interface {
	Resolve(ctx context.Context, ref structfile.PhysicalRef) (resolver.Host, error)
	Invalidate(addr string)
}

// SourceOpener opens the bytes of a locally owned container.
type SourceOpener interface {
	OpenSource(ctx context.Context, ref structfile.PhysicalRef) (storage.Source, error)
}

// Config holds dispatcher limits.
type Config struct {
	DefaultBatchSize int
	MaxBatchSize     int
	// RemoteTimeout bounds each call to a peer.
	RemoteTimeout time.Duration
	// SessionIdleTTL closes sessions left unread this long. Zero disables.
	SessionIdleTTL time.Duration
}

// DefaultConfig returns the built-in limits.
func DefaultConfig() Config {
	return Config{
		DefaultBatchSize: 64,
		MaxBatchSize:     1024,
		RemoteTimeout:    30 * time.Second,
		SessionIdleTTL:   15 * time.Minute,
	}
}

// OpenRequest opens a structured file.
type OpenRequest struct {
	Ref           structfile.PhysicalRef
	ContainerType string
	// Forwarded marks an open relayed by a peer. It must resolve locally.
	Forwarded bool
	// Token, when set, is used as the new session's token. Forwarders
	// pick it so they can release a session whose open answer was lost.
	Token string
}

// ReadRequest reads the next batch of a session. An empty ContainerType
// means the type given at open; MaxEntries of zero means the default
// batch size.
type ReadRequest struct {
	Token         string
	ContainerType string
	MaxEntries    uint32
}

// Batch is one directory batch.
type Batch struct {
	Entries     []structfile.Entry
	EndOfStream bool
}

// Dispatcher owns the session table of one resource server.
type Dispatcher struct {
	cfg      Config
	resolver HostResolver
	sources  SourceOpener
	drivers  *driver.Registry
	sessions *session.Table
}

// New creates a dispatcher. Call Run to enable idle expiry.
func New(cfg Config, res HostResolver, sources SourceOpener, drivers *driver.Registry) *Dispatcher {
	def := DefaultConfig()
	if cfg.DefaultBatchSize <= 0 {
		cfg.DefaultBatchSize = def.DefaultBatchSize
	}
	if cfg.MaxBatchSize < cfg.DefaultBatchSize {
		cfg.MaxBatchSize = max(def.MaxBatchSize, cfg.DefaultBatchSize)
	}
	// A batch must always fit in one response body.
	cfg.MaxBatchSize = min(cfg.MaxBatchSize, rpc.MaxBodyEntries)
	cfg.DefaultBatchSize = min(cfg.DefaultBatchSize, cfg.MaxBatchSize)
	if cfg.RemoteTimeout <= 0 {
		cfg.RemoteTimeout = def.RemoteTimeout
	}

	d := &Dispatcher{cfg: cfg, resolver: res, sources: sources, drivers: drivers}
	d.sessions = session.NewTable(cfg.SessionIdleTTL, d.expire)
	return d
}

// Run expires idle sessions until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		d.sessions.Stop()
	}()
	d.sessions.Start()
}

// Sessions is the number of open sessions.
func (d *Dispatcher) Sessions() int { return d.sessions.Len() }

// Open resolves the owner of req.Ref and opens a session on it. The
// returned token is valid on this host. An unknown container type fails
// before any resolution and creates no session.
func (d *Dispatcher) Open(ctx context.Context, req OpenRequest) (string, error) {
	start := time.Now()
	route := "local"

	token, err := d.open(ctx, req, &route)
	metrics.RecordDispatch("open", route, result(err), time.Since(start))

	log := logging.WithContext(ctx).With(
		zap.String("ref", req.Ref.String()),
		zap.String("container_type", req.ContainerType),
		zap.String("route", route))
	if err != nil {
		log.Info("open failed", zap.String("kind", structfile.KindOf(err).String()), zap.Error(err))
		return "", err
	}
	metrics.SessionOpened(route)
	log.Debug("session opened", zap.String("session", token))
	return token, nil
}

func (d *Dispatcher) open(ctx context.Context, req OpenRequest, route *string) (string, error) {
	if _, err := d.drivers.DriverFor(req.ContainerType); err != nil {
		return "", err
	}

	host, err := d.resolver.Resolve(ctx, req.Ref)
	if err != nil {
		return "", err
	}

	switch h := host.(type) {
	case resolver.Local:
		return d.openLocal(ctx, req)
	case resolver.Remote:
		*route = "remote"
		if req.Forwarded {
			return "", structfile.Errorf(structfile.ResourceUnknown, "open",
				"resource %q is owned by %s, not this host", req.Ref.Resource, h.Addr)
		}
		return d.openRemote(ctx, req, h)
	default:
		return "", structfile.Errorf(structfile.ResourceUnknown, "open", "unroutable host %v", host)
	}
}

func (d *Dispatcher) openLocal(ctx context.Context, req OpenRequest) (string, error) {
	token := req.Token
	if token == "" {
		token = rpc.NewToken()
	} else if _, taken := d.sessions.Get(token); taken {
		return "", structfile.Errorf(structfile.InvalidRequest, "open", "session token %q is already in use", token)
	}

	src, err := d.sources.OpenSource(ctx, req.Ref)
	if err != nil {
		return "", err
	}
	cursor, err := d.drivers.Open(req.ContainerType, src)
	if err != nil {
		src.Close()
		metrics.RecordContainerFault(req.ContainerType)
		return "", err
	}

	s := session.New(token, req.Ref, req.ContainerType)
	if err := s.BindLocal(cursor); err != nil {
		cursor.Close()
		return "", err
	}
	d.sessions.Put(s)
	return s.Token(), nil
}

func (d *Dispatcher) openRemote(ctx context.Context, req OpenRequest, h resolver.Remote) (string, error) {
	rctx, cancel := context.WithTimeout(ctx, d.cfg.RemoteTimeout)
	defer cancel()

	proposed := rpc.NewToken()
	resp, err := h.Peer.Open(rctx, rpc.OpenRequest{
		Ref:           req.Ref,
		ContainerType: req.ContainerType,
		Forwarded:     true,
		SessionToken:  proposed,
	})
	if err != nil {
		if rpc.IsTransport(err) {
			// The owner may have opened the session before the answer
			// was lost.
			d.releaseOrphan(ctx, h, proposed)
		}
		return "", d.remoteError("open", h, err)
	}

	s := session.New(resp.SessionToken, req.Ref, req.ContainerType)
	if err := s.BindRemote(h); err != nil {
		return "", err
	}
	d.sessions.Put(s)
	return s.Token(), nil
}

func (d *Dispatcher) releaseOrphan(ctx context.Context, h resolver.Remote, token string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.RemoteTimeout)
	defer cancel()
	err := h.Peer.Close(rctx, rpc.CloseRequest{SessionToken: token})
	if err != nil && !errors.Is(err, structfile.ErrSessionClosed) {
		logging.WithContext(ctx).Debug("release after failed open",
			zap.String("peer", h.Addr), zap.String("session", token), zap.Error(err))
	}
}

// remoteError classifies a failed peer call. A timeout is reported as
// ResourceUnreachable; anything else as RemoteOperationFailed wrapping
// the cause. Transport failures also drop the pooled connection.
func (d *Dispatcher) remoteError(op string, h resolver.Remote, err error) error {
	if rpc.IsTimeout(err) {
		return structfile.Wrap(structfile.ResourceUnreachable, op, err)
	}
	if rpc.IsTransport(err) {
		d.resolver.Invalidate(h.Addr)
	}
	return structfile.Wrap(structfile.RemoteOperationFailed, op, err)
}

// ReadBatch returns the next batch of the session. Entries decoded before
// a container fault are returned together with the ContainerCorrupt
// error. Reads on one session are serialized.
func (d *Dispatcher) ReadBatch(ctx context.Context, req ReadRequest) (Batch, error) {
	start := time.Now()

	s, ok := d.sessions.Get(req.Token)
	if !ok {
		err := structfile.Errorf(structfile.SessionClosed, "readdir", "no open session %q", req.Token)
		metrics.RecordDispatch("readdir", "none", result(err), time.Since(start))
		return Batch{}, err
	}

	s.Lock()
	batch, err := d.readBatch(ctx, s, req)
	s.Unlock()

	route := s.Route()
	metrics.RecordDispatch("readdir", route, result(err), time.Since(start))
	metrics.RecordEntries(route, len(batch.Entries))
	if err != nil {
		logging.WithContext(ctx).Info("read batch failed",
			zap.String("session", req.Token),
			zap.String("route", route),
			zap.Int("partial_entries", len(batch.Entries)),
			zap.String("kind", structfile.KindOf(err).String()),
			zap.Error(err))
	}
	return batch, err
}

func (d *Dispatcher) readBatch(ctx context.Context, s *session.Session, req ReadRequest) (Batch, error) {
	if err := s.CheckReadable(); err != nil {
		return Batch{}, err
	}
	if req.ContainerType != "" && !d.sameType(req.ContainerType, s.ContainerType()) {
		return Batch{}, structfile.Errorf(structfile.UnsupportedContainerType, "readdir",
			"session opened as %q, read as %q", s.ContainerType(), req.ContainerType)
	}
	if s.Exhausted() {
		return Batch{EndOfStream: true}, nil
	}

	if remote := s.Remote(); remote != nil {
		return d.readRemote(ctx, s, *remote, req)
	}
	return d.readLocal(ctx, s, req)
}

func (d *Dispatcher) sameType(a, b string) bool {
	da, err := d.drivers.DriverFor(a)
	if err != nil {
		return false
	}
	db, err := d.drivers.DriverFor(b)
	if err != nil {
		return false
	}
	return da.Name() == db.Name()
}

func (d *Dispatcher) batchSize(requested uint32) int {
	switch {
	case requested == 0:
		return d.cfg.DefaultBatchSize
	case int64(requested) > int64(d.cfg.MaxBatchSize):
		return d.cfg.MaxBatchSize
	}
	return int(requested)
}

func (d *Dispatcher) readLocal(ctx context.Context, s *session.Session, req ReadRequest) (Batch, error) {
	entries, eos, err := s.Cursor().NextBatchContext(ctx, d.batchSize(req.MaxEntries))
	if structfile.KindOf(err) == structfile.ContainerCorrupt {
		metrics.RecordContainerFault(s.ContainerType())
	}
	if terr := s.RecordBatch(len(entries), eos, err); terr != nil && err == nil {
		err = terr
	}
	return Batch{Entries: entries, EndOfStream: eos}, err
}

func (d *Dispatcher) readRemote(ctx context.Context, s *session.Session, h resolver.Remote, req ReadRequest) (Batch, error) {
	rctx, cancel := context.WithTimeout(ctx, d.cfg.RemoteTimeout)
	defer cancel()

	resp, err := h.Peer.ReadBatch(rctx, rpc.ReadBatchRequest{
		SessionToken:  s.Token(),
		ContainerType: req.ContainerType,
		MaxEntries:    req.MaxEntries,
	})

	entries, cerr := rpc.ToEntries(resp.Entries)
	if cerr != nil || rpc.IsBadResponse(err) {
		// The owner has moved past a batch this host cannot deliver;
		// resuming would silently skip it.
		if cerr == nil {
			cerr = err
		}
		d.closeSession(ctx, s, "undeliverable batch")
		return Batch{}, structfile.Wrap(structfile.RemoteOperationFailed, "readdir",
			structfile.Wrap(structfile.InvalidRequest, "readdir", cerr))
	}

	switch {
	case err == nil:
	case rpc.IsTimeout(err):
		d.closeSession(ctx, s, "timeout")
		return Batch{}, structfile.Wrap(structfile.ResourceUnreachable, "readdir", err)
	case structfile.KindOf(err) == structfile.SessionClosed:
		// The owner no longer holds the session; there is nothing to release.
		s.ClaimRelease()
		d.closeSession(ctx, s, "closed by owner")
		return Batch{}, structfile.Wrap(structfile.RemoteOperationFailed, "readdir", err)
	default:
		err = d.remoteError("readdir", h, err)
	}

	if terr := s.RecordBatch(len(entries), resp.EndOfStream, err); terr != nil && err == nil {
		err = terr
	}
	return Batch{Entries: entries, EndOfStream: resp.EndOfStream}, err
}

// Close closes the session. Remote sessions are released on their owner
// first; a failed release is logged, not returned. Closing a session that
// is already closed or was never opened fails with SessionClosed.
func (d *Dispatcher) Close(ctx context.Context, token string) error {
	start := time.Now()

	s, ok := d.sessions.Get(token)
	if !ok {
		err := structfile.Errorf(structfile.SessionClosed, "close", "no open session %q", token)
		metrics.RecordDispatch("close", "none", result(err), time.Since(start))
		return err
	}

	s.Lock()
	defer s.Unlock()
	if s.State() == session.Closed {
		err := structfile.Errorf(structfile.SessionClosed, "close", "session %q already closed", token)
		metrics.RecordDispatch("close", s.Route(), result(err), time.Since(start))
		return err
	}

	d.closeSession(ctx, s, "close")
	metrics.RecordDispatch("close", s.Route(), "success", time.Since(start))
	return nil
}

// closeSession releases the remote token at most once, closes the local
// cursor and removes the session. The caller holds the session lock.
func (d *Dispatcher) closeSession(ctx context.Context, s *session.Session, reason string) {
	log := logging.WithContext(ctx).With(
		zap.String("session", s.Token()),
		zap.String("route", s.Route()),
		zap.String("reason", reason))

	if remote := s.Remote(); remote != nil && s.ClaimRelease() {
		// The caller's context may already be done (timeouts, teardown).
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.RemoteTimeout)
		err := remote.Peer.Close(rctx, rpc.CloseRequest{SessionToken: s.Token()})
		cancel()
		if err != nil && !errors.Is(err, structfile.ErrSessionClosed) {
			metrics.RecordReleaseFailure()
			log.Warn("remote session release failed", zap.String("peer", remote.Addr), zap.Error(err))
		}
	}

	closed, err := s.MarkClosed()
	if err != nil {
		log.Warn("closing container cursor failed", zap.Error(err))
	}
	d.sessions.Remove(s.Token())
	if closed {
		metrics.SessionClosed(s.Route())
		log.Debug("session closed", zap.Uint64("entries", s.Entries()))
	}
}

func (d *Dispatcher) expire(s *session.Session) {
	s.Lock()
	defer s.Unlock()
	if s.State() == session.Closed {
		return
	}
	metrics.RecordSessionExpired()
	d.closeSession(context.Background(), s, "idle")
}

// Shutdown closes every open session, releasing remote tokens. It is the
// connection teardown path.
func (d *Dispatcher) Shutdown(ctx context.Context) {
	sessions := d.sessions.Drain()
	for _, s := range sessions {
		s.Lock()
		if s.State() != session.Closed {
			d.closeSession(ctx, s, "shutdown")
		}
		s.Unlock()
	}
	if len(sessions) > 0 {
		logging.Info("dispatcher closed open sessions", zap.Int("sessions", len(sessions)))
	}
}

func result(err error) string {
	if err == nil {
		return "success"
	}
	return structfile.KindOf(err).String()
}
