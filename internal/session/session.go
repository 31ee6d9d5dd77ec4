// Package session holds the server-side state of open structured files:
// the per-session state machine and the token table with idle expiry.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/fruitsalade/sfgrid/internal/resolver"
	"github.com/fruitsalade/sfgrid/internal/structfile"
	"github.com/fruitsalade/sfgrid/internal/structfile/driver"
)

// State is a session's position in its lifecycle.
type State int

const (
	Created State = iota
	LocallyBound
	RemotelyBound
	Reading
	Exhausted
	Closed
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case LocallyBound:
		return "locally-bound"
	case RemotelyBound:
		return "remotely-bound"
	case Reading:
		return "reading"
	case Exhausted:
		return "exhausted"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var transitions = map[State][]State{
	Created:       {LocallyBound, RemotelyBound, Closed},
	LocallyBound:  {Reading, Exhausted, Closed},
	RemotelyBound: {Reading, Exhausted, Closed},
	Reading:       {Reading, Exhausted, Closed},
	Exhausted:     {Closed},
}

// Session is one open structured file. A session is bound either to a
// local cursor or to a remote owner, never both, and the binding is fixed
// for its lifetime.
//
// Lock serializes operations on the session; callers hold it for the
// whole of a read or close.
type Session struct {
	sync.Mutex

	token    string
	ref      structfile.PhysicalRef
	tag      string
	openedAt time.Time

	state    State
	cursor   *driver.Cursor
	remote   *resolver.Remote
	lastErr  error
	released bool
	reads    uint64
	entries  uint64
}

// New returns a session in the Created state.
func New(token string, ref structfile.PhysicalRef, tag string) *Session {
	return &Session{token: token, ref: ref, tag: tag, openedAt: time.Now(), state: Created}
}

// Token is the client-facing session token.
func (s *Session) Token() string { return s.token }

// Ref is the physical reference the session was opened on.
func (s *Session) Ref() structfile.PhysicalRef { return s.ref }

// ContainerType is the type tag given at open.
func (s *Session) ContainerType() string { return s.tag }

// OpenedAt is the session creation time.
func (s *Session) OpenedAt() time.Time { return s.openedAt }

// State returns the current state.
func (s *Session) State() State { return s.state }

// Cursor returns the local decode cursor, or nil for remote sessions.
func (s *Session) Cursor() *driver.Cursor { return s.cursor }

// Remote returns the remote owner, or nil for local sessions.
func (s *Session) Remote() *resolver.Remote { return s.remote }

// IsRemote reports whether the session's cursor lives on another host.
func (s *Session) IsRemote() bool { return s.remote != nil }

// Route names the binding for logs and metrics.
func (s *Session) Route() string {
	if s.remote != nil {
		return "remote"
	}
	return "local"
}

// LastError is the error recorded by the most recent failed read.
func (s *Session) LastError() error { return s.lastErr }

// Entries is the number of entries returned to the caller so far.
func (s *Session) Entries() uint64 { return s.entries }

func (s *Session) transition(to State) error {
	for _, allowed := range transitions[s.state] {
		if allowed == to {
			s.state = to
			return nil
		}
	}
	if s.state == Closed {
		return structfile.Errorf(structfile.SessionClosed, "session", "session %s is closed", s.token)
	}
	return fmt.Errorf("session %s: invalid transition %s -> %s", s.token, s.state, to)
}

// BindLocal attaches a local cursor.
func (s *Session) BindLocal(c *driver.Cursor) error {
	if err := s.transition(LocallyBound); err != nil {
		return err
	}
	s.cursor = c
	return nil
}

// BindRemote attaches the remote owner of the container.
func (s *Session) BindRemote(r resolver.Remote) error {
	if err := s.transition(RemotelyBound); err != nil {
		return err
	}
	s.remote = &r
	return nil
}

// CheckReadable fails with SessionClosed once the session is closed.
func (s *Session) CheckReadable() error {
	if s.state == Closed {
		return structfile.Errorf(structfile.SessionClosed, "read", "session %s is closed", s.token)
	}
	if s.state == Created {
		return fmt.Errorf("session %s: read before bind", s.token)
	}
	return nil
}

// Exhausted reports whether reads are finished.
func (s *Session) Exhausted() bool { return s.state == Exhausted }

// RecordBatch advances the state after a read that returned n entries.
// An end-of-stream batch moves the session to Exhausted.
func (s *Session) RecordBatch(n int, eos bool, err error) error {
	s.reads++
	s.entries += uint64(n)
	if err != nil {
		s.lastErr = err
	}
	if eos {
		return s.transition(Exhausted)
	}
	return s.transition(Reading)
}

// ClaimRelease returns true exactly once for a remote session, the first
// time it is called. Callers issue the remote release only when it does.
func (s *Session) ClaimRelease() bool {
	if s.remote == nil || s.released {
		return false
	}
	s.released = true
	return true
}

// MarkClosed moves the session to Closed and closes any local cursor.
// It reports false when the session was already closed.
func (s *Session) MarkClosed() (bool, error) {
	if s.state == Closed {
		return false, nil
	}
	s.state = Closed
	if s.cursor != nil {
		return true, s.cursor.Close()
	}
	return true, nil
}
