package rpc

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/fruitsalade/sfgrid/internal/structfile"
)

// Routes served by every resource server.
const (
	PathOpen    = "/rpc/v1/structfile/open"
	PathReadDir = "/rpc/v1/structfile/readdir"
	PathClose   = "/rpc/v1/structfile/close"
	PathHealth  = "/health"
)

// Protocol bounds.
const (
	MaxContainerTypeLen = 64
	MaxBatchEntries     = 1 << 16
)

const (
	// maxEntryWireSize bounds one encoded entry: the longest name and
	// locator plus kind, size and map framing.
	maxEntryWireSize = structfile.MaxNameLen + structfile.MaxLocatorLen + 64
	// bodyReserve leaves room for the failure fields around the entries.
	bodyReserve = 64 << 10
)

// MaxBodyEntries is the largest batch whose response is guaranteed to
// fit in MaxBodySize. Servers must not cap batches above it.
const MaxBodyEntries = (MaxBodySize - bodyReserve) / maxEntryWireSize

var errBodyTooLarge = errors.New("message body exceeds limit")

// OpenRequest opens a structured file. Forwarded is set by a resource
// server forwarding the open to the container's owner; a forwarded open
// is never forwarded again. A forwarder may propose SessionToken so that
// it can still release the owner's session when the answer is lost.
type OpenRequest struct {
	Ref           structfile.PhysicalRef `cbor:"ref"`
	ContainerType string                 `cbor:"container_type"`
	Forwarded     bool                   `cbor:"forwarded,omitempty"`
	SessionToken  string                 `cbor:"session_token,omitempty"`
}

// Validate checks the request against protocol bounds.
func (r OpenRequest) Validate() error {
	if err := r.Ref.Validate(); err != nil {
		return structfile.Errorf(structfile.InvalidRequest, "open", "%v", err)
	}
	if r.ContainerType == "" {
		return structfile.Errorf(structfile.InvalidRequest, "open", "container_type is required")
	}
	if len(r.ContainerType) > MaxContainerTypeLen {
		return structfile.Errorf(structfile.InvalidRequest, "open", "container_type exceeds %d bytes", MaxContainerTypeLen)
	}
	if r.SessionToken != "" {
		if !r.Forwarded {
			return structfile.Errorf(structfile.InvalidRequest, "open", "only forwarded opens may propose a session token")
		}
		if err := ValidateToken(r.SessionToken); err != nil {
			return err
		}
	}
	return nil
}

// OpenResponse carries the token of the new session. The token is valid
// on the host that owns the container.
type OpenResponse struct {
	SessionToken string `cbor:"session_token"`
}

// ReadBatchRequest asks for the next batch of directory entries.
// MaxEntries of zero selects the server's default batch size.
type ReadBatchRequest struct {
	SessionToken  string `cbor:"session_token"`
	ContainerType string `cbor:"container_type"`
	MaxEntries    uint32 `cbor:"max_entries"`
}

// Validate checks the request against protocol bounds.
func (r ReadBatchRequest) Validate() error {
	if err := ValidateToken(r.SessionToken); err != nil {
		return err
	}
	if len(r.ContainerType) > MaxContainerTypeLen {
		return structfile.Errorf(structfile.InvalidRequest, "readdir", "container_type exceeds %d bytes", MaxContainerTypeLen)
	}
	if r.MaxEntries > MaxBatchEntries {
		return structfile.Errorf(structfile.InvalidRequest, "readdir", "max_entries %d exceeds %d", r.MaxEntries, MaxBatchEntries)
	}
	return nil
}

// ReadBatchResponse is a successful batch.
type ReadBatchResponse struct {
	Entries     []Entry `cbor:"entries"`
	EndOfStream bool    `cbor:"end_of_stream"`
}

// CloseRequest releases a session.
type CloseRequest struct {
	SessionToken string `cbor:"session_token"`
}

// Validate checks the request against protocol bounds.
func (r CloseRequest) Validate() error {
	return ValidateToken(r.SessionToken)
}

// Failure is the body of every non-2xx response. CauseKind carries the
// original kind of an error relayed from a peer. EndOfStream is set when
// the failure also ended the session's stream.
type Failure struct {
	ErrorKind      string  `cbor:"error_kind"`
	Message        string  `cbor:"message"`
	CauseKind      string  `cbor:"cause_kind,omitempty"`
	PartialEntries []Entry `cbor:"partial_entries"`
	EndOfStream    bool    `cbor:"end_of_stream,omitempty"`
}

// Entry is the wire form of a directory entry.
type Entry struct {
	Name    string `cbor:"name" json:"name"`
	Kind    string `cbor:"kind" json:"kind"`
	Size    uint64 `cbor:"size" json:"size"`
	Locator []byte `cbor:"locator" json:"locator"`
}

// ValidateToken checks that token is a well-formed session token.
func ValidateToken(token string) error {
	if token == "" {
		return structfile.Errorf(structfile.InvalidRequest, "token", "session_token is required")
	}
	if _, err := uuid.Parse(token); err != nil || len(token) != 36 {
		return structfile.Errorf(structfile.InvalidRequest, "token", "malformed session_token")
	}
	return nil
}

// NewToken returns a fresh session token.
func NewToken() string {
	return uuid.NewString()
}

// FromEntries converts entries to their wire form.
func FromEntries(entries []structfile.Entry) []Entry {
	out := make([]Entry, len(entries))
	for i, e := range entries {
		out[i] = Entry{Name: e.Name(), Kind: e.Kind().String(), Size: e.Size(), Locator: e.Locator()}
	}
	return out
}

// ToEntries validates and converts wire entries.
func ToEntries(wire []Entry) ([]structfile.Entry, error) {
	out := make([]structfile.Entry, 0, len(wire))
	for i, w := range wire {
		kind, err := structfile.ParseEntryKind(w.Kind)
		if err != nil {
			return out, fmt.Errorf("entry %d: %w", i, err)
		}
		e, err := structfile.NewEntry(w.Name, kind, w.Size, w.Locator)
		if err != nil {
			return out, fmt.Errorf("entry %d: %w", i, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// NewFailure builds the failure body for err.
func NewFailure(err error, partial []structfile.Entry, eos bool) Failure {
	f := Failure{
		ErrorKind:      structfile.KindOf(err).String(),
		Message:        structfile.Message(err),
		PartialEntries: FromEntries(partial),
		EndOfStream:    eos,
	}
	if cause := structfile.CauseKind(err); cause != structfile.KindUnknown {
		f.CauseKind = cause.String()
	}
	return f
}

// Err converts a failure body back into a *structfile.Error. A relayed
// cause kind becomes the wrapped error so errors.Is still matches it.
func (f Failure) Err(op string) *structfile.Error {
	e := &structfile.Error{Kind: structfile.ParseErrorKind(f.ErrorKind), Op: op, Msg: f.Message}
	if cause := structfile.ParseErrorKind(f.CauseKind); cause != structfile.KindUnknown {
		e.Err = &structfile.Error{Kind: cause}
	}
	return e
}
