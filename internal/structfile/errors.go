package structfile

import (
	"errors"
	"fmt"
)

// ErrorKind classifies structured-file failures. The names are part of
// the wire protocol.
type ErrorKind uint8

const (
	KindUnknown ErrorKind = iota
	ResourceUnknown
	ResourceUnreachable
	UnsupportedContainerType
	ContainerCorrupt
	SessionClosed
	RemoteOperationFailed
	// InvalidRequest rejects malformed input at the protocol boundary.
	InvalidRequest
)

var kindNames = map[ErrorKind]string{
	KindUnknown:              "Unknown",
	ResourceUnknown:          "ResourceUnknown",
	ResourceUnreachable:      "ResourceUnreachable",
	UnsupportedContainerType: "UnsupportedContainerType",
	ContainerCorrupt:         "ContainerCorrupt",
	SessionClosed:            "SessionClosed",
	RemoteOperationFailed:    "RemoteOperationFailed",
	InvalidRequest:           "InvalidRequest",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("ErrorKind(%d)", uint8(k))
}

// ParseErrorKind maps a wire name back to its kind. Unrecognized names
// yield KindUnknown.
func ParseErrorKind(s string) ErrorKind {
	for k, name := range kindNames {
		if name == s {
			return k
		}
	}
	return KindUnknown
}

// Error is the typed error returned by every structured-file operation.
type Error struct {
	Kind ErrorKind
	Op   string
	Msg  string
	Err  error
}

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrResourceUnknown          = &Error{Kind: ResourceUnknown}
	ErrResourceUnreachable      = &Error{Kind: ResourceUnreachable}
	ErrUnsupportedContainerType = &Error{Kind: UnsupportedContainerType}
	ErrContainerCorrupt         = &Error{Kind: ContainerCorrupt}
	ErrSessionClosed            = &Error{Kind: SessionClosed}
	ErrRemoteOperationFailed    = &Error{Kind: RemoteOperationFailed}
	ErrInvalidRequest           = &Error{Kind: InvalidRequest}
)

// Errorf builds an *Error of the given kind.
func Errorf(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind around cause.
func Wrap(kind ErrorKind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a bare sentinel of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Op != "" || t.Msg != "" || t.Err != nil {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the outermost structured-file kind in err's chain.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// CauseKind returns the kind of the first *Error wrapped by err's
// outermost *Error, or KindUnknown.
func CauseKind(err error) ErrorKind {
	var e *Error
	if !errors.As(err, &e) || e.Err == nil {
		return KindUnknown
	}
	return KindOf(e.Err)
}

// Message returns the human-readable part of err without kind prefixes
// when err is an *Error, or err.Error() otherwise.
func Message(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return err.Error()
	}
	switch {
	case e.Msg != "" && e.Err != nil:
		return e.Msg + ": " + e.Err.Error()
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	}
	return e.Kind.String()
}
