// Package blob holds the random-access object view shared by storage
// backends. It has no dependencies so that backend packages and the
// storage router can both name it.
package blob

import (
	"context"
	"errors"
	"io"
)

// ErrNotObject is returned when a key names something other than a
// readable object, such as a directory.
var ErrNotObject = errors.New("not a regular object")

// Source is a random-access view of one stored object.
type Source interface {
	io.ReaderAt
	io.Closer
	// Size returns the object length in bytes.
	Size() int64
}

// ContextBinder is implemented by sources whose reads go over the
// network. BindContext makes ctx govern reads until release is called.
type ContextBinder interface {
	BindContext(ctx context.Context) (release func())
}

// Bind binds ctx to src when src supports it. The returned release func
// is never nil.
func Bind(ctx context.Context, src any) (release func()) {
	if b, ok := src.(ContextBinder); ok {
		return b.BindContext(ctx)
	}
	return func() {}
}

// Bytes adapts an in-memory buffer to Source.
type Bytes []byte

func (b Bytes) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, io.ErrUnexpectedEOF
	}
	if off >= int64(len(b)) {
		return 0, io.EOF
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (b Bytes) Size() int64 { return int64(len(b)) }

func (b Bytes) Close() error { return nil }
