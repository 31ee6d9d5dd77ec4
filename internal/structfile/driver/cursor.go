package driver

import (
	"context"
	"errors"
	"io"

	"github.com/fruitsalade/sfgrid/internal/storage/blob"
	"github.com/fruitsalade/sfgrid/internal/structfile"
)

// Cursor is the resumable decode position of one open container. It is
// not safe for concurrent use; callers serialize reads.
type Cursor struct {
	tag     string
	dec     Decoder
	src     blob.Source
	decoded uint64
	eos     bool
	err     error
	closed  bool
}

func newCursor(tag string, dec Decoder, src blob.Source) *Cursor {
	return &Cursor{tag: tag, dec: dec, src: src}
}

// Tag is the canonical type tag of the driver behind the cursor.
func (c *Cursor) Tag() string { return c.tag }

// Decoded is the number of entries returned so far.
func (c *Cursor) Decoded() uint64 { return c.decoded }

// EndOfStream reports whether the cursor has been exhausted.
func (c *Cursor) EndOfStream() bool { return c.eos }

// Err returns the decode fault that ended the stream, if any.
func (c *Cursor) Err() error { return c.err }

// NextBatch decodes up to max further entries. When the container ends
// the returned flag is true; every later call returns an empty batch,
// true and a nil error. A decode fault ends the stream as well: the
// entries decoded before it are returned together with a ContainerCorrupt
// error.
func (c *Cursor) NextBatch(max int) ([]structfile.Entry, bool, error) {
	return c.next(context.Background(), max)
}

// NextBatchContext is NextBatch with reads of a network-backed source
// bound to ctx. A read cut short by ctx ends the stream with a
// ResourceUnreachable error, since the decoder cannot resume mid-entry.
func (c *Cursor) NextBatchContext(ctx context.Context, max int) ([]structfile.Entry, bool, error) {
	if c.src != nil {
		release := blob.Bind(ctx, c.src)
		defer release()
	}
	return c.next(ctx, max)
}

func (c *Cursor) next(ctx context.Context, max int) ([]structfile.Entry, bool, error) {
	if c.closed {
		return nil, true, structfile.Errorf(structfile.SessionClosed, "next_batch", "cursor closed")
	}
	if max <= 0 {
		return nil, c.eos, structfile.Errorf(structfile.InvalidRequest, "next_batch",
			"batch size must be positive, got %d", max)
	}
	if c.eos {
		return nil, true, nil
	}

	batch := make([]structfile.Entry, 0, min(max, 64))
	for len(batch) < max {
		entry, err := c.dec.Next()
		if errors.Is(err, io.EOF) {
			c.eos = true
			return batch, true, nil
		}
		if err != nil {
			c.eos = true
			c.err = corrupt(err, c.decoded)
			if ctx.Err() != nil && isContextErr(err) {
				c.err = structfile.Wrap(structfile.ResourceUnreachable, "next_batch", err)
			}
			return batch, true, c.err
		}
		batch = append(batch, entry)
		c.decoded++
	}
	return batch, false, nil
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func corrupt(err error, index uint64) error {
	if structfile.KindOf(err) == structfile.ContainerCorrupt {
		return err
	}
	return &structfile.Error{
		Kind: structfile.ContainerCorrupt,
		Op:   "next_batch",
		Msg:  "decode failed at entry " + formatUint(index),
		Err:  err,
	}
}

// Close releases the decoder and the byte source. It is idempotent.
func (c *Cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.eos = true

	err := c.dec.Close()
	if c.src != nil {
		if cerr := c.src.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
