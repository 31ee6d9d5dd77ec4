package driver

import (
	"archive/tar"
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/fruitsalade/sfgrid/internal/storage/blob"
	"github.com/fruitsalade/sfgrid/internal/structfile"
)

// Compression selects the stream wrapper around a tar container.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionZstd
	CompressionLZ4
)

const (
	readBufferSize = 64 << 10
	zstdMaxMemory  = 256 << 20
)

type tarDriver struct {
	comp Compression
}

// NewTar returns the tar driver for the given compression.
func NewTar(comp Compression) Driver {
	return tarDriver{comp: comp}
}

func (d tarDriver) Name() string {
	switch d.comp {
	case CompressionGzip:
		return "tar.gz"
	case CompressionZstd:
		return "tar.zst"
	case CompressionLZ4:
		return "tar.lz4"
	default:
		return "tar"
	}
}

func (d tarDriver) Open(src blob.Source) (Decoder, error) {
	var r io.Reader = bufio.NewReaderSize(io.NewSectionReader(src, 0, src.Size()), readBufferSize)
	closeFn := func() error { return nil }

	switch d.comp {
	case CompressionGzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("gzip header: %w", err)
		}
		r, closeFn = zr, zr.Close
	case CompressionZstd:
		zr, err := zstd.NewReader(r,
			zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderMaxMemory(zstdMaxMemory))
		if err != nil {
			return nil, fmt.Errorf("zstd stream: %w", err)
		}
		r, closeFn = zr, func() error { zr.Close(); return nil }
	case CompressionLZ4:
		r = lz4.NewReader(r)
	}

	cr := &countingReader{r: r}
	return &tarDecoder{tr: tar.NewReader(cr), counter: cr, closeFn: closeFn}, nil
}

// countingReader tracks how many bytes of the uncompressed tar stream
// have been consumed.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

type tarDecoder struct {
	tr      *tar.Reader
	counter *countingReader
	closeFn func() error
	ordinal uint64
}

func (d *tarDecoder) Next() (structfile.Entry, error) {
	for {
		hdr, err := d.tr.Next()
		if errors.Is(err, io.EOF) {
			return structfile.Entry{}, io.EOF
		}
		if err != nil && !errors.Is(err, tar.ErrInsecurePath) {
			return structfile.Entry{}, fmt.Errorf("tar header: %w", err)
		}
		ordinal := d.ordinal
		d.ordinal++

		kind, size := tarKind(hdr)
		if kind == 0 {
			continue
		}
		name, skip, nerr := entryName(hdr.Name, kind == structfile.KindDir)
		if nerr != nil {
			return structfile.Entry{}, fmt.Errorf("tar member %d: %w", ordinal, nerr)
		}
		if skip {
			continue
		}

		loc := Locator{Format: FormatTar, Ordinal: ordinal, Offset: uint64(d.counter.n)}
		return structfile.NewEntry(name, kind, size, loc.Bytes())
	}
}

// tarKind maps a header to an entry kind. Zero means the header carries
// no member of its own.
func tarKind(hdr *tar.Header) (structfile.EntryKind, uint64) {
	switch hdr.Typeflag {
	case tar.TypeXGlobalHeader, tar.TypeXHeader, tar.TypeGNULongName, tar.TypeGNULongLink:
		return 0, 0
	case tar.TypeDir:
		return structfile.KindDir, 0
	case tar.TypeSymlink, tar.TypeLink:
		return structfile.KindLink, 0
	}
	if hdr.Size < 0 {
		return structfile.KindFile, 0
	}
	return structfile.KindFile, uint64(hdr.Size)
}

func (d *tarDecoder) Close() error {
	return d.closeFn()
}
