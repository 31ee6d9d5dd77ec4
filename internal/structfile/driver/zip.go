package driver

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fruitsalade/sfgrid/internal/storage/blob"
	"github.com/fruitsalade/sfgrid/internal/structfile"
)

const (
	zipEOCDSig         = 0x06054b50
	zip64LocatorSig    = 0x07064b50
	zip64EOCDSig       = 0x06064b50
	zipCentralSig      = 0x02014b50
	zipEOCDLen         = 22
	zip64LocatorLen    = 20
	zip64EOCDLen       = 56
	zipCentralLen      = 46
	zipMaxCommentLen   = 0xFFFF
	zip64ExtraID       = 0x0001
	zipCreatorUnix     = 3
	unixModeTypeMask   = 0xF000
	unixModeTypeSymlnk = 0xA000
)

type zipDriver struct{}

// NewZip returns the zip driver. It walks the central directory one
// record at a time instead of loading it whole.
func NewZip() Driver { return zipDriver{} }

func (zipDriver) Name() string { return "zip" }

func (zipDriver) Open(src blob.Source) (Decoder, error) {
	dir, err := findCentralDirectory(src)
	if err != nil {
		return nil, err
	}
	r := io.NewSectionReader(src, int64(dir.offset), int64(dir.size))
	return &zipDecoder{
		r:     bufio.NewReaderSize(r, readBufferSize),
		total: dir.entries,
	}, nil
}

type centralDirectory struct {
	entries uint64
	size    uint64
	offset  uint64
}

func findCentralDirectory(src blob.Source) (centralDirectory, error) {
	size := src.Size()
	if size < zipEOCDLen {
		return centralDirectory{}, fmt.Errorf("zip: %d bytes is too short for an archive", size)
	}

	tailLen := min(size, zipEOCDLen+zipMaxCommentLen)
	tail := make([]byte, tailLen)
	if _, err := src.ReadAt(tail, size-tailLen); err != nil && !errors.Is(err, io.EOF) {
		return centralDirectory{}, fmt.Errorf("zip: read end of central directory: %w", err)
	}

	pos := -1
	for i := len(tail) - zipEOCDLen; i >= 0; i-- {
		if binary.LittleEndian.Uint32(tail[i:]) == zipEOCDSig {
			pos = i
			break
		}
	}
	if pos < 0 {
		return centralDirectory{}, fmt.Errorf("zip: end of central directory not found")
	}
	eocd := tail[pos:]
	eocdOffset := uint64(size-tailLen) + uint64(pos)

	dir := centralDirectory{
		entries: uint64(binary.LittleEndian.Uint16(eocd[10:])),
		size:    uint64(binary.LittleEndian.Uint32(eocd[12:])),
		offset:  uint64(binary.LittleEndian.Uint32(eocd[16:])),
	}
	limit := eocdOffset

	if dir.entries == 0xFFFF || dir.size == 0xFFFFFFFF || dir.offset == 0xFFFFFFFF {
		z64, at, err := readZip64Directory(src, eocdOffset)
		if err != nil {
			return centralDirectory{}, err
		}
		dir, limit = z64, at
	}

	if dir.offset > limit || dir.size > limit-dir.offset {
		return centralDirectory{}, fmt.Errorf("zip: central directory [%d,+%d) overruns archive", dir.offset, dir.size)
	}
	if dir.entries > dir.size/zipCentralLen {
		return centralDirectory{}, fmt.Errorf("zip: %d entries cannot fit in %d directory bytes", dir.entries, dir.size)
	}
	return dir, nil
}

// readZip64Directory follows the zip64 locator that precedes the classic
// end record at eocdOffset. It also returns the zip64 record's offset,
// which bounds the central directory.
func readZip64Directory(src blob.Source, eocdOffset uint64) (centralDirectory, uint64, error) {
	if eocdOffset < zip64LocatorLen {
		return centralDirectory{}, 0, fmt.Errorf("zip64: locator missing")
	}
	loc := make([]byte, zip64LocatorLen)
	if _, err := src.ReadAt(loc, int64(eocdOffset-zip64LocatorLen)); err != nil {
		return centralDirectory{}, 0, fmt.Errorf("zip64: read locator: %w", err)
	}
	if binary.LittleEndian.Uint32(loc) != zip64LocatorSig {
		return centralDirectory{}, 0, fmt.Errorf("zip64: bad locator signature")
	}

	at := binary.LittleEndian.Uint64(loc[8:])
	if at > eocdOffset-zip64LocatorLen || eocdOffset-zip64LocatorLen-at < zip64EOCDLen {
		return centralDirectory{}, 0, fmt.Errorf("zip64: end record offset %d out of range", at)
	}
	rec := make([]byte, zip64EOCDLen)
	if _, err := src.ReadAt(rec, int64(at)); err != nil {
		return centralDirectory{}, 0, fmt.Errorf("zip64: read end record: %w", err)
	}
	if binary.LittleEndian.Uint32(rec) != zip64EOCDSig {
		return centralDirectory{}, 0, fmt.Errorf("zip64: bad end record signature")
	}

	return centralDirectory{
		entries: binary.LittleEndian.Uint64(rec[32:]),
		size:    binary.LittleEndian.Uint64(rec[40:]),
		offset:  binary.LittleEndian.Uint64(rec[48:]),
	}, at, nil
}

type zipDecoder struct {
	r       *bufio.Reader
	total   uint64
	ordinal uint64
	hdr     [zipCentralLen]byte
}

func (d *zipDecoder) Next() (structfile.Entry, error) {
	for d.ordinal < d.total {
		ordinal := d.ordinal
		entry, skip, err := d.readRecord()
		if err != nil {
			return structfile.Entry{}, fmt.Errorf("zip member %d: %w", ordinal, err)
		}
		d.ordinal++
		if !skip {
			return entry, nil
		}
	}
	return structfile.Entry{}, io.EOF
}

func (d *zipDecoder) readRecord() (structfile.Entry, bool, error) {
	if _, err := io.ReadFull(d.r, d.hdr[:]); err != nil {
		return structfile.Entry{}, false, fmt.Errorf("read central header: %w", noEOF(err))
	}
	h := d.hdr[:]
	if binary.LittleEndian.Uint32(h) != zipCentralSig {
		return structfile.Entry{}, false, fmt.Errorf("bad central header signature")
	}

	creator := binary.LittleEndian.Uint16(h[4:]) >> 8
	compSize := uint64(binary.LittleEndian.Uint32(h[20:]))
	size := uint64(binary.LittleEndian.Uint32(h[24:]))
	nameLen := int(binary.LittleEndian.Uint16(h[28:]))
	extraLen := int(binary.LittleEndian.Uint16(h[30:]))
	commentLen := int(binary.LittleEndian.Uint16(h[32:]))
	extAttr := binary.LittleEndian.Uint32(h[38:])
	offset := uint64(binary.LittleEndian.Uint32(h[42:]))

	if nameLen > structfile.MaxNameLen {
		return structfile.Entry{}, false, fmt.Errorf("name length %d exceeds %d", nameLen, structfile.MaxNameLen)
	}
	buf := make([]byte, nameLen+extraLen)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return structfile.Entry{}, false, fmt.Errorf("read name: %w", noEOF(err))
	}
	if _, err := d.r.Discard(commentLen); err != nil {
		return structfile.Entry{}, false, fmt.Errorf("skip comment: %w", noEOF(err))
	}
	rawName := string(buf[:nameLen])

	if size == 0xFFFFFFFF || compSize == 0xFFFFFFFF || offset == 0xFFFFFFFF {
		var err error
		size, offset, err = zip64Fields(buf[nameLen:], size, compSize, offset)
		if err != nil {
			return structfile.Entry{}, false, err
		}
	}

	kind := structfile.KindFile
	switch {
	case len(rawName) > 0 && rawName[len(rawName)-1] == '/':
		kind = structfile.KindDir
		size = 0
	case creator == zipCreatorUnix && (extAttr>>16)&unixModeTypeMask == unixModeTypeSymlnk:
		kind = structfile.KindLink
		size = 0
	}

	name, skip, err := entryName(rawName, kind == structfile.KindDir)
	if err != nil || skip {
		return structfile.Entry{}, skip, err
	}
	loc := Locator{Format: FormatZip, Ordinal: d.ordinal, Offset: offset}
	entry, err := structfile.NewEntry(name, kind, size, loc.Bytes())
	return entry, false, err
}

// zip64Fields reads the sizes and offset that overflowed 32 bits from the
// zip64 extended information extra field. Only the overflowed values are
// present, in this order: uncompressed size, compressed size, offset.
func zip64Fields(extra []byte, size, compSize, offset uint64) (uint64, uint64, error) {
	for len(extra) >= 4 {
		id := binary.LittleEndian.Uint16(extra)
		n := int(binary.LittleEndian.Uint16(extra[2:]))
		extra = extra[4:]
		if n > len(extra) {
			return 0, 0, fmt.Errorf("extra field %#x overruns header", id)
		}
		field := extra[:n]
		extra = extra[n:]
		if id != zip64ExtraID {
			continue
		}

		next := func(v uint64) (uint64, error) {
			if v != 0xFFFFFFFF {
				return v, nil
			}
			if len(field) < 8 {
				return 0, fmt.Errorf("zip64 extra field truncated")
			}
			v = binary.LittleEndian.Uint64(field)
			field = field[8:]
			return v, nil
		}
		var err error
		if size, err = next(size); err != nil {
			return 0, 0, err
		}
		if _, err = next(compSize); err != nil {
			return 0, 0, err
		}
		if offset, err = next(offset); err != nil {
			return 0, 0, err
		}
		return size, offset, nil
	}
	return 0, 0, fmt.Errorf("zip64 values without zip64 extra field")
}

func noEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

func (d *zipDecoder) Close() error { return nil }
