package driver

import (
	"encoding/binary"
	"fmt"
	"strconv"
)

// Container formats recorded in locators.
const (
	FormatTar byte = 1
	FormatZip byte = 2
)

// Locator is the decoded form of an entry's opaque locator. For tar
// containers Offset is the position of the entry data in the
// uncompressed stream; for zip it is the local file header offset.
type Locator struct {
	Format  byte
	Ordinal uint64
	Offset  uint64
}

// Bytes encodes the locator as a format byte followed by two uvarints.
func (l Locator) Bytes() []byte {
	b := make([]byte, 0, 1+2*binary.MaxVarintLen64)
	b = append(b, l.Format)
	b = binary.AppendUvarint(b, l.Ordinal)
	b = binary.AppendUvarint(b, l.Offset)
	return b
}

// ParseLocator decodes a locator produced by Bytes.
func ParseLocator(b []byte) (Locator, error) {
	if len(b) < 3 {
		return Locator{}, fmt.Errorf("locator too short")
	}
	l := Locator{Format: b[0]}
	if l.Format != FormatTar && l.Format != FormatZip {
		return Locator{}, fmt.Errorf("locator: unknown format %d", l.Format)
	}

	rest := b[1:]
	ord, n := binary.Uvarint(rest)
	if n <= 0 {
		return Locator{}, fmt.Errorf("locator: bad ordinal")
	}
	rest = rest[n:]
	off, n := binary.Uvarint(rest)
	if n <= 0 {
		return Locator{}, fmt.Errorf("locator: bad offset")
	}
	if n != len(rest) {
		return Locator{}, fmt.Errorf("locator: %d trailing bytes", len(rest)-n)
	}

	l.Ordinal, l.Offset = ord, off
	return l, nil
}

func formatUint(v uint64) string { return strconv.FormatUint(v, 10) }
