// Package structfile defines the value types shared by every layer of the
// structured-file directory service: directory entries, physical
// resource references and the error taxonomy.
//
// A structured file is a container object (tar, zip and similar) whose
// members can be listed as a virtual directory without extracting the
// container.
package structfile

import (
	"fmt"
	"path"
	"strings"
	"unicode/utf8"
)

// EntryKind is the type of a directory entry.
type EntryKind uint8

const (
	KindFile EntryKind = iota + 1
	KindDir
	KindLink
)

func (k EntryKind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "dir"
	case KindLink:
		return "link"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseEntryKind parses "file", "dir" or "link".
func ParseEntryKind(s string) (EntryKind, error) {
	switch s {
	case "file":
		return KindFile, nil
	case "dir":
		return KindDir, nil
	case "link":
		return KindLink, nil
	}
	return 0, fmt.Errorf("unknown entry kind %q", s)
}

// MaxNameLen bounds entry names accepted from containers and the wire.
const MaxNameLen = 4096

// MaxLocatorLen bounds the opaque locator of an entry.
const MaxLocatorLen = 64

// Entry describes one member of a structured file. Entries are values;
// the locator is copied in and out so callers cannot mutate it.
type Entry struct {
	name    string
	kind    EntryKind
	size    uint64
	locator []byte
}

// NewEntry validates name and kind and returns an Entry.
func NewEntry(name string, kind EntryKind, size uint64, locator []byte) (Entry, error) {
	if err := ValidateName(name); err != nil {
		return Entry{}, err
	}
	switch kind {
	case KindFile, KindDir, KindLink:
	default:
		return Entry{}, fmt.Errorf("entry %q: invalid kind %d", name, kind)
	}
	if len(locator) > MaxLocatorLen {
		return Entry{}, fmt.Errorf("entry %q: locator of %d bytes exceeds %d", name, len(locator), MaxLocatorLen)
	}
	return Entry{
		name:    name,
		kind:    kind,
		size:    size,
		locator: append([]byte(nil), locator...),
	}, nil
}

// Name is the container-relative name.
func (e Entry) Name() string { return e.name }

// Kind is file, dir or link.
func (e Entry) Kind() EntryKind { return e.kind }

// Size is the logical (uncompressed) size in bytes.
func (e Entry) Size() uint64 { return e.size }

// Locator returns a copy of the driver-specific locator.
func (e Entry) Locator() []byte { return append([]byte(nil), e.locator...) }

// IsZero reports whether e is the zero Entry.
func (e Entry) IsZero() bool { return e.name == "" }

func (e Entry) String() string {
	return fmt.Sprintf("%s %s %d", e.kind, e.name, e.size)
}

// ValidateName rejects names that are empty, oversized, not UTF-8,
// absolute, contain NUL bytes or climb out of the container root. Names
// that are not UTF-8 cannot be carried in a CBOR text string.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("empty entry name")
	}
	if len(name) > MaxNameLen {
		return fmt.Errorf("entry name exceeds %d bytes", MaxNameLen)
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("entry name %q is not valid UTF-8", name)
	}
	if strings.IndexByte(name, 0) >= 0 {
		return fmt.Errorf("entry name %q contains NUL", name)
	}
	if strings.HasPrefix(name, "/") {
		return fmt.Errorf("entry name %q is absolute", name)
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == ".." {
			return fmt.Errorf("entry name %q escapes the container root", name)
		}
	}
	if path.Clean(name) == "." {
		return fmt.Errorf("entry name %q names the container root", name)
	}
	return nil
}
