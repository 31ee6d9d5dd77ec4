// Package driver maps structured-file type tags to container decoders and
// turns a decoder into a resumable, batch-oriented cursor.
package driver

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/fruitsalade/sfgrid/internal/storage/blob"
	"github.com/fruitsalade/sfgrid/internal/structfile"
)

// Decoder yields the entries of one open container in container order.
// Next returns io.EOF after the last entry. Any other error means the
// container could not be decoded past the entries already returned.
type Decoder interface {
	Next() (structfile.Entry, error)
	Close() error
}

// Driver decodes one container format.
type Driver interface {
	// Name is the canonical type tag.
	Name() string
	// Open prepares a decoder over src. The decoder reads src lazily and
	// never closes it.
	Open(src blob.Source) (Decoder, error)
}

// Registry maps type tags to drivers. It is safe for concurrent use and
// read-mostly after startup.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]Driver)}
}

// DefaultRegistry returns a registry holding every built-in driver.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.mustRegister(NewTar(CompressionNone))
	r.mustRegister(NewTar(CompressionGzip), "tgz")
	r.mustRegister(NewTar(CompressionZstd), "tzst")
	r.mustRegister(NewTar(CompressionLZ4))
	r.mustRegister(NewZip())
	return r
}

func (r *Registry) mustRegister(d Driver, aliases ...string) {
	if err := r.Register(d, aliases...); err != nil {
		panic(err)
	}
}

func normalizeTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}

// Register adds d under its name and any aliases. Tags are case-insensitive
// and may be registered once.
func (r *Registry) Register(d Driver, aliases ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tags := append([]string{d.Name()}, aliases...)
	for _, tag := range tags {
		tag = normalizeTag(tag)
		if tag == "" {
			return fmt.Errorf("driver %q: empty type tag", d.Name())
		}
		if _, exists := r.drivers[tag]; exists {
			return fmt.Errorf("type tag %q already registered", tag)
		}
	}
	for _, tag := range tags {
		r.drivers[normalizeTag(tag)] = d
	}
	return nil
}

// DriverFor returns the driver registered for tag.
func (r *Registry) DriverFor(tag string) (Driver, error) {
	r.mu.RLock()
	d, ok := r.drivers[normalizeTag(tag)]
	r.mu.RUnlock()
	if !ok {
		return nil, structfile.Errorf(structfile.UnsupportedContainerType, "driver_for",
			"no driver registered for container type %q", tag)
	}
	return d, nil
}

// Supports reports whether a driver is registered for tag.
func (r *Registry) Supports(tag string) bool {
	_, err := r.DriverFor(tag)
	return err == nil
}

// Tags lists every registered tag, aliases included, sorted.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tags := make([]string, 0, len(r.drivers))
	for tag := range r.drivers {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Open looks up the driver for tag and opens a cursor over src. The cursor
// owns src once Open succeeds; on failure the caller still owns it.
func (r *Registry) Open(tag string, src blob.Source) (*Cursor, error) {
	d, err := r.DriverFor(tag)
	if err != nil {
		return nil, err
	}
	dec, err := d.Open(src)
	if err != nil {
		return nil, structfile.Wrap(structfile.ContainerCorrupt, "open", err)
	}
	return newCursor(d.Name(), dec, src), nil
}
