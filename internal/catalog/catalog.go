// Package catalog records which storage resources exist in a zone, which
// resource server owns each one, and how that server reaches its bytes.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotFound is returned when no resource has the requested name.
var ErrNotFound = errors.New("resource not found")

// Resource is one storage resource registered in the zone.
type Resource struct {
	Name        string          `json:"name"`
	Host        string          `json:"host"` // owning server, host[:port]
	Zone        string          `json:"zone"`
	BackendType string          `json:"backend_type"`
	Config      json.RawMessage `json:"config,omitempty"`
}

// Validate checks the fields every catalog requires.
func (r Resource) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("resource name is required")
	}
	if r.Host == "" {
		return fmt.Errorf("resource %s: host is required", r.Name)
	}
	if r.Zone == "" {
		return fmt.Errorf("resource %s: zone is required", r.Name)
	}
	return nil
}

// Catalog looks up registered resources.
type Catalog interface {
	Lookup(ctx context.Context, name string) (*Resource, error)
	List(ctx context.Context) ([]Resource, error)
}

// Static is an in-memory catalog, usually loaded from a topology file.
type Static struct {
	mu        sync.RWMutex
	resources map[string]Resource
}

// NewStatic builds a Static catalog. Duplicate names are rejected.
func NewStatic(resources ...Resource) (*Static, error) {
	s := &Static{resources: make(map[string]Resource, len(resources))}
	for _, r := range resources {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if _, dup := s.resources[r.Name]; dup {
			return nil, fmt.Errorf("duplicate resource %s", r.Name)
		}
		s.resources[r.Name] = r
	}
	return s, nil
}

// Lookup returns the named resource or ErrNotFound.
func (s *Static) Lookup(_ context.Context, name string) (*Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.resources[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return &r, nil
}

// List returns all resources sorted by name.
func (s *Static) List(_ context.Context) ([]Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Resource, 0, len(s.resources))
	for _, r := range s.resources {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Put adds or replaces a resource.
func (s *Static) Put(r Resource) error {
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources[r.Name] = r
	return nil
}

// Remove deletes a resource by name.
func (s *Static) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.resources, name)
}
