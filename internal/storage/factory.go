package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/fruitsalade/sfgrid/internal/storage/local"
	s3backend "github.com/fruitsalade/sfgrid/internal/storage/s3"
	"github.com/fruitsalade/sfgrid/internal/storage/smb"
)

type backendFactory func(ctx context.Context, config json.RawMessage) (Backend, error)

var backendFactories = map[string]backendFactory{
	"local": func(_ context.Context, raw json.RawMessage) (Backend, error) { return local.NewFromJSON(raw) },
	"smb":   func(_ context.Context, raw json.RawMessage) (Backend, error) { return smb.NewFromJSON(raw) },
	"s3": func(ctx context.Context, raw json.RawMessage) (Backend, error) {
		return s3backend.NewBackendFromJSON(ctx, raw)
	},
}

// BackendTypes lists the backend types a catalog resource may name.
func BackendTypes() []string {
	types := make([]string, 0, len(backendFactories))
	for t := range backendFactories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// NewBackendFromConfig instantiates the backend of a catalog resource.
func NewBackendFromConfig(ctx context.Context, backendType string, config json.RawMessage) (Backend, error) {
	factory, ok := backendFactories[strings.ToLower(backendType)]
	if !ok {
		return nil, fmt.Errorf("unknown backend type %q (known: %s)", backendType, strings.Join(BackendTypes(), ", "))
	}
	return factory(ctx, config)
}
