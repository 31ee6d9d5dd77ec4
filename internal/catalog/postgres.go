package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// ResourceStore is a Catalog backed by the zone's postgres database.
type ResourceStore struct {
	db *sql.DB
}

// OpenResourceStore connects to postgres and verifies the connection.
func OpenResourceStore(ctx context.Context, databaseURL string) (*ResourceStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &ResourceStore{db: db}, nil
}

// NewResourceStore wraps an existing connection pool.
func NewResourceStore(db *sql.DB) *ResourceStore {
	return &ResourceStore{db: db}
}

// DB returns the underlying connection pool.
func (s *ResourceStore) DB() *sql.DB { return s.db }

// Close closes the connection pool.
func (s *ResourceStore) Close() error { return s.db.Close() }

// EnsureSchema creates the resources table if it does not exist.
func (s *ResourceStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS storage_resources (
			name         TEXT PRIMARY KEY,
			host         TEXT NOT NULL,
			zone         TEXT NOT NULL,
			backend_type TEXT NOT NULL DEFAULT 'local',
			config       JSONB NOT NULL DEFAULT '{}',
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("create storage_resources: %w", err)
	}
	return nil
}

// List returns all resources ordered by name.
func (s *ResourceStore) List(ctx context.Context) ([]Resource, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, host, zone, backend_type, config
		 FROM storage_resources ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list storage resources: %w", err)
	}
	defer rows.Close()

	var out []Resource
	for rows.Next() {
		var r Resource
		var cfg []byte
		if err := rows.Scan(&r.Name, &r.Host, &r.Zone, &r.BackendType, &cfg); err != nil {
			return nil, fmt.Errorf("scan storage resource: %w", err)
		}
		r.Config = cfg
		out = append(out, r)
	}
	return out, rows.Err()
}

// Lookup returns a resource by name or ErrNotFound.
func (s *ResourceStore) Lookup(ctx context.Context, name string) (*Resource, error) {
	var r Resource
	var cfg []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT name, host, zone, backend_type, config
		 FROM storage_resources WHERE name = $1`, name).
		Scan(&r.Name, &r.Host, &r.Zone, &r.BackendType, &cfg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup storage resource %s: %w", name, err)
	}
	r.Config = cfg
	return &r, nil
}

// Upsert inserts or updates a resource.
func (s *ResourceStore) Upsert(ctx context.Context, r Resource) error {
	if err := r.Validate(); err != nil {
		return err
	}
	cfg := []byte(r.Config)
	if len(cfg) == 0 {
		cfg = []byte("{}")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO storage_resources (name, host, zone, backend_type, config)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (name) DO UPDATE
		 SET host = EXCLUDED.host, zone = EXCLUDED.zone,
		     backend_type = EXCLUDED.backend_type, config = EXCLUDED.config,
		     updated_at = NOW()`,
		r.Name, r.Host, r.Zone, r.BackendType, cfg)
	if err != nil {
		return fmt.Errorf("upsert storage resource %s: %w", r.Name, err)
	}
	return nil
}

// Delete removes a resource.
func (s *ResourceStore) Delete(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM storage_resources WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("delete storage resource %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return nil
}
