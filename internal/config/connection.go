package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// DefaultPort is the resource server port used when none is configured.
const DefaultPort = 1247

// DefaultEnvFile is the environment file location under $HOME.
const DefaultEnvFile = ".sfgrid/environment.yaml"

// minZoneKeyLen is the shortest zone key accepted for signing RPC tokens.
const minZoneKeyLen = 16

// ConnectionContext describes who this process is within its zone. It is
// loaded once at startup and passed by reference; nothing mutates it
// afterwards.
type ConnectionContext struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Zone            string `yaml:"zone"`
	User            string `yaml:"user"`
	ZoneKey         string `yaml:"zone_key"`
	DefaultResource string `yaml:"default_resource"`
	Scheme          string `yaml:"scheme"`
	LogLevel        string `yaml:"log_level"`
}

// Address returns host:port.
func (c *ConnectionContext) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// BaseURL returns the RPC base URL of this host.
func (c *ConnectionContext) BaseURL() string {
	return c.Scheme + "://" + c.Address()
}

// Validate reports the first invalid field.
func (c *ConnectionContext) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("connection context: host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("connection context: port %d out of range", c.Port)
	}
	if c.Zone == "" {
		return fmt.Errorf("connection context: zone is required")
	}
	if len(c.ZoneKey) < minZoneKeyLen {
		return fmt.Errorf("connection context: zone_key must be at least %d bytes", minZoneKeyLen)
	}
	if c.Scheme != "http" && c.Scheme != "https" {
		return fmt.Errorf("connection context: scheme %q must be http or https", c.Scheme)
	}
	return nil
}

// LoadConnectionContext builds the connection context in three steps:
// the environment file (YAML or JSON), then SFGRID_* environment
// variable overrides, then defaults. An empty path means
// $HOME/.sfgrid/environment.yaml. A missing file is not an error; a file
// that cannot be read or parsed is, as is any invalid override or field.
func LoadConnectionContext(path string) (*ConnectionContext, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, DefaultEnvFile)
		}
	}
	return loadConnectionContext(path, os.Getenv)
}

func loadConnectionContext(path string, getenv func(string) string) (*ConnectionContext, error) {
	cc := &ConnectionContext{}

	if path != "" {
		if err := cc.readFile(path); err != nil {
			return nil, err
		}
	}
	if err := cc.applyEnv(getenv); err != nil {
		return nil, err
	}
	if err := cc.applyDefaults(getenv); err != nil {
		return nil, err
	}
	if err := cc.Validate(); err != nil {
		return nil, err
	}
	return cc, nil
}

func (c *ConnectionContext) readFile(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read environment file %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse environment file %s: %w", path, err)
	}
	return nil
}

func (c *ConnectionContext) applyEnv(getenv func(string) string) error {
	strs := []struct {
		key string
		dst *string
	}{
		{"SFGRID_HOST", &c.Host},
		{"SFGRID_ZONE", &c.Zone},
		{"SFGRID_USER", &c.User},
		{"SFGRID_ZONE_KEY", &c.ZoneKey},
		{"SFGRID_DEFAULT_RESOURCE", &c.DefaultResource},
		{"SFGRID_SCHEME", &c.Scheme},
		{"SFGRID_LOG_LEVEL", &c.LogLevel},
	}
	for _, s := range strs {
		if v := getenv(s.key); v != "" {
			*s.dst = v
		}
	}

	if v := getenv("SFGRID_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SFGRID_PORT: %w", err)
		}
		c.Port = port
	}
	return nil
}

func (c *ConnectionContext) applyDefaults(getenv func(string) string) error {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Scheme == "" {
		c.Scheme = "http"
	}
	if c.User == "" {
		c.User = getenv("USER")
	}
	if c.Host == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("connection context: resolve hostname: %w", err)
		}
		c.Host = host
	}
	return nil
}
