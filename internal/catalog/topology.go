package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// topologyFile is the YAML layout of a zone topology file:
//
//	resources:
//	  - name: demoResc
//	    host: grid1.example.org:1247
//	    zone: tempZone
//	    backend: local
//	    config:
//	      root_path: /var/lib/sfgrid/vault
type topologyFile struct {
	Resources []struct {
		Name    string         `yaml:"name"`
		Host    string         `yaml:"host"`
		Zone    string         `yaml:"zone"`
		Backend string         `yaml:"backend"`
		Config  map[string]any `yaml:"config"`
	} `yaml:"resources"`
}

// LoadTopology reads a YAML topology file into a Static catalog.
func LoadTopology(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topology %s: %w", path, err)
	}
	return ParseTopology(data)
}

// ParseTopology decodes YAML topology bytes. Unknown keys are errors.
func ParseTopology(data []byte) (*Static, error) {
	var tf topologyFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&tf); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse topology: %w", err)
	}

	resources := make([]Resource, 0, len(tf.Resources))
	for _, r := range tf.Resources {
		res := Resource{
			Name:        r.Name,
			Host:        r.Host,
			Zone:        r.Zone,
			BackendType: r.Backend,
		}
		if len(r.Config) > 0 {
			raw, err := json.Marshal(r.Config)
			if err != nil {
				return nil, fmt.Errorf("resource %s: encode config: %w", r.Name, err)
			}
			res.Config = raw
		}
		resources = append(resources, res)
	}
	return NewStatic(resources...)
}
