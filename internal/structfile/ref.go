package structfile

import (
	"fmt"
	"strings"
)

// MaxPathLen bounds physical paths accepted at the protocol boundary.
const MaxPathLen = 4096

// PhysicalRef identifies where a container's bytes live: the resource
// holding them, the zone that resource is registered in, and the path
// within the resource.
type PhysicalRef struct {
	Resource string `cbor:"resource" json:"resource" yaml:"resource"`
	Zone     string `cbor:"zone,omitempty" json:"zone,omitempty" yaml:"zone,omitempty"`
	Path     string `cbor:"path" json:"path" yaml:"path"`
}

// Validate checks the reference fields.
func (r PhysicalRef) Validate() error {
	if r.Resource == "" {
		return fmt.Errorf("resource name is required")
	}
	if len(r.Resource) > 256 {
		return fmt.Errorf("resource name exceeds 256 bytes")
	}
	if len(r.Zone) > 256 {
		return fmt.Errorf("zone name exceeds 256 bytes")
	}
	if r.Path == "" {
		return fmt.Errorf("path is required")
	}
	if len(r.Path) > MaxPathLen {
		return fmt.Errorf("path exceeds %d bytes", MaxPathLen)
	}
	if strings.IndexByte(r.Path, 0) >= 0 {
		return fmt.Errorf("path contains NUL")
	}
	return nil
}

func (r PhysicalRef) String() string {
	if r.Zone != "" {
		return r.Resource + "@" + r.Zone + ":" + r.Path
	}
	return r.Resource + ":" + r.Path
}
