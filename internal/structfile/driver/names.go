package driver

import (
	"strings"

	"github.com/fruitsalade/sfgrid/internal/structfile"
)

// entryName normalizes a raw member name. Leading "./" segments are
// dropped and directories carry a trailing slash. skip is true for the
// container root itself.
func entryName(raw string, dir bool) (name string, skip bool, err error) {
	name = raw
	for strings.HasPrefix(name, "./") {
		name = strings.TrimLeft(name[2:], "/")
	}
	if name == "" || name == "." {
		return "", true, nil
	}
	if dir && !strings.HasSuffix(name, "/") {
		name += "/"
	}
	if err := structfile.ValidateName(name); err != nil {
		return "", false, err
	}
	return name, false, nil
}
