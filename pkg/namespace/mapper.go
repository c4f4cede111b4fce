// Package namespace derives route prefixes and namespace keys from the
// relative path of a handler unit inside the modules directory.
//
// The mapping is pure: it never touches the filesystem. Both derivations are
// injective over valid paths because segments are restricted to a character
// set that excludes either separator.
package namespace

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	DefaultNamespace = "modules"
	DefaultExtension = ".hcl"
	DefaultMarker    = "_package.hcl"

	keySep = "."
)

// ErrInvalidPath is matched by every InvalidPathError.
var ErrInvalidPath = errors.New("invalid unit path")

var segmentRE = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// InvalidPathError reports a malformed or unsafe relative path.
type InvalidPathError struct {
	Path   string
	Reason string
}

func (e *InvalidPathError) Error() string {
	return fmt.Sprintf("invalid unit path %q: %s", e.Path, e.Reason)
}

func (e *InvalidPathError) Unwrap() error { return ErrInvalidPath }

// Mapper holds the naming conventions of one storage root.
type Mapper struct {
	Namespace string // root namespace name, e.g. "modules"
	Extension string // unit suffix, e.g. ".hcl"
	Marker    string // reserved package marker file name
}

// New returns a Mapper, filling empty fields with the defaults.
func New(ns, ext, marker string) Mapper {
	m := Mapper{Namespace: ns, Extension: ext, Marker: marker}
	if m.Namespace == "" {
		m.Namespace = DefaultNamespace
	}
	if m.Extension == "" {
		m.Extension = DefaultExtension
	}
	if m.Marker == "" {
		m.Marker = DefaultMarker
	}
	return m
}

// Validate checks that p names a unit file under the root.
func (m Mapper) Validate(p string) error {
	_, _, err := m.split(p)
	return err
}

// ToKey maps "billing/invoices.hcl" to "modules.billing.invoices".
func (m Mapper) ToKey(p string) (string, error) {
	dirs, name, err := m.split(p)
	if err != nil {
		return "", err
	}
	parts := append([]string{m.Namespace}, dirs...)
	parts = append(parts, name)
	return strings.Join(parts, keySep), nil
}

// ToPrefix maps "billing/invoices.hcl" to "/billing/invoices".
func (m Mapper) ToPrefix(p string) (string, error) {
	dirs, name, err := m.split(p)
	if err != nil {
		return "", err
	}
	return "/" + strings.Join(append(dirs, name), "/"), nil
}

// KeyFromPrefix is the inverse of ToPrefix composed with ToKey.
func (m Mapper) KeyFromPrefix(prefix string) string {
	rest := strings.Trim(prefix, "/")
	if rest == "" {
		return m.Namespace
	}
	return m.Namespace + keySep + strings.ReplaceAll(rest, "/", keySep)
}

// PathFromPrefix returns the relative unit path a prefix was derived from.
func (m Mapper) PathFromPrefix(prefix string) string {
	return strings.Trim(prefix, "/") + m.Extension
}

// PrefixFromKey maps a namespace key back to its route prefix.
func (m Mapper) PrefixFromKey(key string) string {
	rest := strings.TrimPrefix(key, m.Namespace)
	rest = strings.TrimPrefix(rest, keySep)
	return "/" + strings.ReplaceAll(rest, keySep, "/")
}

// IsMarker reports whether the final segment of p is the package marker.
func (m Mapper) IsMarker(p string) bool {
	return lastSegment(p) == m.Marker
}

// IsUnitFile reports whether p carries the unit extension and is not a
// marker. It does not validate the rest of the path.
func (m Mapper) IsUnitFile(p string) bool {
	return strings.HasSuffix(p, m.Extension) && !m.IsMarker(p)
}

// MarkerPaths lists the marker file for every directory level of p,
// outermost first. Root-level units have none.
func (m Mapper) MarkerPaths(p string) []string {
	dirs, _, err := m.split(p)
	if err != nil || len(dirs) == 0 {
		return nil
	}
	out := make([]string, 0, len(dirs))
	for i := range dirs {
		out = append(out, strings.Join(dirs[:i+1], "/")+"/"+m.Marker)
	}
	return out
}

func (m Mapper) split(p string) (dirs []string, name string, err error) {
	invalid := func(reason string) error { return &InvalidPathError{Path: p, Reason: reason} }

	switch {
	case p == "":
		return nil, "", invalid("empty path")
	case strings.HasPrefix(p, "/"):
		return nil, "", invalid("absolute paths are not allowed")
	case strings.Contains(p, `\`):
		return nil, "", invalid("backslash separators are not allowed")
	case !strings.HasSuffix(p, m.Extension):
		return nil, "", invalid("extension must be " + m.Extension)
	}

	segs := strings.Split(p, "/")
	for _, s := range segs[:len(segs)-1] {
		switch s {
		case "":
			return nil, "", invalid("empty path segment")
		case ".", "..":
			return nil, "", invalid("path traversal segment")
		}
		if !segmentRE.MatchString(s) {
			return nil, "", invalid(fmt.Sprintf("directory %q must match %s", s, segmentRE))
		}
	}

	file := segs[len(segs)-1]
	if file == m.Marker {
		return nil, "", invalid("package marker is not a unit")
	}
	name = strings.TrimSuffix(file, m.Extension)
	if name == "" {
		return nil, "", invalid("empty unit name")
	}
	if !segmentRE.MatchString(name) {
		return nil, "", invalid(fmt.Sprintf("unit name %q must match %s", name, segmentRE))
	}
	return segs[:len(segs)-1], name, nil
}

// ReservedDir reports whether a directory name is excluded from the unit
// tree: hidden (leading dot, which covers .git) or a cache directory.
func ReservedDir(name string) bool {
	return strings.HasPrefix(name, ".") || name == "_cache" || name == "__pycache__"
}

// InReservedDir reports whether any directory segment of p is reserved.
func InReservedDir(p string) bool {
	segs := strings.Split(p, "/")
	for _, s := range segs[:len(segs)-1] {
		if ReservedDir(s) {
			return true
		}
	}
	return false
}

func lastSegment(p string) string {
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[i+1:]
	}
	return p
}
