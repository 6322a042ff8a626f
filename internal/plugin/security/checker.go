package security

import (
	"errors"
	"io/fs"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/dshills/plugbox/internal/plugin/faults"
)

// Checker decides whether a plugin's operations are allowed. It holds one
// immutable PermissionSet and the plugin's install root.
type Checker struct {
	perms PermissionSet
	root  string
}

// NewChecker creates a Checker for a plugin rooted at root. The root is
// canonicalized so later comparisons are not fooled by symlinked parents.
func NewChecker(perms PermissionSet, root string) (*Checker, error) {
	canonical, err := canonicalRoot(root)
	if err != nil {
		return nil, err
	}
	return &Checker{perms: perms.Clone(), root: canonical}, nil
}

// Permissions returns a copy of the checked PermissionSet.
func (c *Checker) Permissions() PermissionSet {
	return c.perms.Clone()
}

// Root returns the canonical plugin root.
func (c *Checker) Root() string {
	return c.root
}

// Allows reports whether capability is granted.
func (c *Checker) Allows(capability Capability) bool {
	return c.perms.Has(capability)
}

// ResolvePath resolves p against the plugin root and returns its canonical
// absolute form. Relative paths are taken relative to the root. Symlinks in
// the existing part of the path are followed before the containment check, so
// a link pointing outside the root is rejected like a "../" escape.
func (c *Checker) ResolvePath(p string) (string, error) {
	return ResolveWithin(c.root, p)
}

// CheckURL validates raw and checks its host against the allow-list.
func (c *Checker) CheckURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.New("only http and https URLs are supported")
	}
	if err := c.CheckHost(u.Hostname()); err != nil {
		return nil, err
	}
	return u, nil
}

// CheckHost checks a bare hostname, or host:port, against the allow-list.
func (c *Checker) CheckHost(host string) error {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if !c.perms.Has(CapabilityNetworkExternal) || !MatchDomain(host, c.perms.Network.Domains) {
		return &faults.NetworkDomainDeniedError{Host: host}
	}
	return nil
}

// ResolveWithin returns the canonical absolute form of p, which must lie
// inside root. root is expected to be canonical already.
func ResolveWithin(root, p string) (string, error) {
	if p == "" {
		return "", &faults.PathTraversalError{Path: p, Root: root}
	}

	target := p
	if !filepath.IsAbs(target) {
		target = filepath.Join(root, target)
	}
	target = filepath.Clean(target)

	resolved, err := resolveExisting(target)
	if err != nil {
		return "", err
	}
	if !isWithin(root, resolved) {
		return "", &faults.PathTraversalError{Path: p, Root: root}
	}
	return resolved, nil
}

// resolveExisting follows symlinks in the longest existing prefix of path and
// appends the remaining, not yet existing, components.
func resolveExisting(path string) (string, error) {
	existing := path
	var rest []string
	for {
		real, err := filepath.EvalSymlinks(existing)
		if err == nil {
			parts := append([]string{real}, rest...)
			return filepath.Join(parts...), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return path, nil
		}
		rest = append([]string{filepath.Base(existing)}, rest...)
		existing = parent
	}
}

func isWithin(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

func canonicalRoot(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return filepath.Clean(abs), nil
		}
		return "", err
	}
	info, err := os.Stat(real)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", errors.New("plugin root is not a directory")
	}
	return real, nil
}
