// Package fsroot maps request URIs onto a document root and refuses any path
// that canonicalizes outside of it.
package fsroot

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrNotFound is returned when a URI does not name an existing file under the root.
	ErrNotFound = errors.New("not found")
	// ErrEscapesRoot is returned when a URI canonicalizes to a path outside the root.
	// It matches ErrNotFound with errors.Is.
	ErrEscapesRoot = fmt.Errorf("%w: path escapes root", ErrNotFound)
)

// Resolver resolves URIs under a canonical document root. It is safe for
// concurrent use.
type Resolver struct {
	root string
}

// New canonicalizes root and returns a Resolver for it.
func New(root string) (*Resolver, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("fsroot: %w", err)
	}
	canon, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("fsroot: %w", err)
	}
	fi, err := os.Stat(canon)
	if err != nil {
		return nil, fmt.Errorf("fsroot: %w", err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("fsroot: %s is not a directory", canon)
	}
	return &Resolver{root: canon}, nil
}

// Root returns the canonical document root.
func (r *Resolver) Root() string {
	return r.root
}

// Resolve returns the canonical filesystem path for uri. The returned path is
// always the root itself or a descendant of it.
func (r *Resolver) Resolve(uri string) (string, error) {
	decoded, err := url.PathUnescape(uri)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	// dot segments are removed lexically before symlinks are followed
	joined := r.root + string(filepath.Separator) + decoded
	canon, err := filepath.EvalSymlinks(filepath.Clean(joined))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	canon, err = filepath.Abs(canon)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if !r.Contains(canon) {
		return "", ErrEscapesRoot
	}
	return canon, nil
}

// Contains reports whether the canonical path p is the root or lies below it.
func (r *Resolver) Contains(p string) bool {
	if p == r.root {
		return true
	}
	prefix := r.root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(p, prefix)
}
