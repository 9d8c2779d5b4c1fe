// Package mime looks up content types in a mime.types style rules file.
package mime

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	DefaultRulesPath = "/etc/mime.types"
	DefaultType      = "text/plain"
)

// Table maps file extensions to content types. It is read-only after Load and
// safe for concurrent use.
type Table struct {
	types       map[string]string
	defaultType string
}

// New returns an empty table that answers every lookup with defaultType.
func New(defaultType string) *Table {
	if defaultType == "" {
		defaultType = DefaultType
	}
	return &Table{types: make(map[string]string), defaultType: defaultType}
}

// Load reads rules from the file at path. Each rule line has the form
//
//	<mimetype>\t<ext1> <ext2> ...
//
// Blank lines and lines starting with '#' are skipped. When several rules list
// the same extension the first one wins.
func Load(path, defaultType string) (*Table, error) {
	t := New(defaultType)
	f, err := os.Open(path)
	if err != nil {
		return t, fmt.Errorf("mime: %w", err)
	}
	defer f.Close()
	if err := t.Parse(f); err != nil {
		return t, fmt.Errorf("mime: %s: %w", path, err)
	}
	return t, nil
}

// Parse adds the rules read from r to the table.
func (t *Table) Parse(r io.Reader) error {
	s := bufio.NewScanner(r)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		for _, ext := range fields[1:] {
			if _, ok := t.types[ext]; !ok {
				t.types[ext] = fields[0]
			}
		}
	}
	return s.Err()
}

// Default returns the type used when no rule matches.
func (t *Table) Default() string {
	return t.defaultType
}

// Lookup returns the content type for ext, which may carry a leading dot.
func (t *Table) Lookup(ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		return t.defaultType
	}
	if ct, ok := t.types[ext]; ok {
		return ct
	}
	return t.defaultType
}

// ForPath returns the content type for the extension of the final element of path.
func (t *Table) ForPath(path string) string {
	return t.Lookup(filepath.Ext(path))
}
