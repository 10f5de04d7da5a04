package indexer

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// IgnoreFile is the name of the file at the watched root listing ignore
// patterns, one per line.
const IgnoreFile = ".crdtreeignore"

// Ignore decides which paths aren't indexed, using gitignore patterns:
// "*" and "?" within a path segment, "**" for any number of segments, a
// trailing "/" to match only directories, a leading "!" to re-include,
// and "#" for comments. Patterns without a "/" match at any depth. The
// last matching pattern decides. Once a directory is ignored, nothing
// below it can be re-included.
type Ignore struct {
	matcher  gitignore.Matcher
	patterns int
}

// NewIgnore compiles patterns. Bad patterns are reported, not skipped.
func NewIgnore(patterns ...string) (*Ignore, error) {
	var ps []gitignore.Pattern
	for _, p := range patterns {
		p = strings.TrimRight(p, " \t\r")
		if p == "" || strings.HasPrefix(p, "#") {
			continue
		}
		if err := checkPattern(p); err != nil {
			return nil, err
		}
		ps = append(ps, gitignore.ParsePattern(p, nil))
	}
	return &Ignore{matcher: gitignore.NewMatcher(ps), patterns: len(ps)}, nil
}

// checkPattern rejects what gitignore would silently never match.
func checkPattern(p string) error {
	body := strings.Trim(strings.TrimPrefix(p, "!"), "/")
	if body == "" {
		return fmt.Errorf("ignore pattern %q matches nothing", p)
	}
	for _, seg := range strings.Split(body, "/") {
		if _, err := path.Match(seg, ""); err != nil {
			return fmt.Errorf("ignore pattern %q: %w", p, err)
		}
	}
	return nil
}

// LoadIgnore compiles the root's IgnoreFile, if any, followed by extra
// patterns.
func LoadIgnore(root string, extra ...string) (*Ignore, error) {
	var patterns []string
	b, err := os.ReadFile(filepath.Join(root, IgnoreFile))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", IgnoreFile, err)
	}
	s := bufio.NewScanner(bytes.NewReader(b))
	for s.Scan() {
		patterns = append(patterns, s.Text())
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", IgnoreFile, err)
	}
	return NewIgnore(append(patterns, extra...)...)
}

// Ignored reports whether the slash-separated path, relative to the
// watched root, is ignored, either itself or through an ancestor.
func (ig *Ignore) Ignored(p string, isDir bool) bool {
	if ig == nil || ig.patterns == 0 {
		return false
	}
	parts := strings.Split(p, "/")
	for i := 1; i < len(parts); i++ {
		if ig.matcher.Match(parts[:i], true) {
			return true
		}
	}
	return ig.matcher.Match(parts, isDir)
}
