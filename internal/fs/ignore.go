package fs

import (
	"bufio"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// IgnoreFileName is the per-directory exclude file read while archiving.
// The file itself is always excluded.
const IgnoreFileName = ".hsbackupignore"

// excludeRule is one parsed exclude pattern.
type excludeRule struct {
	glob     string
	anchored bool // contains '/': matched against the relative path, not the basename
}

// IgnoreMatcher decides which entries below a captured directory are left
// out of a package. Patterns without '/' match an entry's basename at any
// depth; patterns with '/' match the slash-separated path relative to the
// captured directory.
type IgnoreMatcher struct {
	rules []excludeRule
}

// NewIgnoreMatcher parses raw patterns. Blank lines and '#' comments are
// skipped.
func NewIgnoreMatcher(rawPatterns []string) *IgnoreMatcher {
	m := &IgnoreMatcher{}
	return m.Extend(rawPatterns)
}

// Extend returns a matcher holding m's rules followed by rawPatterns.
// m is not modified.
func (m *IgnoreMatcher) Extend(rawPatterns []string) *IgnoreMatcher {
	out := &IgnoreMatcher{rules: append([]excludeRule(nil), m.rules...)}
	for _, raw := range rawPatterns {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		out.rules = append(out.rules, excludeRule{
			glob:     strings.TrimPrefix(raw, "/"),
			anchored: strings.Contains(raw, "/"),
		})
	}
	return out
}

// Match reports whether relativePath is excluded.
func (m *IgnoreMatcher) Match(relativePath string) bool {
	if relativePath == "" {
		return false
	}
	slashed := filepath.ToSlash(relativePath)
	base := path.Base(slashed)
	if base == IgnoreFileName {
		return true
	}

	for _, r := range m.rules {
		subject := base
		if r.anchored {
			subject = slashed
		}
		// Malformed globs never match.
		if ok, err := path.Match(r.glob, subject); err == nil && ok {
			return true
		}
	}
	return false
}

// Len returns the number of parsed rules.
func (m *IgnoreMatcher) Len() int { return len(m.rules) }

// ParseIgnoreFile returns the raw lines of an ignore file, or nil if it does
// not exist.
func ParseIgnoreFile(name string) ([]string, error) {
	f, err := os.Open(name)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening ignore file: %w", err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading ignore file: %w", err)
	}
	return lines, nil
}
