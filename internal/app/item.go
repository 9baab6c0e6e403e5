package app

import (
	"fmt"
	"strconv"
	"strings"

	"hsbackup/internal/backup"
)

// ParseItemSpec parses a restore item written as
//
//	SRC=TARGET[:OWNER[:MODE]]
//
// OWNER is "user", "user:group" or ":group". MODE is octal with a leading
// zero and at least three digits (e.g. 0640), which is how it is told apart
// from a group.
func ParseItemSpec(s string) (backup.RestoreItemSpec, error) {
	src, rest, ok := strings.Cut(s, "=")
	if !ok || src == "" || rest == "" {
		return backup.RestoreItemSpec{}, fmt.Errorf("invalid item %q: want SRC=TARGET[:OWNER[:MODE]]", s)
	}

	parts := strings.Split(rest, ":")
	spec := backup.RestoreItemSpec{SourceName: src, TargetPath: parts[0]}
	if spec.TargetPath == "" {
		return backup.RestoreItemSpec{}, fmt.Errorf("invalid item %q: empty target", s)
	}
	parts = parts[1:]

	if n := len(parts); n > 0 && isMode(parts[n-1]) {
		m, _ := strconv.ParseUint(parts[n-1], 8, 32)
		mode := backup.FileModeFromUnix(uint32(m))
		spec.Mode = &mode
		parts = parts[:n-1]
	}

	switch len(parts) {
	case 0:
	case 1, 2:
		spec.Owner = strings.Join(parts, ":")
	default:
		return backup.RestoreItemSpec{}, fmt.Errorf("invalid item %q: too many ':' fields", s)
	}
	return spec, nil
}

func isMode(s string) bool {
	if len(s) < 3 || s[0] != '0' {
		return false
	}
	v, err := strconv.ParseUint(s, 8, 32)
	return err == nil && v <= 0o7777
}
