package backup

import (
	"fmt"
	"io/fs"
	"strings"
	"time"
)

// Version is the tool version recorded in every manifest.
// Overridden at build time with -ldflags "-X hsbackup/internal/backup.Version=...".
var Version = "1.0.0"

// ItemKind is the type of filesystem entry captured in a package.
type ItemKind string

const (
	KindFile      ItemKind = "file"
	KindDirectory ItemKind = "directory"
	KindSymlink   ItemKind = "symlink"
)

// KindFromMode maps a file mode to an ItemKind.
// ok is false for devices, pipes and sockets, which are never captured.
func KindFromMode(mode fs.FileMode) (kind ItemKind, ok bool) {
	switch {
	case mode.IsRegular():
		return KindFile, true
	case mode.IsDir():
		return KindDirectory, true
	case mode&fs.ModeSymlink != 0:
		return KindSymlink, true
	default:
		return "", false
	}
}

// ItemDescriptor describes one filesystem entry captured in a package.
type ItemDescriptor struct {
	SourcePath     string    `json:"source_path"`
	ArchiveName    string    `json:"archive_name"`
	Kind           ItemKind  `json:"kind"`
	SizeBytes      int64     `json:"size_bytes"`
	PermissionBits uint32    `json:"permission_bits"`
	Owner          string    `json:"owner"`
	ModifiedAt     time.Time `json:"modified_at"`
}

// Mode returns the permission bits as an fs.FileMode.
func (d ItemDescriptor) Mode() fs.FileMode {
	return FileModeFromUnix(d.PermissionBits)
}

// Traditional octal bits for setuid, setgid and sticky.
const (
	unixSetuid = 0o4000
	unixSetgid = 0o2000
	unixSticky = 0o1000
)

// UnixPermissions returns the permission bits of mode, setuid, setgid and
// sticky included, in octal layout (0o4755, not Go's high mode bits).
func UnixPermissions(mode fs.FileMode) uint32 {
	bits := uint32(mode.Perm())
	if mode&fs.ModeSetuid != 0 {
		bits |= unixSetuid
	}
	if mode&fs.ModeSetgid != 0 {
		bits |= unixSetgid
	}
	if mode&fs.ModeSticky != 0 {
		bits |= unixSticky
	}
	return bits
}

// FileModeFromUnix is the inverse of UnixPermissions. Bits above 0o7777
// are ignored.
func FileModeFromUnix(bits uint32) fs.FileMode {
	mode := fs.FileMode(bits) & fs.ModePerm
	if bits&unixSetuid != 0 {
		mode |= fs.ModeSetuid
	}
	if bits&unixSetgid != 0 {
		mode |= fs.ModeSetgid
	}
	if bits&unixSticky != 0 {
		mode |= fs.ModeSticky
	}
	return mode
}

// Manifest is the package-level metadata embedded as the container trailer.
// It is never mutated after the container is sealed.
type Manifest struct {
	Timestamp   string           `json:"timestamp"`
	PackageName string           `json:"package_name"`
	Items       []ItemDescriptor `json:"items"`
	ToolVersion string           `json:"tool_version"`
	CreatedAt   time.Time        `json:"created_at"`
	Hostname    string           `json:"hostname,omitempty"`
}

// Find returns the descriptor stored under archiveName, or nil.
func (m *Manifest) Find(archiveName string) *ItemDescriptor {
	if m == nil {
		return nil
	}
	for i := range m.Items {
		if m.Items[i].ArchiveName == archiveName {
			return &m.Items[i]
		}
	}
	return nil
}

// Package naming:
//
//	homeserver_backup_<YYYYMMDD_HHMMSS>.tar.gz      container (unsealed)
//	homeserver_backup_<YYYYMMDD_HHMMSS>.tar.gz.enc  sealed package
const (
	PackagePrefix   = "homeserver_backup_"
	TimestampLayout = "20060102_150405"
	ContainerExt    = ".tar.gz"
	SealedExt       = ".enc"
)

// PackageTimestamp formats t as a package timestamp.
func PackageTimestamp(t time.Time) string {
	return t.Format(TimestampLayout)
}

// PackageBaseName returns the base package name for a creation instant.
func PackageBaseName(t time.Time) string {
	return PackagePrefix + PackageTimestamp(t)
}

// ContainerFileName returns the on-disk name for an unsealed container.
func ContainerFileName(base string) string {
	return base + ContainerExt
}

// SealedFileName returns the on-disk name for a sealed package.
func SealedFileName(base string) string {
	return base + ContainerExt + SealedExt
}

// IsSealed reports whether a file name denotes a sealed package.
func IsSealed(name string) bool {
	return strings.HasSuffix(name, SealedExt)
}

// IsPackageName reports whether name follows the package naming convention.
func IsPackageName(name string) bool {
	base := BaseName(name)
	if !strings.HasPrefix(base, PackagePrefix) {
		return false
	}
	_, err := time.Parse(TimestampLayout, strings.TrimPrefix(base, PackagePrefix))
	return err == nil
}

// BaseName strips the container and sealed suffixes from a package file name.
func BaseName(name string) string {
	name = strings.TrimSuffix(name, SealedExt)
	return strings.TrimSuffix(name, ContainerExt)
}

// CandidateFileNames lists the file names a user-supplied package name may
// refer to, sealed first.
func CandidateFileNames(name string) []string {
	if strings.HasSuffix(name, SealedExt) || strings.HasSuffix(name, ContainerExt) {
		return []string{name}
	}
	base := BaseName(name)
	return []string{SealedFileName(base), ContainerFileName(base)}
}

// ParsePackageTime extracts the creation instant from a package name.
func ParsePackageTime(name string) (time.Time, error) {
	base := BaseName(name)
	if !strings.HasPrefix(base, PackagePrefix) {
		return time.Time{}, fmt.Errorf("not a package name: %s", name)
	}
	return time.ParseInLocation(TimestampLayout, strings.TrimPrefix(base, PackagePrefix), time.Local)
}
