//go:build unix

package fs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"strconv"
	"strings"
	"syscall"
)

// Owner returns the numeric owner of info and its "user:group" spec.
// Names are used when they resolve, numbers otherwise.
func Owner(info fs.FileInfo) (uid, gid int, spec string, err error) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, "", fmt.Errorf("cannot extract owner: expected *syscall.Stat_t, got %T", info.Sys())
	}
	uid, gid = int(stat.Uid), int(stat.Gid)

	userName := strconv.Itoa(uid)
	if u, err := user.LookupId(userName); err == nil {
		userName = u.Username
	}
	groupName := strconv.Itoa(gid)
	if g, err := user.LookupGroupId(groupName); err == nil {
		groupName = g.Name
	}
	return uid, gid, userName + ":" + groupName, nil
}

// ParseOwner resolves a "user:group" spec to numeric ids. Either side may
// be a name or a number; an empty side is returned as -1 (unchanged).
func ParseOwner(spec string) (uid, gid int, err error) {
	userPart, groupPart, _ := strings.Cut(spec, ":")
	uid, gid = -1, -1

	if userPart != "" {
		if uid, err = strconv.Atoi(userPart); err != nil {
			u, lerr := user.Lookup(userPart)
			if lerr != nil {
				return 0, 0, fmt.Errorf("unknown user %q: %w", userPart, lerr)
			}
			if uid, err = strconv.Atoi(u.Uid); err != nil {
				return 0, 0, fmt.Errorf("user %q has non-numeric uid %q", userPart, u.Uid)
			}
		}
	}
	if groupPart != "" {
		if gid, err = strconv.Atoi(groupPart); err != nil {
			g, lerr := user.LookupGroup(groupPart)
			if lerr != nil {
				return 0, 0, fmt.Errorf("unknown group %q: %w", groupPart, lerr)
			}
			if gid, err = strconv.Atoi(g.Gid); err != nil {
				return 0, 0, fmt.Errorf("group %q has non-numeric gid %q", groupPart, g.Gid)
			}
		}
	}
	return uid, gid, nil
}

// ApplyOwner changes the owner of path (not following symlinks) to spec.
func ApplyOwner(path, spec string) error {
	uid, gid, err := ParseOwner(spec)
	if err != nil {
		return err
	}
	if uid == -1 && gid == -1 {
		return nil
	}
	return os.Lchown(path, uid, gid)
}

func isCrossDevice(err error) bool {
	return errors.Is(err, syscall.EXDEV)
}
