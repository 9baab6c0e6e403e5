//go:build unix

package store

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"hsbackup/internal/backup"
)

// lockFile takes a non-blocking exclusive flock on path. The lock belongs to
// the open file, so a second lockFile on the same path fails even within
// one process.
func lockFile(path string) (func() error, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, backup.ErrBusy
		}
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}

	fmt.Fprintf(f, "%d\n", os.Getpid())
	return func() error {
		uerr := unix.Flock(int(f.Fd()), unix.LOCK_UN)
		return errors.Join(uerr, f.Close())
	}, nil
}
