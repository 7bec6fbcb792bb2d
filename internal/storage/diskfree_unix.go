//go:build linux || darwin || freebsd

package storage

import (
	"path/filepath"

	"golang.org/x/sys/unix"
)

// DiskFree returns the bytes available to unprivileged
// users on the filesystem holding dir. Missing directories
// are resolved to their closest existing parent.
func DiskFree(dir string) (uint64, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return 0, err
	}

	for {
		var st unix.Statfs_t
		err := unix.Statfs(dir, &st)
		if err == nil {
			return uint64(st.Bavail) * uint64(st.Bsize), nil
		}

		parent := filepath.Dir(dir)
		if err != unix.ENOENT || parent == dir {
			return 0, err
		}
		dir = parent
	}
}
