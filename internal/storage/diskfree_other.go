//go:build !linux && !darwin && !freebsd

package storage

import "github.com/aeoncorex/streamx/internal/errors"

// DiskFree is not supported on this platform; Allocate
// skips the free space check.
func DiskFree(dir string) (uint64, error) {
	return 0, errors.New("free space check not supported")
}
