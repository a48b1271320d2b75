//go:build unix

package storage

import (
	"golang.org/x/sys/unix"
)

// AvailableSpace returns the bytes available to unprivileged users on the
// volume holding path, or on its nearest existing ancestor.
func AvailableSpace(path string) (uint64, error) {
	dir, err := existingAncestor(path)
	if err != nil {
		return 0, err
	}

	var st unix.Statfs_t
	if err = unix.Statfs(dir, &st); err != nil {
		return 0, err
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil //nolint:gosec,unconvert // field widths differ per platform
}
