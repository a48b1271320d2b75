//go:build !unix && !windows

package storage

import "errors"

// AvailableSpace is not supported on this platform.
func AvailableSpace(string) (uint64, error) {
	return 0, errors.New("free space query not supported on this platform")
}
