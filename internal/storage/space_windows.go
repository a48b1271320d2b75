//go:build windows

package storage

import (
	"golang.org/x/sys/windows"
)

// AvailableSpace returns the bytes available to the caller on the volume
// holding path, or on its nearest existing ancestor.
func AvailableSpace(path string) (uint64, error) {
	dir, err := existingAncestor(path)
	if err != nil {
		return 0, err
	}

	ptr, err := windows.UTF16PtrFromString(dir)
	if err != nil {
		return 0, err
	}

	var free, total, totalFree uint64
	if err = windows.GetDiskFreeSpaceEx(ptr, &free, &total, &totalFree); err != nil {
		return 0, err
	}
	return free, nil
}
