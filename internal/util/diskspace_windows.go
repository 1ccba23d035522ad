//go:build windows

package util

import "golang.org/x/sys/windows"

func GetDiskSpace(path string) (DiskSpaceInfo, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return DiskSpaceInfo{}, err
	}
	var avail, total, free uint64
	if err := windows.GetDiskFreeSpaceEx(p, &avail, &total, &free); err != nil {
		return DiskSpaceInfo{}, err
	}
	return DiskSpaceInfo{AvailBytes: avail, TotalBytes: total}, nil
}
