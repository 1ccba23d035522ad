//go:build !windows

package util

import "golang.org/x/sys/unix"

func GetDiskSpace(path string) (DiskSpaceInfo, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return DiskSpaceInfo{}, err
	}
	return DiskSpaceInfo{
		AvailBytes: stat.Bavail * uint64(stat.Bsize),
		TotalBytes: stat.Blocks * uint64(stat.Bsize),
	}, nil
}
