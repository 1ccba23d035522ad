package util

import "github.com/dustin/go-humanize"

type DiskSpaceInfo struct {
	AvailBytes uint64
	TotalBytes uint64
}

const gib = 1 << 30

func (d DiskSpaceInfo) AvailGB() float64 { return float64(d.AvailBytes) / gib }
func (d DiskSpaceInfo) TotalGB() float64 { return float64(d.TotalBytes) / gib }

func (d DiskSpaceInfo) String() string {
	return humanize.IBytes(d.AvailBytes) + " free of " + humanize.IBytes(d.TotalBytes)
}
