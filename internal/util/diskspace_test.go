package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetDiskSpace(t *testing.T) {
	ds, err := GetDiskSpace(t.TempDir())
	require.NoError(t, err)
	assert.Greater(t, ds.TotalBytes, uint64(0))
	assert.LessOrEqual(t, ds.AvailBytes, ds.TotalBytes)
}

func TestDiskSpaceString(t *testing.T) {
	ds := DiskSpaceInfo{AvailBytes: 2 * gib, TotalBytes: 8 * gib}
	assert.Equal(t, 2.0, ds.AvailGB())
	assert.Equal(t, "2.0 GiB free of 8.0 GiB", ds.String())
}
