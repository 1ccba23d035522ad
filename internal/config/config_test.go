package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_DOWNLOADS", "")
	t.Setenv("CACHE_ENABLED", "")
	t.Setenv("MAX_UPLOAD_MB", "")
	t.Setenv("SEGMENT_MB", "")

	Load()

	assert.Equal(t, 5, MaxConcurrentDownloads)
	assert.True(t, CacheEnabled)
	assert.Equal(t, 30*24*time.Hour, CacheRetention)
	assert.Equal(t, int64(25*1024*1024), MaxUploadBytes)
	assert.Equal(t, int64(24*1024*1024), SegmentBytes)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_DOWNLOADS", "2")
	t.Setenv("CACHE_ENABLED", "false")
	t.Setenv("MAX_UPLOAD_MB", "50")
	t.Setenv("SEGMENT_MB", "80")
	t.Setenv("PROGRESS_INTERVAL_SEC", "-4")

	Load()

	assert.Equal(t, 2, MaxConcurrentDownloads)
	assert.False(t, CacheEnabled)
	assert.Equal(t, int64(50*1024*1024), MaxUploadBytes)
	assert.Equal(t, MaxUploadBytes, SegmentBytes, "segment size is capped at the upload limit")
	assert.Equal(t, 3*time.Second, ProgressInterval)
}

func TestZeroDailyLimitIsKept(t *testing.T) {
	t.Setenv("MAX_DOWNLOADS_PER_USER", "0")
	Load()
	assert.Equal(t, 0, MaxDownloadsPerUser)

	t.Setenv("MAX_DOWNLOADS_PER_USER", "-1")
	Load()
	assert.Equal(t, 200, MaxDownloadsPerUser)

	t.Setenv("MAX_DOWNLOADS_PER_USER", "")
	Load()
	assert.Equal(t, 200, MaxDownloadsPerUser)
}

func TestEnvBoolInvalidFallsBack(t *testing.T) {
	t.Setenv("SOME_FLAG", "maybe")
	assert.True(t, envBool("SOME_FLAG", true))
}
