package util

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckDependencies(t *testing.T) {
	orig := lookPath
	t.Cleanup(func() { lookPath = orig })
	lookPath = func(name string) (string, error) {
		if name == "ffprobe" {
			return "", errors.New("not found")
		}
		return "/usr/bin/" + name, nil
	}

	require.NoError(t, CheckDependencies("yt-dlp", "ffmpeg"))

	err := CheckDependencies()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ffprobe")
}
