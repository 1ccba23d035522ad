package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToUserError(t *testing.T) {
	tests := map[string]string{
		"download cancelled":                                  "Download cancelled",
		"begin download: a download is already running":       "A download for this link is already running",
		"ERROR: [youtube] abc: Video unavailable":             "This video is unavailable or has been removed",
		"ERROR: Sign in to confirm you're not a bot":          "The site is blocking this request, try again later",
		"fetch: context deadline exceeded":                    "The download took too long and was stopped",
		"ERROR: Unsupported URL: https://example.com":         "This website isn't supported",
		"Playlist too large (120 videos, max 50)":             "Playlist too large (120 videos, max 50)",
		"something nobody anticipated":                        "Download failed",
		"prepare delivery: could not split file into segments": "The file was too large to send and could not be split",
	}
	for in, want := range tests {
		assert.Equal(t, want, ToUserError(in), in)
	}
}
