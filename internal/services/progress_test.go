package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeltaFor(t *testing.T) {
	tests := []struct {
		name        string
		ev          ProgressEvent
		wantPercent float64
		wantTotal   int64
		wantStatus  Status
	}{
		{
			name:        "exact total preferred",
			ev:          ProgressEvent{Status: EventDownloading, DownloadedBytes: 25, TotalBytes: 100, TotalBytesEstimate: 50},
			wantPercent: 25, wantTotal: 100, wantStatus: StatusDownloading,
		},
		{
			name:        "estimate when exact unknown",
			ev:          ProgressEvent{Status: EventDownloading, DownloadedBytes: 25, TotalBytesEstimate: 50},
			wantPercent: 50, wantTotal: 50, wantStatus: StatusDownloading,
		},
		{
			name:        "unknown total is zero percent",
			ev:          ProgressEvent{Status: EventDownloading, DownloadedBytes: 25},
			wantPercent: 0, wantTotal: 0, wantStatus: StatusDownloading,
		},
		{
			name:        "finished forces 100",
			ev:          ProgressEvent{Status: EventFinished, TotalBytes: 80, Filename: "/tmp/x.mp4"},
			wantPercent: 100, wantTotal: 80, wantStatus: StatusFinished,
		},
		{
			name:        "error",
			ev:          ProgressEvent{Status: EventError},
			wantPercent: 0, wantTotal: 0, wantStatus: StatusErrored,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := deltaFor(tt.ev)
			assert.InDelta(t, tt.wantPercent, d.Percent, 0.001)
			assert.Equal(t, tt.wantTotal, d.TotalBytes)
			assert.Equal(t, tt.wantStatus, d.Status)
		})
	}
}

func TestBridgeUpdatesRegistry(t *testing.T) {
	r := NewRegistry()
	_, err := r.BeginDownload("https://youtu.be/abc", "https://www.youtube.com/watch?v=abc", "u", "c")
	require.NoError(t, err)
	b := NewProgressBridge(r, "https://www.youtube.com/watch?v=abc")

	b.OnEvent(ProgressEvent{Status: EventDownloading, DownloadedBytes: 10, TotalBytes: 40, Speed: 5, ETA: 6})
	st, _ := r.Snapshot("https://youtu.be/abc")
	assert.Equal(t, 25, st.PercentRounded)
	assert.Equal(t, StatusDownloading, st.Status)

	b.OnEvent(ProgressEvent{Status: EventFinished, Filename: "/tmp/abc.mp4", CanonicalURL: "https://www.youtube.com/watch?v=abc&feature=x"})
	st, _ = r.Snapshot("https://youtu.be/abc")
	assert.Equal(t, 100, st.PercentRounded)
	assert.Equal(t, StatusFinished, st.Status)
	assert.Equal(t, "/tmp/abc.mp4", st.Filename)
	assert.Equal(t, int64(40), st.DownloadedBytes)
}

func TestBridgeAfterEndIsNoop(t *testing.T) {
	r := NewRegistry()
	_, err := r.BeginDownload("https://example.com/v", "", "u", "c")
	require.NoError(t, err)
	b := NewProgressBridge(r, "https://example.com/v")
	r.EndDownload("https://example.com/v")

	assert.NotPanics(t, func() {
		b.OnEvent(ProgressEvent{Status: EventFinished})
	})
	assert.Zero(t, r.Len())
}
