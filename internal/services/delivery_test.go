package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mib = 1024 * 1024

type fakeMediaTool struct {
	mu       sync.Mutex
	duration float64
	probeErr error
	// failAt lists segment start offsets whose cut produces nothing.
	failAt map[float64]bool
	cuts   []Segment
}

func (f *fakeMediaTool) ProbeDuration(ctx context.Context, path string) (float64, error) {
	return f.duration, f.probeErr
}

func (f *fakeMediaTool) Cut(ctx context.Context, path string, start, duration float64, out string) error {
	f.mu.Lock()
	f.cuts = append(f.cuts, Segment{Index: len(f.cuts), Start: start, Duration: duration})
	fail := f.failAt[start]
	f.mu.Unlock()
	if fail {
		return os.WriteFile(out, nil, 0o644)
	}
	return os.WriteFile(out, []byte("segment"), 0o644)
}

// sparseFile creates a file that reports size bytes without using the disk.
func sparseFile(t *testing.T, dir, name string, size int64) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, os.Truncate(path, size))
	return path
}

func TestPlanSegmentsThreeWay(t *testing.T) {
	segs := PlanSegments(100, 3*mib, mib, 1)
	require.Len(t, segs, 3)

	assert.InDelta(t, 0, segs[0].Start, 1e-9)
	assert.InDelta(t, 33.333, segs[1].Start, 0.001)
	assert.InDelta(t, 66.667, segs[2].Start, 0.001)
	assert.Zero(t, segs[2].Duration, "last segment is unbounded")

	// no gaps: each bounded segment ends where the next starts
	for i := 0; i < len(segs)-1; i++ {
		assert.InDelta(t, segs[i+1].Start, segs[i].Start+segs[i].Duration, 1e-9)
	}
}

func TestPlanSegmentsFitsInOne(t *testing.T) {
	segs := PlanSegments(100, mib, 2*mib, 1)
	require.Len(t, segs, 1)
	assert.Equal(t, Segment{Index: 0}, segs[0])

	assert.Len(t, PlanSegments(0, 10*mib, mib, 1), 1, "unknown duration cannot be split")
}

func TestPlanSegmentsMinimumDuration(t *testing.T) {
	// 10 pieces wanted but each must last at least 1s of a 3s clip.
	segs := PlanSegments(3, 10*mib, mib, 1)
	require.Len(t, segs, 3)
	assert.Equal(t, 2.0, segs[2].Start)
	assert.Zero(t, segs[2].Duration)
}

func TestPipelinePassesSmallFilesThrough(t *testing.T) {
	dir := t.TempDir()
	path := sparseFile(t, dir, "small.mp4", 10*mib)
	p := NewPipeline(&fakeMediaTool{duration: 60}, 50*mib, 1, zerolog.Nop())

	parts, err := p.Prepare(context.Background(), Artifact{FilePath: path})
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, path, parts[0].Path)
	assert.False(t, parts[0].Owned)

	p.Release(parts)
	assert.FileExists(t, path, "the artifact itself is never released")
}

func TestPipelineSplitsOversizedFile(t *testing.T) {
	dir := t.TempDir()
	path := sparseFile(t, dir, "big.mp4", 80*mib)
	tool := &fakeMediaTool{duration: 120}
	p := NewPipeline(tool, 50*mib, 1, zerolog.Nop())

	parts, err := p.Prepare(context.Background(), Artifact{FilePath: path, SizeBytes: 80 * mib})
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, filepath.Join(dir, "big_part1.mp4"), parts[0].Path)
	assert.Equal(t, filepath.Join(dir, "big_part2.mp4"), parts[1].Path)
	for _, part := range parts {
		assert.Equal(t, 2, part.Count)
		assert.True(t, part.Owned)
	}

	require.Len(t, tool.cuts, 2)
	assert.Equal(t, 60.0, tool.cuts[0].Duration)
	assert.Equal(t, 60.0, tool.cuts[1].Start)
	assert.Zero(t, tool.cuts[1].Duration)
	covered := tool.cuts[0].Duration + (tool.duration - tool.cuts[1].Start)
	assert.Equal(t, tool.duration, covered)

	p.Release(parts)
	assert.NoFileExists(t, parts[0].Path)
	assert.FileExists(t, path)
}

func TestPipelineSkipsEmptySegments(t *testing.T) {
	dir := t.TempDir()
	path := sparseFile(t, dir, "clip.mp4", 3*mib)
	tool := &fakeMediaTool{duration: 90, failAt: map[float64]bool{30: true}}
	p := NewPipeline(tool, mib, 1, zerolog.Nop())

	parts, err := p.Prepare(context.Background(), Artifact{FilePath: path})
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, 2, parts[1].Count)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 3, "source plus two parts, no empty leftovers")
}

func TestPipelineFailsWhenNothingIsProduced(t *testing.T) {
	dir := t.TempDir()
	path := sparseFile(t, dir, "clip.mp4", 2*mib)
	tool := &fakeMediaTool{duration: 10, failAt: map[float64]bool{0: true, 5: true}}
	p := NewPipeline(tool, mib, 1, zerolog.Nop())

	_, err := p.Prepare(context.Background(), Artifact{FilePath: path})
	assert.ErrorIs(t, err, ErrSplitFailure)

	_, err = NewPipeline(&fakeMediaTool{probeErr: errors.New("no ffprobe")}, mib, 1, zerolog.Nop()).
		Prepare(context.Background(), Artifact{FilePath: path})
	assert.ErrorIs(t, err, ErrSplitFailure)
}

func TestPipelineMissingArtifact(t *testing.T) {
	p := NewPipeline(&fakeMediaTool{}, mib, 1, zerolog.Nop())
	_, err := p.Prepare(context.Background(), Artifact{FilePath: filepath.Join(t.TempDir(), "gone.mp4")})
	assert.ErrorIs(t, err, ErrStorage)
}
