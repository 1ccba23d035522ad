package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Segment is one cut of a source file. A zero Duration means "to the end".
type Segment struct {
	Index    int
	Start    float64
	Duration float64
}

// PlanSegments splits a file of duration seconds and size bytes into
// ceil(size/maxSegmentBytes) equal-duration pieces, none shorter than
// minDuration. The last piece is left unbounded so rounding never drops the
// tail. A file that already fits yields a single unbounded segment.
func PlanSegments(duration float64, size, maxSegmentBytes int64, minDuration float64) []Segment {
	if maxSegmentBytes <= 0 || size <= maxSegmentBytes || duration <= 0 {
		return []Segment{{Index: 0}}
	}
	n := int(math.Ceil(float64(size) / float64(maxSegmentBytes)))
	d := math.Max(minDuration, duration/float64(n))

	segs := make([]Segment, 0, n)
	for i := 0; i < n; i++ {
		start := float64(i) * d
		if i > 0 && start >= duration {
			break
		}
		segs = append(segs, Segment{Index: i, Start: start, Duration: d})
	}
	// minDuration can stop the loop early, so the last planned segment,
	// whichever it is, absorbs the remainder.
	segs[len(segs)-1].Duration = 0
	return segs
}

// Artifact is a completed download handed to the pipeline.
type Artifact struct {
	FilePath  string
	Title     string
	SizeBytes int64
}

// Part is one deliverable file. Owned parts were created by the pipeline
// and are removed by Release; the original artifact never is.
type Part struct {
	Path      string
	SizeBytes int64
	Index     int
	Count     int
	Owned     bool
}

// Pipeline turns an artifact into parts that each fit the transfer limit.
type Pipeline struct {
	tool        MediaTool
	maxBytes    int64
	minDuration float64
	logger      zerolog.Logger
}

func NewPipeline(tool MediaTool, maxSegmentBytes int64, minDuration float64, logger zerolog.Logger) *Pipeline {
	return &Pipeline{tool: tool, maxBytes: maxSegmentBytes, minDuration: minDuration, logger: logger}
}

func (p *Pipeline) MaxBytes() int64 { return p.maxBytes }

// Prepare returns the artifact itself when it fits, otherwise cuts it into
// segments named <base>_partN<ext> next to the source. Segments the cutter
// fails to produce are skipped; producing none is ErrSplitFailure.
func (p *Pipeline) Prepare(ctx context.Context, a Artifact) ([]Part, error) {
	size := a.SizeBytes
	if info, err := os.Stat(a.FilePath); err == nil {
		size = info.Size()
	} else {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	if p.maxBytes <= 0 || size <= p.maxBytes {
		return []Part{{Path: a.FilePath, SizeBytes: size, Index: 0, Count: 1}}, nil
	}

	duration, err := p.tool.ProbeDuration(ctx, a.FilePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSplitFailure, err)
	}

	segs := PlanSegments(duration, size, p.maxBytes, p.minDuration)
	p.logger.Info().
		Str("file", filepath.Base(a.FilePath)).
		Str("size", humanize.IBytes(uint64(size))).
		Str("limit", humanize.IBytes(uint64(p.maxBytes))).
		Float64("duration", duration).
		Int("segments", len(segs)).
		Msg("splitting artifact")

	ext := filepath.Ext(a.FilePath)
	base := strings.TrimSuffix(a.FilePath, ext)

	parts := make([]Part, 0, len(segs))
	for _, seg := range segs {
		if err := ctx.Err(); err != nil {
			p.Release(parts)
			return nil, contextError(err)
		}
		tmp := filepath.Join(filepath.Dir(a.FilePath), uuid.NewString()+ext)
		if err := p.tool.Cut(ctx, a.FilePath, seg.Start, seg.Duration, tmp); err != nil {
			p.logger.Warn().Err(err).Int("segment", seg.Index).Msg("segment cut failed")
			_ = os.Remove(tmp)
			continue
		}
		info, err := os.Stat(tmp)
		if err != nil || info.Size() == 0 {
			p.logger.Warn().Int("segment", seg.Index).Msg("segment missing or empty, skipping")
			_ = os.Remove(tmp)
			continue
		}
		final := fmt.Sprintf("%s_part%d%s", base, len(parts)+1, ext)
		if err := os.Rename(tmp, final); err != nil {
			p.logger.Warn().Err(err).Int("segment", seg.Index).Msg("could not name segment")
			_ = os.Remove(tmp)
			continue
		}
		parts = append(parts, Part{Path: final, SizeBytes: info.Size(), Index: len(parts), Owned: true})
	}

	if len(parts) == 0 {
		return nil, ErrSplitFailure
	}
	for i := range parts {
		parts[i].Count = len(parts)
	}
	return parts, nil
}

// Release removes parts the pipeline created. Failures are logged only.
func (p *Pipeline) Release(parts []Part) {
	for _, part := range parts {
		if !part.Owned {
			continue
		}
		if err := os.Remove(part.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			p.logger.Warn().Err(fmt.Errorf("%w: %w", ErrStorage, err)).Str("file", part.Path).Msg("could not remove segment")
		}
	}
}
