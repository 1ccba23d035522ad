package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/coah80/grabbot/internal/config"
	"github.com/coah80/grabbot/internal/util"
)

// FFmpegTool implements MediaTool with the ffprobe and ffmpeg binaries.
type FFmpegTool struct {
	FFmpeg  string
	FFprobe string
	Logger  zerolog.Logger
}

func NewFFmpegTool(logger zerolog.Logger) *FFmpegTool {
	return &FFmpegTool{FFmpeg: "ffmpeg", FFprobe: "ffprobe", Logger: logger}
}

func (t *FFmpegTool) ProbeDuration(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, t.FFprobe, util.FFprobeDurationArgs(path)...)
	setupProcessGroup(cmd, t.Logger)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: %w", filepath.Base(path), err)
	}
	d, err := parseDuration(out)
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: %w", filepath.Base(path), err)
	}
	return d, nil
}

// parseDuration reads the seconds ffprobe printed. Only a finite positive
// number is usable for planning segments.
func parseDuration(out []byte) (float64, error) {
	s := strings.TrimSpace(string(out))
	d, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(d) || math.IsInf(d, 0) || d <= 0 {
		return 0, fmt.Errorf("no usable duration in %q", s)
	}
	return d, nil
}

func (t *FFmpegTool) Cut(ctx context.Context, path string, start, duration float64, out string) error {
	cmd := exec.CommandContext(ctx, t.FFmpeg, util.FFmpegCutArgs(path, start, duration, out)...)
	setupProcessGroup(cmd, t.Logger)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		tail := stderr.String()
		if len(tail) > 500 {
			tail = tail[len(tail)-500:]
		}
		t.Logger.Warn().Err(err).Str("input", path).Float64("start", start).Str("stderr", tail).Msg("ffmpeg cut failed")
		return fmt.Errorf("ffmpeg cut at %.3fs (code %d): %w", start, cmd.ProcessState.ExitCode(), err)
	}
	return nil
}

func GetMimeType(ext string) string {
	if mime, ok := config.ContainerMIMEs[strings.TrimPrefix(strings.ToLower(ext), ".")]; ok {
		return mime
	}
	return "application/octet-stream"
}

// StreamFile writes path to w as an attachment named filename.
func StreamFile(w http.ResponseWriter, path, filename string, logger zerolog.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		http.Error(w, "File not found", http.StatusNotFound)
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		http.Error(w, "File not found", http.StatusNotFound)
		return err
	}

	ext := filepath.Ext(path)
	safe := util.SanitizeFilename(strings.TrimSuffix(filename, ext))
	full := safe + ext

	w.Header().Set("Content-Type", GetMimeType(ext))
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="%s"; filename*=UTF-8''%s`, toASCII(full), url.PathEscape(full)))

	if _, err := io.Copy(w, f); err != nil {
		logger.Warn().Err(err).Str("file", path).Msg("stream interrupted")
		return err
	}
	return nil
}

func toASCII(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= 0x20 && r <= 0x7E && r != '"' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}
