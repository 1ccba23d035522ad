package services

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coah80/grabbot/internal/alerts"
	"github.com/coah80/grabbot/internal/config"
	"github.com/coah80/grabbot/internal/util"
)

var ytdlpErrorRe = regexp.MustCompile(`(?m)ERROR[:\s]+(.+?)$`)

const (
	progressMarker = "[grab] "
	fileMarker     = "[grab-file] "
	titleMarker    = "[grab-title] "

	progressTemplate = "download:" + progressMarker +
		"%(progress.status)s|%(progress.downloaded_bytes)s|%(progress.total_bytes)s|" +
		"%(progress.total_bytes_estimate)s|%(progress.speed)s|%(progress.eta)s|" +
		"%(info.webpage_url)s|%(progress.filename)s"

	stderrTailLimit = 64 * 1024
	maxLineBytes    = 1024 * 1024
)

// Strategy is one way of invoking yt-dlp. Fetch walks the strategy list in
// order until one succeeds.
type Strategy struct {
	Name string
	// Format replaces the requested selector when set.
	Format string
	// Extra returns additional flags for this attempt.
	Extra func() []string
	// Enabled reports whether the strategy is usable at all. Nil means yes.
	Enabled func() bool
	// Retry decides from the previous attempt's stderr whether this strategy
	// is worth trying. Nil means it is tried after any failure that is not
	// ErrResourceUnavailable.
	Retry func(stderr string) bool
}

// DefaultStrategies tries the requested format, then the broadly compatible
// default format, then logged-in cookies, then a proxy.
func DefaultStrategies() []Strategy {
	return []Strategy{
		{Name: "requested"},
		{Name: "default-format", Format: config.DefaultFormat},
		{Name: "cookies", Extra: util.GetCookiesArgs, Enabled: util.HasCookiesFile, Retry: util.NeedsCookiesRetry},
		{Name: "proxy", Extra: util.GetProxyArgs, Enabled: util.HasProxy},
	}
}

// runner executes yt-dlp. Split out so tests can script its output.
type runner interface {
	Stream(ctx context.Context, args []string, onLine func(string)) (stderr string, err error)
	Output(ctx context.Context, args []string) (stdout []byte, stderr string, err error)
}

type YtdlpBackend struct {
	run        runner
	strategies []Strategy
	logger     zerolog.Logger
}

type YtdlpOption func(*YtdlpBackend)

func WithYtdlpLogger(l zerolog.Logger) YtdlpOption {
	return func(b *YtdlpBackend) { b.logger = l }
}

func WithStrategies(s ...Strategy) YtdlpOption {
	return func(b *YtdlpBackend) { b.strategies = s }
}

// WithBinary points at a yt-dlp executable other than the one on PATH.
func WithBinary(path string) YtdlpOption {
	return func(b *YtdlpBackend) {
		if r, ok := b.run.(*execRunner); ok {
			r.binary = path
		}
	}
}

func withRunner(r runner) YtdlpOption {
	return func(b *YtdlpBackend) { b.run = r }
}

func NewYtdlpBackend(opts ...YtdlpOption) *YtdlpBackend {
	b := &YtdlpBackend{
		run:        &execRunner{binary: "yt-dlp"},
		strategies: DefaultStrategies(),
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if r, ok := b.run.(*execRunner); ok {
		r.logger = b.logger
	}
	return b
}

type probeJSON struct {
	Title      string  `json:"title"`
	Duration   float64 `json:"duration"`
	WebpageURL string  `json:"webpage_url"`
	Formats    []struct {
		FormatID       string `json:"format_id"`
		Ext            string `json:"ext"`
		Height         int    `json:"height"`
		Filesize       int64  `json:"filesize"`
		FilesizeApprox int64  `json:"filesize_approx"`
	} `json:"formats"`
}

func (b *YtdlpBackend) Probe(ctx context.Context, url string) (*MediaInfo, error) {
	args := append([]string{"-J", "--no-playlist", "--skip-download"}, util.GetCookiesArgs()...)
	args = append(args, url)

	out, stderr, err := b.run.Output(ctx, args)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, contextError(ctxErr)
		}
		return nil, fmt.Errorf("probe: %w", classifyFailure(stderr))
	}

	var raw probeJSON
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("probe: %w: unreadable metadata: %w", ErrTransient, err)
	}

	info := &MediaInfo{
		Title:        raw.Title,
		Duration:     raw.Duration,
		CanonicalURL: raw.WebpageURL,
	}
	if info.CanonicalURL == "" {
		info.CanonicalURL = url
	}
	for _, f := range raw.Formats {
		size := f.Filesize
		if size == 0 {
			size = f.FilesizeApprox
		}
		info.Formats = append(info.Formats, Format{ID: f.FormatID, Ext: f.Ext, Height: f.Height, Size: size})
	}
	return info, nil
}

func (b *YtdlpBackend) ProbePlaylist(ctx context.Context, url string) (*PlaylistInfo, error) {
	args := append([]string{"--yes-playlist", "--flat-playlist", "-J"}, util.GetCookiesArgs()...)
	args = append(args, url)

	out, stderr, err := b.run.Output(ctx, args)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, contextError(ctxErr)
		}
		return nil, fmt.Errorf("playlist: %w", classifyFailure(stderr))
	}

	var raw struct {
		Title         string          `json:"title"`
		Entries       []PlaylistEntry `json:"entries"`
		PlaylistCount int             `json:"playlist_count"`
	}
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("playlist: %w: unreadable metadata: %w", ErrTransient, err)
	}

	entries := make([]PlaylistEntry, 0, len(raw.Entries))
	for _, e := range raw.Entries {
		if e.URL == "" {
			continue
		}
		entries = append(entries, e)
	}
	count := raw.PlaylistCount
	if count == 0 {
		count = len(entries)
	}
	title := raw.Title
	if title == "" {
		title = "Playlist"
	}
	return &PlaylistInfo{Title: title, Entries: entries, Count: count}, nil
}

// Fetch downloads req.URL, walking the strategy list until one attempt
// succeeds. Leftovers of failed attempts are removed before the next one.
func (b *YtdlpBackend) Fetch(ctx context.Context, req FetchRequest) (*FetchResult, error) {
	if err := util.EnsureDir(req.OutputDir); err != nil {
		return nil, fmt.Errorf("fetch: %w: %w", ErrStorage, err)
	}
	id := uuid.NewString()
	emit := func(ev ProgressEvent) {
		if req.OnEvent != nil {
			req.OnEvent(ev)
		}
	}
	fail := func(err error) (*FetchResult, error) {
		b.removeAttempt(req.OutputDir, id)
		emit(ProgressEvent{Status: EventError, CanonicalURL: req.CanonicalURL})
		return nil, err
	}

	var (
		lastErr    error
		lastStderr string
		tried      = map[string]bool{}
	)
	for _, s := range b.strategies {
		if s.Enabled != nil && !s.Enabled() {
			continue
		}
		if lastErr != nil {
			if s.Retry != nil && !s.Retry(lastStderr) {
				continue
			}
			if s.Retry == nil && errors.Is(lastErr, ErrResourceUnavailable) {
				continue
			}
		}

		format := req.Format
		if s.Format != "" {
			format = s.Format
		}
		var extra []string
		if s.Extra != nil {
			extra = s.Extra()
		}
		sig := format + "\x00" + strings.Join(extra, "\x00")
		if tried[sig] {
			continue
		}
		tried[sig] = true

		b.logger.Debug().Str("url", req.URL).Str("strategy", s.Name).Msg("fetch attempt")
		res, stderr, err := b.attempt(ctx, req, id, format, extra)
		if err == nil {
			emit(ProgressEvent{
				Status:          EventFinished,
				CanonicalURL:    req.CanonicalURL,
				DownloadedBytes: res.SizeBytes,
				TotalBytes:      res.SizeBytes,
				Filename:        res.FilePath,
			})
			return res, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fail(contextError(ctxErr))
		}

		b.logger.Warn().Err(err).Str("url", req.URL).Str("strategy", s.Name).Msg("fetch attempt failed")
		b.removeAttempt(req.OutputDir, id)
		lastErr, lastStderr = err, stderr
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("%w: no usable extraction strategy", ErrTransient)
	}
	if util.NeedsCookiesRetry(lastStderr) {
		alerts.CookieIssue("yt-dlp hit a sign-in check on " + req.URL)
	}
	return fail(fmt.Errorf("fetch: %w", lastErr))
}

func (b *YtdlpBackend) attempt(ctx context.Context, req FetchRequest, id, format string, extra []string) (*FetchResult, string, error) {
	tmpl := filepath.Join(req.OutputDir, id+".%(ext)s")
	args := []string{
		"--no-playlist",
		"--newline",
		"--progress",
		"--progress-template", progressTemplate,
		"--print", "after_move:" + fileMarker + "%(filepath)s",
		"--print", "after_move:" + titleMarker + "%(title)s",
		"-f", format,
		"--merge-output-format", "mp4",
		"-o", tmpl,
	}
	args = append(args, extra...)
	args = append(args, req.URL)

	var (
		mu    sync.Mutex
		path  string
		title string
	)
	stderr, err := b.run.Stream(ctx, args, func(line string) {
		switch {
		case strings.HasPrefix(line, progressMarker):
			if ev, ok := parseProgressLine(line); ok && req.OnEvent != nil {
				if ev.CanonicalURL == "" {
					ev.CanonicalURL = req.CanonicalURL
				}
				req.OnEvent(ev)
			}
		case strings.HasPrefix(line, fileMarker):
			mu.Lock()
			path = strings.TrimSpace(strings.TrimPrefix(line, fileMarker))
			mu.Unlock()
		case strings.HasPrefix(line, titleMarker):
			mu.Lock()
			title = strings.TrimSpace(strings.TrimPrefix(line, titleMarker))
			mu.Unlock()
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, stderr, ctx.Err()
		}
		return nil, stderr, classifyFailure(stderr)
	}

	mu.Lock()
	defer mu.Unlock()
	if path == "" {
		path = findOutput(req.OutputDir, id)
	}
	if path == "" {
		return nil, stderr, fmt.Errorf("%w: downloaded file not found", ErrTransient)
	}
	info, statErr := os.Stat(path)
	if statErr != nil || info.Size() == 0 {
		return nil, stderr, fmt.Errorf("%w: downloaded file missing or empty", ErrTransient)
	}
	return &FetchResult{FilePath: path, Title: title, SizeBytes: info.Size()}, stderr, nil
}

func findOutput(dir, id string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, id) || strings.HasSuffix(name, ".part") ||
			strings.Contains(name, ".part-Frag") || strings.HasSuffix(name, ".ytdl") {
			continue
		}
		return filepath.Join(dir, name)
	}
	return ""
}

func (b *YtdlpBackend) removeAttempt(dir, id string) {
	matches, _ := filepath.Glob(filepath.Join(dir, id+"*"))
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			b.logger.Warn().Err(err).Str("file", m).Msg("could not remove partial download")
		}
	}
}

// parseProgressLine reads one line produced by progressTemplate. yt-dlp
// prints NA for unknown numbers.
func parseProgressLine(line string) (ProgressEvent, bool) {
	body, ok := strings.CutPrefix(line, progressMarker)
	if !ok {
		return ProgressEvent{}, false
	}
	parts := strings.SplitN(body, "|", 8)
	if len(parts) != 8 {
		return ProgressEvent{}, false
	}

	ev := ProgressEvent{
		DownloadedBytes:    parseInt(parts[1]),
		TotalBytes:         parseInt(parts[2]),
		TotalBytesEstimate: parseInt(parts[3]),
		Speed:              parseFloat(parts[4]),
		ETA:                parseFloat(parts[5]),
		CanonicalURL:       naToEmpty(parts[6]),
		Filename:           naToEmpty(parts[7]),
	}
	switch parts[0] {
	case "finished":
		ev.Status = EventFinished
	case "error":
		ev.Status = EventError
	default:
		ev.Status = EventDownloading
	}
	// yt-dlp reports "finished" per stream before merging; only the
	// merged file counts as the terminal event.
	if ev.Status == EventFinished {
		ev.Status = EventDownloading
		if ev.DownloadedBytes == 0 {
			ev.DownloadedBytes = ev.TotalBytes
		}
	}
	return ev, true
}

func naToEmpty(s string) string {
	s = strings.TrimSpace(s)
	if s == "NA" || s == "None" {
		return ""
	}
	return s
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(naToEmpty(s), 64)
	if err != nil {
		return 0
	}
	return f
}

func parseInt(s string) int64 {
	return int64(parseFloat(s))
}

// classifyFailure maps yt-dlp's last ERROR line to the error taxonomy.
func classifyFailure(stderr string) error {
	msg := "yt-dlp failed"
	if m := ytdlpErrorRe.FindAllStringSubmatch(stderr, -1); len(m) > 0 {
		msg = strings.TrimSpace(m[len(m)-1][1])
	}
	for _, needle := range config.UnavailableErrors {
		if strings.Contains(stderr, needle) {
			return fmt.Errorf("%w: %s", ErrResourceUnavailable, msg)
		}
	}
	return fmt.Errorf("%w: %s", ErrTransient, msg)
}

func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrCancelled, err)
}

type execRunner struct {
	binary string
	logger zerolog.Logger
}

func (r *execRunner) command(ctx context.Context, args []string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, r.binary, args...)
	setupProcessGroup(cmd, r.logger)
	cmd.WaitDelay = 5 * time.Second
	return cmd
}

func (r *execRunner) Stream(ctx context.Context, args []string, onLine func(string)) (string, error) {
	cmd := r.command(ctx, args)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", err
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start %s: %w", r.binary, err)
	}

	var (
		tail strings.Builder
		mu   sync.Mutex
		wg   sync.WaitGroup
	)
	scan := func(rd io.Reader, keep bool) {
		defer wg.Done()
		err := scanLines(rd, func(line string) {
			if keep {
				mu.Lock()
				if tail.Len() < stderrTailLimit {
					tail.WriteString(line)
					tail.WriteByte('\n')
				}
				mu.Unlock()
			}
			onLine(line)
		})
		if err != nil {
			r.logger.Warn().Err(err).Msg("output line too long, rest discarded")
		}
	}
	wg.Add(2)
	go scan(stdout, false)
	go scan(stderr, true)
	wg.Wait()

	err = cmd.Wait()
	return tail.String(), err
}

// scanLines feeds rd to onLine a line at a time. A line over maxLineBytes
// stops the scan, and the rest of rd is drained so the writer never blocks
// on a full pipe.
func scanLines(rd io.Reader, onLine func(string)) error {
	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		onLine(sc.Text())
	}
	err := sc.Err()
	if _, derr := io.Copy(io.Discard, rd); err == nil {
		err = derr
	}
	return err
}

func (r *execRunner) Output(ctx context.Context, args []string) ([]byte, string, error) {
	cmd := r.command(ctx, args)
	out, err := cmd.Output()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return out, string(exitErr.Stderr), err
	}
	return out, "", err
}
