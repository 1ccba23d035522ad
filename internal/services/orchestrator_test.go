package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coah80/grabbot/internal/cache"
	"github.com/coah80/grabbot/internal/database"
	"github.com/coah80/grabbot/internal/quota"
)

type fakeBackend struct {
	mu       sync.Mutex
	infos    map[string]*MediaInfo
	playlist *PlaylistInfo
	fetches  atomic.Int32
	formats  []string
	fetch    func(ctx context.Context, req FetchRequest) (*FetchResult, error)
}

func (f *fakeBackend) Probe(ctx context.Context, url string) (*MediaInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if info, ok := f.infos[url]; ok {
		return info, nil
	}
	return &MediaInfo{
		Title:        "Title of " + url,
		Duration:     120,
		CanonicalURL: url,
		Formats:      []Format{{ID: "22", Height: 720}},
	}, nil
}

func (f *fakeBackend) Fetch(ctx context.Context, req FetchRequest) (*FetchResult, error) {
	f.fetches.Add(1)
	f.mu.Lock()
	f.formats = append(f.formats, req.Format)
	f.mu.Unlock()
	return f.fetch(ctx, req)
}

func (f *fakeBackend) ProbePlaylist(ctx context.Context, url string) (*PlaylistInfo, error) {
	if f.playlist == nil {
		return nil, fmt.Errorf("%w: not a playlist", ErrResourceUnavailable)
	}
	return f.playlist, nil
}

// fetchOfSize writes a sparse file of size bytes and reports it like yt-dlp.
func fetchOfSize(size int64) func(context.Context, FetchRequest) (*FetchResult, error) {
	return func(ctx context.Context, req FetchRequest) (*FetchResult, error) {
		path := filepath.Join(req.OutputDir, uuid.NewString()+".mp4")
		f, err := os.Create(path)
		if err != nil {
			return nil, err
		}
		f.Close()
		if err := os.Truncate(path, size); err != nil {
			return nil, err
		}
		req.OnEvent(ProgressEvent{Status: EventDownloading, DownloadedBytes: size / 2, TotalBytes: size})
		req.OnEvent(ProgressEvent{Status: EventFinished, DownloadedBytes: size, TotalBytes: size, Filename: path})
		return &FetchResult{FilePath: path, Title: "Fetched", SizeBytes: size}, nil
	}
}

// blockingFetch writes a partial file, reports it, then waits for ctx.
func blockingFetch(started chan<- string) func(context.Context, FetchRequest) (*FetchResult, error) {
	return func(ctx context.Context, req FetchRequest) (*FetchResult, error) {
		partial := filepath.Join(req.OutputDir, uuid.NewString()+".mp4.part")
		if err := os.WriteFile(partial, []byte("partial"), 0o644); err != nil {
			return nil, err
		}
		req.OnEvent(ProgressEvent{Status: EventDownloading, DownloadedBytes: 7, TotalBytes: 70, Filename: partial})
		if started != nil {
			started <- partial
		}
		<-ctx.Done()
		return nil, contextError(ctx.Err())
	}
}

type fakeAdmission struct {
	mu       sync.Mutex
	deny     error
	outcomes []string
}

func (a *fakeAdmission) Admit(ctx context.Context, ownerID string) error { return a.deny }

func (a *fakeAdmission) Record(ctx context.Context, ownerID, url, quality string, size int64, outcome string) error {
	a.mu.Lock()
	a.outcomes = append(a.outcomes, outcome)
	a.mu.Unlock()
	return nil
}

func (a *fakeAdmission) recorded() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.outcomes...)
}

type testEnv struct {
	orch      *Orchestrator
	backend   *fakeBackend
	cache     *cache.Store
	admission *fakeAdmission
	tool      *fakeMediaTool
	dir       string
}

func newTestEnv(t *testing.T, opts ...OrchestratorOption) *testEnv {
	t.Helper()
	dir := t.TempDir()
	db, err := database.Open(filepath.Join(dir, "grabbot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := cache.New(db, time.Hour)
	require.NoError(t, err)

	env := &testEnv{
		backend:   &fakeBackend{fetch: fetchOfSize(10 * mib)},
		cache:     store,
		admission: &fakeAdmission{},
		tool:      &fakeMediaTool{duration: 120},
		dir:       filepath.Join(dir, "downloads"),
	}
	base := []OrchestratorOption{
		WithCache(store),
		WithAdmission(env.admission),
		WithValidator(func(string) error { return nil }),
		WithOutputDir(env.dir),
		WithProgressInterval(5 * time.Millisecond),
		WithTimeout(5 * time.Second),
		WithMinFreeSpace(0),
		WithLimiter(NewLimiter(2)),
		WithPlaylistLimits(10, 2),
	}
	env.orch = NewOrchestrator(env.backend, NewPipeline(env.tool, 50*mib, 1, zerolog.Nop()), append(base, opts...)...)
	return env
}

func waitForState(t *testing.T, o *Orchestrator, url string, ok func(DownloadState) bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, live := o.CurrentProgress(url)
		return live && ok(st)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRequestDownloadCompletes(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.orch.RequestDownload(context.Background(), Request{URL: "https://example.com/v/1", OwnerID: "u1"})
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, "Fetched", res.Title)
	assert.Equal(t, "auto", res.Quality)
	require.Len(t, res.Parts, 1)
	assert.Equal(t, res.FilePath, res.Parts[0].Path)

	_, live := env.orch.CurrentProgress("https://example.com/v/1")
	assert.False(t, live, "registry is cleaned after completion")
	assert.Equal(t, 0, env.orch.Limiter().InUse())
	assert.Equal(t, []string{quota.OutcomeCompleted}, env.admission.recorded())

	res.Release()
	assert.FileExists(t, res.FilePath, "cached artifacts survive release")
}

func TestRequestDownloadCacheHit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.orch.RequestDownload(ctx, Request{URL: "https://example.com/v/2", Quality: "high"})
	require.NoError(t, err)
	first.Release()

	second, err := env.orch.RequestDownload(ctx, Request{URL: "https://EXAMPLE.com/v/2?ref=share", Quality: "high"})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.FilePath, second.FilePath)
	assert.Equal(t, int32(1), env.backend.fetches.Load())
	assert.Equal(t, []string{quota.OutcomeCompleted, quota.OutcomeCached}, env.admission.recorded())

	_, err = env.orch.RequestDownload(ctx, Request{URL: "https://example.com/v/2", Quality: "low"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), env.backend.fetches.Load(), "quality is part of the cache key")
}

func TestRequestDownloadWithoutCacheRemovesFileOnRelease(t *testing.T) {
	env := newTestEnv(t, WithCache(nil))

	res, err := env.orch.RequestDownload(context.Background(), Request{URL: "https://example.com/v/3"})
	require.NoError(t, err)
	assert.FileExists(t, res.FilePath)

	res.Release()
	res.Release()
	assert.NoFileExists(t, res.FilePath)
}

func TestRequestDownloadDuplicateIsRejected(t *testing.T) {
	env := newTestEnv(t)
	release := make(chan struct{})
	env.backend.fetch = func(ctx context.Context, req FetchRequest) (*FetchResult, error) {
		<-release
		return fetchOfSize(mib)(ctx, req)
	}

	url := "https://example.com/v/4"
	done := make(chan error, 1)
	go func() {
		res, err := env.orch.RequestDownload(context.Background(), Request{URL: url})
		if err == nil {
			res.Release()
		}
		done <- err
	}()
	waitForState(t, env.orch, url, func(st DownloadState) bool { return st.Status == StatusDownloading })

	_, err := env.orch.RequestDownload(context.Background(), Request{URL: "https://example.com/v/4?utm_source=x#t=3"})
	require.ErrorIs(t, err, ErrAlreadyActive)
	assert.Equal(t, "A download for this link is already running", UserMessage(err))

	close(release)
	require.NoError(t, <-done, "first request is unaffected")
	assert.Equal(t, int32(1), env.backend.fetches.Load())
}

func TestCancelMidTransferRemovesPartial(t *testing.T) {
	env := newTestEnv(t)
	started := make(chan string, 1)
	env.backend.fetch = blockingFetch(started)

	url := "https://example.com/v/5"
	done := make(chan error, 1)
	go func() {
		_, err := env.orch.RequestDownload(context.Background(), Request{URL: url})
		done <- err
	}()

	partial := <-started
	waitForState(t, env.orch, url, func(st DownloadState) bool { return st.Filename == partial })
	require.True(t, env.orch.Cancel(url))

	err := <-done
	require.ErrorIs(t, err, ErrCancelled)
	_, live := env.orch.CurrentProgress(url)
	assert.False(t, live)
	assert.NoFileExists(t, partial)
	assert.Equal(t, 0, env.orch.Limiter().InUse())
	assert.Equal(t, []string{quota.OutcomeCancelled}, env.admission.recorded())

	assert.False(t, env.orch.Cancel(url), "nothing left to cancel")
}

func TestRequestDownloadTimeout(t *testing.T) {
	env := newTestEnv(t, WithTimeout(50*time.Millisecond))
	env.backend.fetch = blockingFetch(nil)

	_, err := env.orch.RequestDownload(context.Background(), Request{URL: "https://example.com/v/6"})
	require.ErrorIs(t, err, ErrTimeout)
	assert.Zero(t, env.orch.Registry().Len())

	entries, err := os.ReadDir(env.dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "timed out partial is removed")
}

func TestRequestDownloadBackendFailure(t *testing.T) {
	env := newTestEnv(t)
	env.backend.fetch = func(ctx context.Context, req FetchRequest) (*FetchResult, error) {
		req.OnEvent(ProgressEvent{Status: EventError})
		return nil, fmt.Errorf("fetch: %w: Private video", ErrResourceUnavailable)
	}

	_, err := env.orch.RequestDownload(context.Background(), Request{URL: "https://example.com/v/7"})
	require.ErrorIs(t, err, ErrResourceUnavailable)
	assert.Zero(t, env.orch.Registry().Len())
	assert.Equal(t, []string{quota.OutcomeFailed}, env.admission.recorded())
}

func TestTimeoutWaitingForSlot(t *testing.T) {
	env := newTestEnv(t, WithLimiter(NewLimiter(1)), WithTimeout(200*time.Millisecond))
	started := make(chan string, 2)
	env.backend.fetch = blockingFetch(started)

	first := make(chan error, 1)
	go func() {
		_, err := env.orch.RequestDownload(context.Background(), Request{URL: "https://example.com/slot/a"})
		first <- err
	}()
	<-started

	_, err := env.orch.RequestDownload(context.Background(), Request{URL: "https://example.com/slot/b"})
	require.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrCancelled)
	assert.Equal(t, "The download took too long and was stopped", UserMessage(err))

	require.ErrorIs(t, <-first, ErrTimeout)
	assert.Equal(t, []string{quota.OutcomeFailed, quota.OutcomeFailed}, env.admission.recorded())
}

func TestFailedFetchRemovesReportedFile(t *testing.T) {
	env := newTestEnv(t)
	var reported string
	env.backend.fetch = func(ctx context.Context, req FetchRequest) (*FetchResult, error) {
		reported = filepath.Join(req.OutputDir, "x.mp4")
		require.NoError(t, os.WriteFile(reported, []byte("half"), 0o644))
		require.NoError(t, os.WriteFile(reported+".part", []byte("rest"), 0o644))
		req.OnEvent(ProgressEvent{Status: EventDownloading, DownloadedBytes: 4, TotalBytes: 8, Filename: reported})
		return nil, fmt.Errorf("fetch: %w: connection reset", ErrTransient)
	}

	_, err := env.orch.RequestDownload(context.Background(), Request{URL: "https://example.com/v/half"})
	require.ErrorIs(t, err, ErrTransient)
	assert.NoFileExists(t, reported, "nothing in the cache refers to it")
	assert.NoFileExists(t, reported+".part")
}

func TestFailureAfterCachingKeepsCachedFile(t *testing.T) {
	env := newTestEnv(t)
	env.backend.fetch = fetchOfSize(60 * mib)
	env.tool.probeErr = errors.New("moov atom not found")

	_, err := env.orch.RequestDownload(context.Background(), Request{URL: "https://example.com/v/big"})
	require.ErrorIs(t, err, ErrSplitFailure)

	entry, err := env.cache.Lookup(context.Background(), "https://example.com/v/big", "auto")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.FileExists(t, entry.FilePath, "cached file survives the failed split")
}

func TestRequestDownloadSplitsLargeArtifact(t *testing.T) {
	env := newTestEnv(t)
	env.backend.fetch = fetchOfSize(80 * mib)

	res, err := env.orch.RequestDownload(context.Background(), Request{URL: "https://example.com/v/8"})
	require.NoError(t, err)
	require.Len(t, res.Parts, 2)

	var covered float64
	for i, c := range env.tool.cuts {
		if c.Duration == 0 {
			covered += env.tool.duration - c.Start
		} else {
			covered += c.Duration
		}
		assert.Equal(t, float64(i)*60, c.Start)
	}
	assert.Equal(t, env.tool.duration, covered)

	res.Release()
	assert.NoFileExists(t, res.Parts[0].Path)
	assert.NoFileExists(t, res.Parts[1].Path)
	assert.FileExists(t, res.FilePath)
}

func TestRequestDownloadRejections(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.orch.RequestDownload(context.Background(), Request{URL: "https://example.com/v", Quality: "8k"})
	assert.ErrorIs(t, err, ErrUnknownFormat)

	env.admission.deny = quota.ErrLimitReached
	_, err = env.orch.RequestDownload(context.Background(), Request{URL: "https://example.com/v"})
	assert.ErrorIs(t, err, quota.ErrLimitReached)

	bad := newTestEnv(t, WithValidator(func(string) error { return ErrInvalidURL }))
	_, err = bad.orch.RequestDownload(context.Background(), Request{URL: "http://127.0.0.1/"})
	assert.ErrorIs(t, err, ErrInvalidURL)

	assert.Zero(t, env.backend.fetches.Load())
}

func TestProgressLoopReportsOnlyChanges(t *testing.T) {
	env := newTestEnv(t)
	env.backend.fetch = func(ctx context.Context, req FetchRequest) (*FetchResult, error) {
		for _, pct := range []int64{10, 10, 10, 40, 40, 90} {
			req.OnEvent(ProgressEvent{Status: EventDownloading, DownloadedBytes: pct, TotalBytes: 100})
			time.Sleep(15 * time.Millisecond)
		}
		return fetchOfSize(mib)(ctx, req)
	}

	var mu sync.Mutex
	var seen []int
	_, err := env.orch.RequestDownload(context.Background(), Request{
		URL: "https://example.com/v/9",
		Reporter: ReporterFunc(func(st DownloadState) {
			mu.Lock()
			seen = append(seen, st.PercentRounded)
			mu.Unlock()
		}),
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	for i := 1; i < len(seen); i++ {
		assert.NotEqual(t, seen[i-1], seen[i], "consecutive reports differ")
	}
}

func TestResolveFormat(t *testing.T) {
	hd := &MediaInfo{Formats: []Format{{Height: 480}, {Height: 1080}}}
	sd := &MediaInfo{Formats: []Format{{Height: 720}}}

	_, q := resolveFormat("auto", hd)
	assert.Equal(t, "high", q)
	_, q = resolveFormat("auto", sd)
	assert.Equal(t, "medium", q)
	_, q = resolveFormat("audio", hd)
	assert.Equal(t, "audio", q)
}

func TestAutoQualityReachesBackend(t *testing.T) {
	env := newTestEnv(t)
	env.backend.infos = map[string]*MediaInfo{
		"https://example.com/hd": {CanonicalURL: "https://example.com/hd", Formats: []Format{{Height: 2160}}},
	}
	res, err := env.orch.RequestDownload(context.Background(), Request{URL: "https://example.com/hd"})
	require.NoError(t, err)
	res.Release()

	want, _ := resolveFormat("high", nil)
	assert.Equal(t, []string{want}, env.backend.formats)
}

func TestCancelBeforeSlotFrees(t *testing.T) {
	env := newTestEnv(t, WithLimiter(NewLimiter(1)))
	started := make(chan string, 1)
	env.backend.fetch = blockingFetch(started)

	go func() { _, _ = env.orch.RequestDownload(context.Background(), Request{URL: "https://example.com/a"}) }()
	<-started

	done := make(chan error, 1)
	go func() {
		_, err := env.orch.RequestDownload(context.Background(), Request{URL: "https://example.com/b"})
		done <- err
	}()
	waitForState(t, env.orch, "https://example.com/b", func(st DownloadState) bool { return st.Status == StatusInitializing })

	require.True(t, env.orch.Cancel("https://example.com/b"))
	assert.True(t, errors.Is(<-done, ErrCancelled))
	assert.Equal(t, int32(1), env.backend.fetches.Load(), "cancelled request never fetched")

	env.orch.Cancel("https://example.com/a")
	require.Eventually(t, func() bool { return env.orch.Registry().Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestBackendPanicBecomesTransient(t *testing.T) {
	env := newTestEnv(t)
	env.backend.fetch = func(ctx context.Context, req FetchRequest) (*FetchResult, error) {
		panic("extractor exploded")
	}

	_, err := env.orch.RequestDownload(context.Background(), Request{URL: "https://example.com/v/panic"})
	require.ErrorIs(t, err, ErrTransient)
	assert.Zero(t, env.orch.Registry().Len())
	assert.Equal(t, 0, env.orch.Limiter().InUse())
}
