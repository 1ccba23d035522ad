package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/coah80/grabbot/internal/cache"
	"github.com/coah80/grabbot/internal/config"
	"github.com/coah80/grabbot/internal/quota"
	"github.com/coah80/grabbot/internal/util"
)

// Cache is the result cache consulted before every download.
type Cache interface {
	Enabled() bool
	Lookup(ctx context.Context, url, quality string) (*cache.Entry, error)
	Put(ctx context.Context, e cache.Entry) error
	Holds(ctx context.Context, path string) bool
}

// Admission decides whether an owner may download and keeps their history.
type Admission interface {
	Admit(ctx context.Context, ownerID string) error
	Record(ctx context.Context, ownerID, url, quality string, sizeBytes int64, outcome string) error
}

// Metrics receives download counters. The zero implementation drops them.
type Metrics interface {
	CacheLookup(hit bool)
	DownloadFinished(outcome string, sizeBytes int64, elapsed time.Duration)
	ActiveDownloads(n int)
}

type nopMetrics struct{}

func (nopMetrics) CacheLookup(bool)                             {}
func (nopMetrics) DownloadFinished(string, int64, time.Duration) {}
func (nopMetrics) ActiveDownloads(int)                          {}

// Reporter is told about progress while a download runs. Progress is only
// called when the rounded percentage changes.
type Reporter interface {
	Progress(st DownloadState)
}

type ReporterFunc func(DownloadState)

func (f ReporterFunc) Progress(st DownloadState) { f(st) }

type Request struct {
	URL           string
	Quality       string
	OwnerID       string
	DestinationID string
	Reporter      Reporter
}

// Result is a delivered download. Call Release once the parts have been
// sent.
type Result struct {
	URL       string
	Title     string
	FilePath  string
	Quality   string
	SizeBytes int64
	Cached    bool
	Parts     []Part

	release func()
	once    sync.Once
}

// Release removes split parts and, unless the cache keeps it, the
// downloaded file.
func (r *Result) Release() {
	if r == nil || r.release == nil {
		return
	}
	r.once.Do(r.release)
}

// Orchestrator runs one request from cache lookup through download,
// caching and delivery preparation, and always cleans up after itself.
type Orchestrator struct {
	registry  *Registry
	limiter   *Limiter
	backend   Backend
	pipeline  *Pipeline
	cache     Cache
	admission Admission
	metrics   Metrics

	validate  func(url string) error
	outputDir string
	interval  time.Duration
	timeout   time.Duration
	minFreeGB float64

	maxPlaylist         int
	playlistConcurrency int
	batchMu             sync.Mutex
	batches             map[string]context.CancelFunc

	logger zerolog.Logger
}

type OrchestratorOption func(*Orchestrator)

func WithRegistry(r *Registry) OrchestratorOption {
	return func(o *Orchestrator) { o.registry = r }
}

func WithLimiter(l *Limiter) OrchestratorOption {
	return func(o *Orchestrator) { o.limiter = l }
}

func WithCache(c Cache) OrchestratorOption {
	return func(o *Orchestrator) { o.cache = c }
}

func WithAdmission(a Admission) OrchestratorOption {
	return func(o *Orchestrator) { o.admission = a }
}

func WithMetrics(m Metrics) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithValidator replaces the public-URL check.
func WithValidator(fn func(url string) error) OrchestratorOption {
	return func(o *Orchestrator) { o.validate = fn }
}

func WithOutputDir(dir string) OrchestratorOption {
	return func(o *Orchestrator) { o.outputDir = dir }
}

func WithProgressInterval(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.interval = d }
}

func WithTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.timeout = d }
}

// WithMinFreeSpace refuses downloads when the output volume has less than
// gb gigabytes free. Zero disables the check.
func WithMinFreeSpace(gb float64) OrchestratorOption {
	return func(o *Orchestrator) { o.minFreeGB = gb }
}

func WithPlaylistLimits(maxVideos, concurrency int) OrchestratorOption {
	return func(o *Orchestrator) {
		o.maxPlaylist = maxVideos
		o.playlistConcurrency = concurrency
	}
}

func WithOrchestratorLogger(l zerolog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

func NewOrchestrator(backend Backend, pipeline *Pipeline, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		backend:             backend,
		pipeline:            pipeline,
		metrics:             nopMetrics{},
		validate:            validatePublicURL,
		outputDir:           config.DownloadDir,
		interval:            config.ProgressInterval,
		timeout:             config.DownloadTimeout,
		minFreeGB:           config.DiskSpaceMinGB,
		maxPlaylist:         config.MaxPlaylistVideos,
		playlistConcurrency: config.PlaylistConcurrency,
		batches:             make(map[string]context.CancelFunc),
		logger:              zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.registry == nil {
		o.registry = NewRegistry(WithRegistryLogger(o.logger))
	}
	if o.limiter == nil {
		o.limiter = NewLimiter(config.MaxConcurrentDownloads)
	}
	if o.interval <= 0 {
		o.interval = time.Second
	}
	return o
}

func validatePublicURL(url string) error {
	if v := util.ValidateURL(url); !v.Valid {
		return fmt.Errorf("%w: %s", ErrInvalidURL, v.Error)
	}
	return nil
}

func (o *Orchestrator) Registry() *Registry { return o.registry }
func (o *Orchestrator) Limiter() *Limiter   { return o.limiter }

// RequestDownload fetches req.URL, or reuses a cached copy, and returns it
// split into deliverable parts.
func (o *Orchestrator) RequestDownload(ctx context.Context, req Request) (*Result, error) {
	if err := o.validate(req.URL); err != nil {
		return nil, err
	}
	quality := req.Quality
	if quality == "" {
		quality = quota.DefaultQuality
	}
	if !config.Contains(config.AllowedQualities, quality) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, quality)
	}
	if o.admission != nil {
		if err := o.admission.Admit(ctx, req.OwnerID); err != nil {
			return nil, err
		}
	}

	started := time.Now()
	res, err := o.run(ctx, req, quality)

	outcome, size := quota.OutcomeFailed, int64(0)
	switch {
	case err == nil && res.Cached:
		outcome, size = quota.OutcomeCached, res.SizeBytes
	case err == nil:
		outcome, size = quota.OutcomeCompleted, res.SizeBytes
	case errors.Is(err, ErrCancelled):
		outcome = quota.OutcomeCancelled
	}
	o.metrics.DownloadFinished(outcome, size, time.Since(started))
	if o.admission != nil && !errors.Is(err, ErrAlreadyActive) {
		if recErr := o.admission.Record(context.WithoutCancel(ctx), req.OwnerID, req.URL, quality, size, outcome); recErr != nil {
			o.logger.Warn().Err(fmt.Errorf("%w: %w", ErrStorage, recErr)).Str("owner", req.OwnerID).Msg("could not record download")
		}
	}

	ev := o.logger.Info()
	if err != nil {
		ev = o.logger.Warn().Err(err)
	}
	ev.Str("url", req.URL).Str("quality", quality).Str("outcome", outcome).Dur("took", time.Since(started)).Msg("download request done")
	return res, err
}

func (o *Orchestrator) run(ctx context.Context, req Request, quality string) (_ *Result, err error) {
	if res, ok, err := o.fromCache(ctx, req.URL, quality); ok || err != nil {
		return res, err
	}

	// cheap early rejection before probing; BeginDownload is authoritative
	if _, live := o.registry.Snapshot(req.URL); live {
		return nil, ErrAlreadyActive
	}
	if err := o.checkDiskSpace(); err != nil {
		return nil, err
	}

	dlCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	info, err := o.backend.Probe(dlCtx, req.URL)
	if err != nil {
		return nil, o.failure(dlCtx, req.URL, err)
	}
	format, resolved := resolveFormat(quality, info)

	if _, err := o.registry.BeginDownload(req.URL, info.CanonicalURL, req.OwnerID, req.DestinationID); err != nil {
		return nil, err
	}
	o.registry.AttachProcess(req.URL, ProcessFunc(cancel))
	o.metrics.ActiveDownloads(o.registry.Len())

	var (
		stopLoop = func() {}
		release  = func() {}
		cached   bool
	)
	defer func() {
		stopLoop()
		st := o.registry.EndDownload(req.URL)
		release()
		o.metrics.ActiveDownloads(o.registry.Len())
		if err != nil && st != nil {
			o.discardPartial(st.Filename, errors.Is(err, ErrCancelled) || !cached)
		}
	}()

	release, err = o.limiter.Acquire(dlCtx)
	if err != nil {
		release = func() {}
		return nil, o.failure(dlCtx, req.URL, err)
	}
	if o.registry.IsCancelled(req.URL) {
		return nil, ErrCancelled
	}
	o.registry.SetStatus(req.URL, StatusDownloading)
	stopLoop = o.startProgressLoop(req.URL, req.Reporter)

	bridge := NewProgressBridge(o.registry, info.CanonicalURL)
	fetched, err := o.fetchOnWorker(dlCtx, FetchRequest{
		URL:          req.URL,
		CanonicalURL: info.CanonicalURL,
		Format:       format,
		OutputDir:    o.outputDir,
		OnEvent:      bridge.OnEvent,
	})
	if err != nil {
		return nil, o.failure(dlCtx, req.URL, err)
	}
	if o.registry.IsCancelled(req.URL) {
		// cancel lost the race with completion; the file is discarded
		// like any other partial
		return nil, ErrCancelled
	}
	o.registry.SetStatus(req.URL, StatusFinished)

	title := fetched.Title
	if title == "" {
		title = info.Title
	}
	cached = o.store(ctx, cache.Entry{
		SourceURL: req.URL,
		Quality:   quality,
		FilePath:  fetched.FilePath,
		SizeBytes: fetched.SizeBytes,
		Title:     title,
	})

	parts, err := o.pipeline.Prepare(dlCtx, Artifact{FilePath: fetched.FilePath, Title: title, SizeBytes: fetched.SizeBytes})
	if err != nil {
		o.registry.SetStatus(req.URL, StatusErrored)
		return nil, err
	}

	o.logger.Debug().Str("url", req.URL).Str("format", resolved).Int("parts", len(parts)).Msg("download prepared")
	return o.newResult(req.URL, quality, title, fetched.FilePath, fetched.SizeBytes, false, parts), nil
}

type fetchOutcome struct {
	res *FetchResult
	err error
}

// fetchOnWorker runs the blocking fetch on its own goroutine and hands the
// outcome back over a channel. A panicking backend becomes ErrTransient.
func (o *Orchestrator) fetchOnWorker(ctx context.Context, req FetchRequest) (*FetchResult, error) {
	out := make(chan fetchOutcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				o.logger.Error().Interface("panic", p).Str("url", req.URL).Msg("backend panicked")
				out <- fetchOutcome{err: fmt.Errorf("%w: backend panic: %v", ErrTransient, p)}
			}
		}()
		res, err := o.backend.Fetch(ctx, req)
		out <- fetchOutcome{res: res, err: err}
	}()
	r := <-out
	return r.res, r.err
}

func (o *Orchestrator) fromCache(ctx context.Context, url, quality string) (*Result, bool, error) {
	if o.cache == nil || !o.cache.Enabled() {
		return nil, false, nil
	}
	entry, err := o.cache.Lookup(ctx, url, quality)
	if err != nil {
		o.logger.Warn().Err(fmt.Errorf("%w: %w", ErrStorage, err)).Str("url", url).Msg("cache lookup failed")
		o.metrics.CacheLookup(false)
		return nil, false, nil
	}
	o.metrics.CacheLookup(entry != nil)
	if entry == nil {
		return nil, false, nil
	}

	parts, err := o.pipeline.Prepare(ctx, Artifact{FilePath: entry.FilePath, Title: entry.Title, SizeBytes: entry.SizeBytes})
	if err != nil {
		return nil, false, err
	}
	o.logger.Info().Str("url", url).Str("quality", quality).Msg("cache hit")
	return o.newResult(url, quality, entry.Title, entry.FilePath, entry.SizeBytes, true, parts), true, nil
}

func (o *Orchestrator) store(ctx context.Context, e cache.Entry) bool {
	if o.cache == nil || !o.cache.Enabled() {
		return false
	}
	if err := o.cache.Put(context.WithoutCancel(ctx), e); err != nil {
		o.logger.Warn().Err(fmt.Errorf("%w: %w", ErrStorage, err)).Str("url", e.SourceURL).Msg("could not cache download")
		return false
	}
	return true
}

func (o *Orchestrator) newResult(url, quality, title, path string, size int64, cached bool, parts []Part) *Result {
	res := &Result{
		URL:       url,
		Title:     title,
		FilePath:  path,
		Quality:   quality,
		SizeBytes: size,
		Cached:    cached,
		Parts:     parts,
	}
	res.release = func() {
		o.pipeline.Release(parts)
		if o.cache != nil && o.cache.Enabled() && o.cache.Holds(context.Background(), path) {
			return
		}
		if err := util.RemovePartials(path); err != nil {
			o.logger.Warn().Err(fmt.Errorf("%w: %w", ErrStorage, err)).Str("file", path).Msg("could not remove download")
		}
	}
	return res
}

// failure maps err to the error the caller sees and marks the state.
func (o *Orchestrator) failure(ctx context.Context, url string, err error) error {
	if o.registry.IsCancelled(url) {
		if errors.Is(err, ErrCancelled) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	o.registry.SetStatus(url, StatusErrored)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

// discardPartial removes what a failed download left behind. all=false
// keeps a finished file the cache still references.
func (o *Orchestrator) discardPartial(path string, all bool) {
	if path == "" {
		return
	}
	remove := util.RemoveFragments
	if all {
		remove = util.RemovePartials
	}
	if err := remove(path); err != nil {
		o.logger.Warn().Err(fmt.Errorf("%w: %w", ErrStorage, err)).Str("file", path).Msg("could not remove partial download")
	}
}

func (o *Orchestrator) checkDiskSpace() error {
	if err := util.EnsureDir(o.outputDir); err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if o.minFreeGB <= 0 {
		return nil
	}
	space, err := util.GetDiskSpace(o.outputDir)
	if err != nil {
		o.logger.Warn().Err(err).Str("dir", o.outputDir).Msg("could not read free disk space")
		return nil
	}
	if space.AvailGB() < o.minFreeGB {
		return fmt.Errorf("%w: low disk space, %s", ErrStorage, space)
	}
	return nil
}

// startProgressLoop polls the registry every interval and reports when the
// rounded percentage moves. The returned func stops the loop and waits for
// it to exit.
func (o *Orchestrator) startProgressLoop(url string, rep Reporter) func() {
	if rep == nil {
		return func() {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(o.interval)
		defer ticker.Stop()

		last := -1
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			st, ok := o.registry.Snapshot(url)
			if !ok || st.Cancelled {
				return
			}
			if st.PercentRounded == last {
				continue
			}
			last = st.PercentRounded
			rep.Progress(st)
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// resolveFormat turns a quality preset into a format selector. auto picks
// high when a 1080p or taller format exists.
func resolveFormat(quality string, info *MediaInfo) (format, resolved string) {
	resolved = quality
	if quality == quota.DefaultQuality {
		resolved = "medium"
		if info != nil && info.MaxHeight() >= 1080 {
			resolved = "high"
		}
	}
	if f, ok := config.QualityFormats[resolved]; ok {
		return f, resolved
	}
	return config.DefaultFormat, resolved
}

// Cancel stops the download or playlist running for url.
func (o *Orchestrator) Cancel(url string) bool {
	if o.cancelBatch(url) {
		return true
	}
	return o.registry.MarkCancelled(url)
}

// CurrentProgress returns a copy of the live state for url.
func (o *Orchestrator) CurrentProgress(url string) (DownloadState, bool) {
	return o.registry.Snapshot(url)
}

func (o *Orchestrator) ActiveDownloads() []DownloadState {
	return o.registry.Active()
}

type QueueStatus struct {
	Active      int `json:"active"`
	Running     int `json:"running"`
	Slots       int `json:"slots"`
	Playlists   int `json:"playlists"`
	MaxPlaylist int `json:"maxPlaylistVideos"`
}

func (o *Orchestrator) QueueStatus() QueueStatus {
	o.batchMu.Lock()
	batches := len(o.batches)
	o.batchMu.Unlock()
	return QueueStatus{
		Active:      o.registry.Len(),
		Running:     o.limiter.InUse(),
		Slots:       o.limiter.Size(),
		Playlists:   batches,
		MaxPlaylist: o.maxPlaylist,
	}
}
