package services

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/coah80/grabbot/internal/util"
)

type Status int

const (
	StatusInitializing Status = iota + 1
	StatusDownloading
	StatusFinished
	StatusCancelled
	StatusErrored
)

func (s Status) String() string {
	switch s {
	case StatusInitializing:
		return "initializing"
	case StatusDownloading:
		return "downloading"
	case StatusFinished:
		return "finished"
	case StatusCancelled:
		return "cancelled"
	case StatusErrored:
		return "errored"
	}
	return "unknown"
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ProcessHandle stops the external process doing the transfer.
// Terminate must be safe to call more than once.
type ProcessHandle interface {
	Terminate()
}

// ProcessFunc adapts a plain function, typically a context.CancelFunc.
type ProcessFunc func()

func (f ProcessFunc) Terminate() { f() }

// DownloadState is the live record of one in-flight request. Values handed
// out by the registry are copies.
type DownloadState struct {
	URL             string    `json:"url"`
	CanonicalURL    string    `json:"canonicalUrl"`
	Status          Status    `json:"status"`
	Percent         float64   `json:"percent"`
	PercentRounded  int       `json:"percentRounded"`
	DownloadedBytes int64     `json:"downloadedBytes"`
	TotalBytes      int64     `json:"totalBytes"`
	Speed           float64   `json:"speed"`
	ETA             float64   `json:"eta"`
	Filename        string    `json:"filename,omitempty"`
	OwnerID         string    `json:"ownerId"`
	DestinationID   string    `json:"destinationId"`
	Cancelled       bool      `json:"cancelled"`
	CreatedAt       time.Time `json:"createdAt"`
	LastUpdateAt    time.Time `json:"lastUpdateAt"`

	canonicalKey string
	process      ProcessHandle
}

// ProgressDelta carries the fields a progress event wants to change.
// Zero Status, zero TotalBytes and an empty Filename leave the stored
// values untouched.
type ProgressDelta struct {
	Status          Status
	DownloadedBytes int64
	TotalBytes      int64
	Speed           float64
	ETA             float64
	Percent         float64
	Filename        string
}

// Handle identifies a registered download by its normalized keys.
type Handle struct {
	Key          string
	CanonicalKey string
}

// Registry tracks in-flight downloads keyed by the normalized URL the user
// submitted, plus an index from the normalized canonical URL reported by
// the backend back to that key. Both maps share one lock and are only ever
// changed together.
type Registry struct {
	mu        sync.Mutex
	states    map[string]*DownloadState
	canonical map[string]string

	now    func() time.Time
	logger zerolog.Logger
}

type RegistryOption func(*Registry)

func WithRegistryLogger(l zerolog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		states:    make(map[string]*DownloadState),
		canonical: make(map[string]string),
		now:       time.Now,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// BeginDownload registers url. It fails with ErrAlreadyActive when url is
// already live, or when canonicalURL is already claimed by another live
// download. An empty canonicalURL falls back to url.
func (r *Registry) BeginDownload(url, canonicalURL, ownerID, destinationID string) (Handle, error) {
	key := util.NormalizeURL(url)
	if canonicalURL == "" {
		canonicalURL = url
	}
	ckey := util.NormalizeURL(canonicalURL)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, live := r.states[key]; live {
		return Handle{}, ErrAlreadyActive
	}
	if owner, claimed := r.canonical[ckey]; claimed && owner != key {
		return Handle{}, ErrAlreadyActive
	}

	now := r.now()
	r.states[key] = &DownloadState{
		URL:           url,
		CanonicalURL:  canonicalURL,
		Status:        StatusInitializing,
		OwnerID:       ownerID,
		DestinationID: destinationID,
		CreatedAt:     now,
		LastUpdateAt:  now,
		canonicalKey:  ckey,
	}
	r.canonical[ckey] = key
	return Handle{Key: key, CanonicalKey: ckey}, nil
}

// UpdateProgress merges delta into the download indexed under canonicalURL.
// Events for unknown URLs are dropped; this happens routinely when a
// download finishes or is cancelled while the backend is still reporting.
// Once a download is cancelled only the filename is still recorded, so the
// partial file can be found for cleanup.
func (r *Registry) UpdateProgress(canonicalURL string, d ProgressDelta) bool {
	ckey := util.NormalizeURL(canonicalURL)

	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := r.canonical[ckey]
	if !ok {
		r.logger.Debug().Str("canonical", ckey).Msg("progress for unregistered download dropped")
		return false
	}
	st := r.states[key]
	if st == nil {
		r.logger.Warn().Str("canonical", ckey).Str("key", key).Msg("canonical index points at missing state")
		return false
	}

	if d.Filename != "" {
		st.Filename = d.Filename
	}
	if st.Cancelled {
		return false
	}

	if d.Status != 0 {
		st.Status = d.Status
	}
	if d.DownloadedBytes > 0 {
		st.DownloadedBytes = d.DownloadedBytes
	}
	if d.TotalBytes > 0 {
		st.TotalBytes = d.TotalBytes
	}
	if d.Status == StatusFinished && st.TotalBytes > 0 {
		st.DownloadedBytes = st.TotalBytes
	}
	st.Speed = d.Speed
	st.ETA = d.ETA
	st.Percent = clampPercent(d.Percent)
	st.PercentRounded = int(math.Round(st.Percent))
	st.LastUpdateAt = r.now()
	return true
}

// SetStatus moves a download to status. A cancelled download stays cancelled.
func (r *Registry) SetStatus(url string, status Status) bool {
	key := util.NormalizeURL(url)

	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.states[key]
	if st == nil || (st.Cancelled && status != StatusCancelled) {
		return false
	}
	st.Status = status
	st.LastUpdateAt = r.now()
	return true
}

// AttachProcess hands the registry a way to stop the transfer. If the
// download was cancelled before the process existed, h is terminated right
// away and false is returned.
func (r *Registry) AttachProcess(url string, h ProcessHandle) bool {
	key := util.NormalizeURL(url)

	r.mu.Lock()
	st := r.states[key]
	if st == nil || st.Cancelled {
		r.mu.Unlock()
		if h != nil {
			h.Terminate()
		}
		return false
	}
	st.process = h
	r.mu.Unlock()
	return true
}

// MarkCancelled flags the download as cancelled and stops its process if
// one is attached. It reports whether a live download was found.
func (r *Registry) MarkCancelled(url string) bool {
	key := util.NormalizeURL(url)

	r.mu.Lock()
	st := r.states[key]
	if st == nil {
		r.mu.Unlock()
		return false
	}
	st.Cancelled = true
	st.Status = StatusCancelled
	st.LastUpdateAt = r.now()
	h := st.process
	r.mu.Unlock()

	if h != nil {
		h.Terminate()
	}
	r.logger.Info().Str("url", key).Msg("download cancelled")
	return true
}

func (r *Registry) IsCancelled(url string) bool {
	key := util.NormalizeURL(url)

	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.states[key]
	return st != nil && st.Cancelled
}

// Snapshot returns a copy of the live state for url.
func (r *Registry) Snapshot(url string) (DownloadState, bool) {
	key := util.NormalizeURL(url)

	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.states[key]
	if st == nil {
		return DownloadState{}, false
	}
	return st.copy(), true
}

// EndDownload removes the state and its canonical index entry together and
// returns the removed state. Calling it again returns nil.
func (r *Registry) EndDownload(url string) *DownloadState {
	key := util.NormalizeURL(url)

	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.states[key]
	if st == nil {
		return nil
	}
	delete(r.states, key)
	if r.canonical[st.canonicalKey] == key {
		delete(r.canonical, st.canonicalKey)
	}
	st.process = nil
	out := st.copy()
	return &out
}

// Active lists live downloads, oldest first.
func (r *Registry) Active() []DownloadState {
	r.mu.Lock()
	out := make([]DownloadState, 0, len(r.states))
	for _, st := range r.states {
		out = append(out, st.copy())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}

func (s *DownloadState) copy() DownloadState {
	c := *s
	c.process = nil
	return c
}

func clampPercent(p float64) float64 {
	switch {
	case math.IsNaN(p) || p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}
