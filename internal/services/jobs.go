package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coah80/grabbot/internal/config"
	"github.com/coah80/grabbot/internal/util"
)

type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobComplete  JobStatus = "complete"
	JobError     JobStatus = "error"
	JobCancelled JobStatus = "cancelled"
)

var ErrJobNotFound = errors.New("job not found")

type JobFile struct {
	Token string `json:"token"`
	Name  string `json:"name"`
	Size  int64  `json:"size"`
	URL   string `json:"url,omitempty"`
}

// Job is an API-submitted download. Values returned by Jobs are copies.
type Job struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Quality   string    `json:"quality"`
	Status    JobStatus `json:"status"`
	Progress  float64   `json:"progress"`
	Speed     float64   `json:"speed,omitempty"`
	ETA       float64   `json:"eta,omitempty"`
	Title     string    `json:"title,omitempty"`
	Cached    bool      `json:"cached,omitempty"`
	Error     string    `json:"error,omitempty"`
	Files     []JobFile `json:"files,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	DoneAt    time.Time `json:"doneAt,omitempty"`

	result *Result
}

type fileRef struct {
	path    string
	name    string
	jobID   string
	expires time.Time
}

// Jobs runs downloads in the background for callers that poll, and hands
// out expiring tokens for the finished files.
type Jobs struct {
	orch *Orchestrator
	ctx  context.Context

	mu    sync.Mutex
	jobs  map[string]*Job
	files map[string]*fileRef
	wg    sync.WaitGroup

	now      func() time.Time
	tokenTTL time.Duration
	jobTTL   time.Duration
	baseURL  string
	logger   zerolog.Logger
}

type JobsOption func(*Jobs)

func WithJobsLogger(l zerolog.Logger) JobsOption {
	return func(j *Jobs) { j.logger = l }
}

func WithJobsClock(now func() time.Time) JobsOption {
	return func(j *Jobs) { j.now = now }
}

func WithJobExpiry(token, job time.Duration) JobsOption {
	return func(j *Jobs) {
		j.tokenTTL = token
		j.jobTTL = job
	}
}

// NewJobs ties background downloads to ctx; cancelling it cancels them.
// WithFileBaseURL makes job files carry an absolute download link under
// base, which is the server's public address.
func WithFileBaseURL(base string) JobsOption {
	return func(j *Jobs) { j.baseURL = strings.TrimRight(base, "/") }
}

func NewJobs(ctx context.Context, orch *Orchestrator, opts ...JobsOption) *Jobs {
	j := &Jobs{
		orch:     orch,
		ctx:      ctx,
		jobs:     make(map[string]*Job),
		files:    make(map[string]*fileRef),
		now:      time.Now,
		tokenTTL: config.FileTokenExpiry,
		jobTTL:   config.JobExpiry,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Submit starts req in the background and returns the new job.
func (j *Jobs) Submit(req Request) Job {
	job := &Job{
		ID:        uuid.NewString(),
		URL:       req.URL,
		Quality:   req.Quality,
		Status:    JobRunning,
		CreatedAt: j.now(),
	}
	j.mu.Lock()
	j.jobs[job.ID] = job
	j.mu.Unlock()

	req.Reporter = ReporterFunc(func(st DownloadState) {
		j.mu.Lock()
		job.Progress = st.Percent
		job.Speed = st.Speed
		job.ETA = st.ETA
		j.mu.Unlock()
	})

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		res, err := j.orch.RequestDownload(j.ctx, req)
		j.finish(job, res, err)
	}()
	return job.copy()
}

func (j *Jobs) finish(job *Job, res *Result, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	job.DoneAt = j.now()
	switch {
	case err == nil:
		job.Status = JobComplete
		job.Progress = 100
		job.Title = res.Title
		job.Cached = res.Cached
		job.result = res
		expires := j.now().Add(j.tokenTTL)
		for _, part := range res.Parts {
			token := uuid.NewString()
			name := PartName(res.Title, part)
			j.files[token] = &fileRef{path: part.Path, name: name, jobID: job.ID, expires: expires}
			file := JobFile{Token: token, Name: name, Size: part.SizeBytes}
			if j.baseURL != "" {
				file.URL = j.baseURL + "/api/files/" + token
			}
			job.Files = append(job.Files, file)
		}
	case errors.Is(err, ErrCancelled):
		job.Status = JobCancelled
		job.Error = UserMessage(err)
	default:
		job.Status = JobError
		job.Error = UserMessage(err)
	}
}

// PartName is the display name for one delivered part.
func PartName(title string, part Part) string {
	ext := filepath.Ext(part.Path)
	base := util.SanitizeFilename(title)
	if base == "" {
		base = "download"
	}
	if part.Count > 1 {
		return fmt.Sprintf("%s_part%d%s", base, part.Index+1, ext)
	}
	return base + ext
}

func (j *Jobs) Get(id string) (Job, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	job, ok := j.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return job.copy(), nil
}

// File resolves a download token to a path and a display name.
func (j *Jobs) File(token string) (path, name string, ok bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	ref, found := j.files[token]
	if !found || j.now().After(ref.expires) {
		return "", "", false
	}
	return ref.path, ref.name, true
}

// Sweep drops expired tokens and finished jobs past their expiry,
// releasing their files. It returns the number of jobs removed.
func (j *Jobs) Sweep() int {
	now := j.now()
	var release []*Result

	j.mu.Lock()
	for token, ref := range j.files {
		if now.After(ref.expires) {
			delete(j.files, token)
		}
	}
	removed := 0
	for id, job := range j.jobs {
		if job.Status == JobRunning || now.Sub(job.DoneAt) < j.jobTTL {
			continue
		}
		for _, f := range job.Files {
			delete(j.files, f.Token)
		}
		if job.result != nil {
			release = append(release, job.result)
		}
		delete(j.jobs, id)
		removed++
	}
	j.mu.Unlock()

	for _, r := range release {
		r.Release()
	}
	return removed
}

func (j *Jobs) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := j.Sweep(); n > 0 {
					j.logger.Debug().Int("jobs", n).Msg("expired jobs removed")
				}
			}
		}
	}()
}

// Close waits for running jobs and releases every finished one.
func (j *Jobs) Close() {
	j.wg.Wait()
	j.mu.Lock()
	var release []*Result
	for id, job := range j.jobs {
		if job.result != nil {
			release = append(release, job.result)
		}
		delete(j.jobs, id)
	}
	j.files = make(map[string]*fileRef)
	j.mu.Unlock()
	for _, r := range release {
		r.Release()
	}
}

// Holds reports whether a live job still serves path.
func (j *Jobs) Holds(path string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, ref := range j.files {
		if ref.path == path {
			return true
		}
	}
	for _, job := range j.jobs {
		if job.result != nil && job.result.FilePath == path {
			return true
		}
	}
	return false
}

func (job *Job) copy() Job {
	c := *job
	c.result = nil
	c.Files = append([]JobFile(nil), job.Files...)
	return c
}
