package services

import "context"

// MediaInfo is what a backend learns about a URL without downloading it.
type MediaInfo struct {
	Title        string
	Duration     float64
	Formats      []Format
	CanonicalURL string
}

type Format struct {
	ID     string
	Ext    string
	Height int
	Size   int64
}

// MaxHeight returns the tallest video format on offer, 0 for audio-only media.
func (m *MediaInfo) MaxHeight() int {
	best := 0
	for _, f := range m.Formats {
		if f.Height > best {
			best = f.Height
		}
	}
	return best
}

type FetchRequest struct {
	URL          string
	CanonicalURL string
	// Format is a yt-dlp style selector.
	Format string
	// OutputDir receives the finished file.
	OutputDir string
	// OnEvent is called from the fetching goroutine, zero or more times
	// while transferring and once with a terminal event.
	OnEvent func(ProgressEvent)
}

type FetchResult struct {
	FilePath  string
	Title     string
	SizeBytes int64
}

type PlaylistEntry struct {
	Title string `json:"title"`
	URL   string `json:"url"`
	ID    string `json:"id"`
}

type PlaylistInfo struct {
	Title   string
	Entries []PlaylistEntry
	Count   int
}

// Backend resolves and downloads media. Errors wrap ErrResourceUnavailable
// when retrying cannot help and ErrTransient otherwise.
type Backend interface {
	Probe(ctx context.Context, url string) (*MediaInfo, error)
	Fetch(ctx context.Context, req FetchRequest) (*FetchResult, error)
	ProbePlaylist(ctx context.Context, url string) (*PlaylistInfo, error)
}

// MediaTool probes and cuts local media files.
type MediaTool interface {
	ProbeDuration(ctx context.Context, path string) (float64, error)
	// Cut copies [start, start+duration) of path to out. A zero duration
	// runs to the end of the input.
	Cut(ctx context.Context, path string, start, duration float64, out string) error
}
