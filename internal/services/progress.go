package services

type EventStatus string

const (
	EventDownloading EventStatus = "downloading"
	EventFinished    EventStatus = "finished"
	EventError       EventStatus = "error"
)

// ProgressEvent is what a backend reports while fetching. Byte counts and
// rates that are unknown are left at zero.
type ProgressEvent struct {
	Status             EventStatus
	CanonicalURL       string
	DownloadedBytes    int64
	TotalBytes         int64
	TotalBytesEstimate int64
	Speed              float64
	ETA                float64
	Filename           string
}

// ProgressBridge turns backend events into registry updates. OnEvent runs
// on the fetching goroutine and never blocks on anything but the registry
// lock.
type ProgressBridge struct {
	registry     *Registry
	canonicalURL string
}

// NewProgressBridge binds events without a CanonicalURL of their own to
// canonicalURL.
func NewProgressBridge(r *Registry, canonicalURL string) *ProgressBridge {
	return &ProgressBridge{registry: r, canonicalURL: canonicalURL}
}

func (b *ProgressBridge) OnEvent(ev ProgressEvent) {
	target := ev.CanonicalURL
	if target == "" {
		target = b.canonicalURL
	}
	b.registry.UpdateProgress(target, deltaFor(ev))
}

func deltaFor(ev ProgressEvent) ProgressDelta {
	total := ev.TotalBytes
	if total <= 0 {
		total = ev.TotalBytesEstimate
	}

	d := ProgressDelta{
		DownloadedBytes: ev.DownloadedBytes,
		TotalBytes:      total,
		Speed:           ev.Speed,
		ETA:             ev.ETA,
		Filename:        ev.Filename,
	}
	if total > 0 {
		d.Percent = float64(ev.DownloadedBytes) / float64(total) * 100
	}

	switch ev.Status {
	case EventFinished:
		d.Status = StatusFinished
		d.Percent = 100
		if d.DownloadedBytes == 0 {
			d.DownloadedBytes = total
		}
	case EventError:
		d.Status = StatusErrored
	default:
		d.Status = StatusDownloading
	}
	return d
}
