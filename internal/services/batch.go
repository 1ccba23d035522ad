package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/coah80/grabbot/internal/util"
)

var ErrBatchActive = errors.New("this playlist is already being downloaded")

type BatchRequest struct {
	URL           string
	Quality       string
	OwnerID       string
	DestinationID string
	// OnStart is called once the playlist has been read.
	OnStart func(info *PlaylistInfo)
	// OnItem is called as each entry finishes, from the item's goroutine.
	// The callee owns res and must Release it.
	OnItem func(index int, entry PlaylistEntry, res *Result, err error)
}

type ItemFailure struct {
	Index  int
	Title  string
	Reason string
}

type BatchResult struct {
	Title     string
	Total     int
	Succeeded int
	Failed    int
	Cancelled bool
	Failures  []ItemFailure
}

// RequestBatch downloads every entry of a playlist. Entries run through
// RequestDownload, so each one also holds a download slot while it
// transfers. One entry failing never stops the others. Cancelling ctx, or
// calling Cancel with the playlist URL, stops new entries from starting
// and cancels the ones in flight.
func (o *Orchestrator) RequestBatch(ctx context.Context, req BatchRequest) (*BatchResult, error) {
	if err := o.validate(req.URL); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !o.registerBatch(req.URL, cancel) {
		return nil, ErrBatchActive
	}
	defer o.unregisterBatch(req.URL)

	info, err := o.backend.ProbePlaylist(ctx, req.URL)
	if err != nil {
		return nil, err
	}
	entries := info.Entries
	if o.maxPlaylist > 0 && len(entries) > o.maxPlaylist {
		o.logger.Info().Str("url", req.URL).Int("entries", len(entries)).Int("max", o.maxPlaylist).Msg("playlist truncated")
		entries = entries[:o.maxPlaylist]
	}
	if req.OnStart != nil {
		req.OnStart(&PlaylistInfo{Title: info.Title, Entries: entries, Count: info.Count})
	}

	var (
		mu       sync.Mutex
		inFlight = map[string]struct{}{}
		out      = &BatchResult{Title: info.Title, Total: len(entries)}
	)
	// cancellation reaches in-flight entries through their own cancel path
	stop := context.AfterFunc(ctx, func() {
		mu.Lock()
		urls := make([]string, 0, len(inFlight))
		for u := range inFlight {
			urls = append(urls, u)
		}
		mu.Unlock()
		for _, u := range urls {
			o.registry.MarkCancelled(u)
		}
	})
	defer stop()

	fail := func(i int, e PlaylistEntry, err error) {
		mu.Lock()
		out.Failed++
		out.Failures = append(out.Failures, ItemFailure{Index: i, Title: e.Title, Reason: UserMessage(err)})
		mu.Unlock()
	}

	var g errgroup.Group
	limit := o.playlistConcurrency
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)

	for i, entry := range entries {
		i, entry := i, entry // per-iteration copies for the goroutine (go < 1.22 loop semantics)
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				fail(i, entry, ErrCancelled)
				return nil
			}
			mu.Lock()
			inFlight[entry.URL] = struct{}{}
			mu.Unlock()

			res, err := o.RequestDownload(ctx, Request{
				URL:           entry.URL,
				Quality:       req.Quality,
				OwnerID:       req.OwnerID,
				DestinationID: req.DestinationID,
			})

			mu.Lock()
			delete(inFlight, entry.URL)
			mu.Unlock()

			if err != nil {
				fail(i, entry, err)
				o.logger.Warn().Err(err).Str("playlist", req.URL).Int("index", i).Msg("playlist entry failed")
			} else {
				mu.Lock()
				out.Succeeded++
				mu.Unlock()
			}
			if req.OnItem != nil {
				req.OnItem(i, entry, res, err)
			} else {
				res.Release()
			}
			return nil
		})
	}
	_ = g.Wait()

	out.Cancelled = ctx.Err() != nil
	if out.Cancelled {
		// entries that never started count as failed
		out.Failed = out.Total - out.Succeeded
	}
	o.logger.Info().
		Str("url", req.URL).
		Int("total", out.Total).
		Int("ok", out.Succeeded).
		Int("failed", out.Failed).
		Bool("cancelled", out.Cancelled).
		Msg("playlist done")
	return out, nil
}

func (o *Orchestrator) registerBatch(url string, cancel context.CancelFunc) bool {
	key := util.NormalizeURL(url)
	o.batchMu.Lock()
	defer o.batchMu.Unlock()
	if _, ok := o.batches[key]; ok {
		return false
	}
	o.batches[key] = cancel
	return true
}

func (o *Orchestrator) unregisterBatch(url string) {
	key := util.NormalizeURL(url)
	o.batchMu.Lock()
	delete(o.batches, key)
	o.batchMu.Unlock()
}

func (o *Orchestrator) cancelBatch(url string) bool {
	key := util.NormalizeURL(url)
	o.batchMu.Lock()
	cancel, ok := o.batches[key]
	o.batchMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (r BatchResult) String() string {
	return fmt.Sprintf("%d/%d downloaded, %d failed", r.Succeeded, r.Total, r.Failed)
}
