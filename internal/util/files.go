package util

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/coah80/grabbot/internal/config"
)

var unsafeFilenameRe = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)
var multiSpaceRe = regexp.MustCompile(`\s+`)

func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0755)
}

// RemovePartials deletes path together with the .part and fragment files
// yt-dlp leaves next to it. Missing files are not an error.
func RemovePartials(path string) error {
	if path == "" {
		return nil
	}
	var errs []error
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		errs = append(errs, err)
	}
	return errors.Join(append(errs, RemoveFragments(path))...)
}

// RemoveFragments is RemovePartials without the final file.
func RemoveFragments(path string) error {
	if path == "" {
		return nil
	}
	var errs []error
	candidates := []string{path + ".part", path + ".ytdl"}
	frags, _ := filepath.Glob(path + ".part-Frag*")
	candidates = append(candidates, frags...)
	for _, p := range candidates {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// CleanupTempFiles removes stale job leftovers from dir. Cached artifacts
// live in the same directory, so only files untouched for longer than
// retention and not reported by keep are removed.
func CleanupTempFiles(dir string, retention time.Duration, keep func(path string) bool) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	now := time.Now()
	removed := 0
	for _, e := range entries {
		p := filepath.Join(dir, e.Name())
		info, err := e.Info()
		if err != nil || now.Sub(info.ModTime()) <= retention {
			continue
		}
		if keep != nil && keep(p) {
			continue
		}
		if err := os.RemoveAll(p); err != nil {
			log.Warn().Err(err).Str("file", e.Name()).Msg("temp cleanup failed")
			continue
		}
		removed++
		log.Debug().Str("file", e.Name()).Msg("cleaned up old temp file")
	}

	if ds, err := GetDiskSpace(dir); err == nil {
		ev := log.Info()
		if ds.AvailGB() < float64(config.DiskSpaceMinGB) {
			ev = log.Warn()
		}
		ev.Str("disk", ds.String()).Int("removed", removed).Msg("temp cleanup finished")
	}
	return removed
}

func SanitizeFilename(filename string) string {
	s := unsafeFilenameRe.ReplaceAllString(filename, "_")
	s = multiSpaceRe.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// StartCleanupInterval runs CleanupTempFiles every interval until stop is closed.
func StartCleanupInterval(dir string, interval, retention time.Duration, keep func(string) bool, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				CleanupTempFiles(dir, retention, keep)
			case <-stop:
				return
			}
		}
	}()
}
