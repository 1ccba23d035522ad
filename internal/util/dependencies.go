package util

import (
	"fmt"
	"os/exec"

	"github.com/rs/zerolog/log"
)

var RequiredBinaries = []string{"yt-dlp", "ffmpeg", "ffprobe"}

// lookPath is swapped in tests.
var lookPath = exec.LookPath

// CheckDependencies logs where each external binary was found and fails
// when a required one is missing.
func CheckDependencies(names ...string) error {
	if len(names) == 0 {
		names = RequiredBinaries
	}
	var missing []string
	for _, name := range names {
		path, err := lookPath(name)
		if err != nil {
			log.Error().Str("binary", name).Msg("not found in PATH")
			missing = append(missing, name)
			continue
		}
		log.Info().Str("binary", name).Str("path", path).Msg("dependency found")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required binaries: %v", missing)
	}
	return nil
}
