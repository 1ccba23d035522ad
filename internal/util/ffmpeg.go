package util

import (
	"fmt"
	"strconv"
)

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}

// FFprobeDurationArgs asks ffprobe for the container duration only.
func FFprobeDurationArgs(path string) []string {
	return []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}
}

// FFmpegCutArgs builds a stream-copy cut. A zero duration runs to the end
// of the input.
func FFmpegCutArgs(input string, start, duration float64, output string) []string {
	args := []string{"-y", "-ss", formatSeconds(start), "-i", input}
	if duration > 0 {
		args = append(args, "-t", formatSeconds(duration))
	}
	return append(args,
		"-c", "copy",
		"-map", "0",
		"-avoid_negative_ts", "make_zero",
		output,
	)
}

func FormatETA(seconds float64) string {
	if seconds <= 0 {
		return ""
	}
	mins := int(seconds) / 60
	secs := int(seconds) % 60
	if mins > 0 {
		return fmt.Sprintf("%dm %ds", mins, secs)
	}
	return fmt.Sprintf("%ds", secs)
}
