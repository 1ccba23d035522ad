//go:build !windows

package services

import (
	"os/exec"
	"syscall"

	"github.com/rs/zerolog"
)

// setupProcessGroup puts cmd in its own process group so cancelling the
// context also stops the ffmpeg children yt-dlp spawns.
func setupProcessGroup(cmd *exec.Cmd, logger zerolog.Logger) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		logger.Debug().Int("pid", cmd.Process.Pid).Msg("terminating process group")
		if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM); err != nil {
			logger.Debug().Err(err).Msg("SIGTERM failed, sending SIGKILL")
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		return nil
	}
}
