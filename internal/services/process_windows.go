//go:build windows

package services

import (
	"os/exec"
	"syscall"

	"github.com/rs/zerolog"
)

func setupProcessGroup(cmd *exec.Cmd, logger zerolog.Logger) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		logger.Debug().Int("pid", cmd.Process.Pid).Msg("terminating process")
		return cmd.Process.Kill()
	}
}
