//go:build !unix

package executor

import (
	"os/exec"
	"time"
)

type groupKiller struct{}

func (*groupKiller) release() {}

func configureProcessGroup(cmd *exec.Cmd, grace time.Duration) *groupKiller {
	if grace > 0 {
		cmd.WaitDelay = 2 * grace
	}
	return &groupKiller{}
}
