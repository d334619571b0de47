//go:build unix

package executor

import (
	"errors"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// groupKiller escalates a cancelled process group to SIGKILL once the grace
// period has elapsed.
type groupKiller struct {
	mu    sync.Mutex
	pgid  int
	timer *time.Timer
}

func (k *groupKiller) arm(pgid int, grace time.Duration) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.pgid = pgid
	k.timer = time.AfterFunc(grace, func() {
		// ESRCH once the group is gone is expected.
		_ = unix.Kill(pgid, unix.SIGKILL)
	})
}

// release is called once Wait has returned. A group with no members left
// cannot be signalled safely any more since its id may be handed out again.
func (k *groupKiller) release() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.timer == nil {
		return
	}
	if err := unix.Kill(k.pgid, 0); errors.Is(err, unix.ESRCH) {
		k.timer.Stop()
		k.timer = nil
	}
}

func (k *groupKiller) pending() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.timer != nil
}

// configureProcessGroup puts the command in its own process group. On
// cancellation the group gets SIGTERM, then SIGKILL once grace has elapsed.
func configureProcessGroup(cmd *exec.Cmd, grace time.Duration) *groupKiller {
	k := &groupKiller{}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if grace <= 0 {
		cmd.Cancel = func() error {
			return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		}
		return k
	}
	cmd.Cancel = func() error {
		pgid := -cmd.Process.Pid
		if err := unix.Kill(pgid, unix.SIGTERM); err != nil {
			return unix.Kill(pgid, unix.SIGKILL)
		}
		k.arm(pgid, grace)
		return nil
	}
	// Descendants holding stdout/stderr open must not block Wait forever.
	cmd.WaitDelay = 2 * grace
	return k
}
