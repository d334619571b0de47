//go:build unix

package chroot

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func killProcess(pid int, sig syscall.Signal) error {
	return unix.Kill(pid, sig)
}
