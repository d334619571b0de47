//go:build !unix

package chroot

import (
	"errors"
	"syscall"
)

func killProcess(int, syscall.Signal) error {
	return errors.New("chroot: process signalling unsupported on this platform")
}
