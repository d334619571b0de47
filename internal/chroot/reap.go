// SPDX-License-Identifier: AGPL-3.0-or-later
package chroot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/flowd-org/molecule/internal/logctx"
)

const (
	defaultProcRoot  = "/proc"
	defaultReapGrace = 2 * time.Second
	reapPollInterval = 100 * time.Millisecond
)

// ErrHostRoot is returned when asked to reap the host root, which would match
// every process on the machine.
var ErrHostRoot = errors.New("refusing to reap processes of the host root")

// ProcessReaper terminates every process still running inside a root.
type ProcessReaper interface {
	Reap(ctx context.Context, root string) (int, error)
}

// Reaper finds processes through procfs by comparing each process root link
// with the target root.
type Reaper struct {
	ProcRoot string
	Grace    time.Duration
	// Signal delivers sig to pid. Nil uses the platform kill.
	Signal func(pid int, sig syscall.Signal) error

	self func() int
}

func (r *Reaper) procRoot() string {
	if r.ProcRoot == "" {
		return defaultProcRoot
	}
	return r.ProcRoot
}

func (r *Reaper) grace() time.Duration {
	if r.Grace <= 0 {
		return defaultReapGrace
	}
	return r.Grace
}

func (r *Reaper) signal(pid int, sig syscall.Signal) error {
	if r.Signal != nil {
		return r.Signal(pid, sig)
	}
	return killProcess(pid, sig)
}

func (r *Reaper) selfPid() int {
	if r.self != nil {
		return r.self()
	}
	return os.Getpid()
}

// ancestors returns this process and every process above it. They are never
// signalled, whatever their root.
func (r *Reaper) ancestors() map[int]bool {
	seen := map[int]bool{}
	for pid := r.selfPid(); pid > 0 && !seen[pid]; {
		seen[pid] = true
		ppid, err := r.parent(pid)
		if err != nil {
			break
		}
		pid = ppid
	}
	return seen
}

func (r *Reaper) parent(pid int) (int, error) {
	data, err := os.ReadFile(filepath.Join(r.procRoot(), strconv.Itoa(pid), "status"))
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if v, ok := strings.CutPrefix(line, "PPid:"); ok {
			return strconv.Atoi(strings.TrimSpace(v))
		}
	}
	return 0, fmt.Errorf("no PPid for %d", pid)
}

// Pids lists processes whose root is root or lies below it. The host root
// is refused with ErrHostRoot.
func (r *Reaper) Pids(root string) ([]int, error) {
	canon, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root %s: %w", root, err)
	}
	canon, err = filepath.Abs(canon)
	if err != nil {
		return nil, fmt.Errorf("resolve root %s: %w", root, err)
	}
	if canon == string(filepath.Separator) {
		return nil, fmt.Errorf("%w: %s", ErrHostRoot, root)
	}
	entries, err := os.ReadDir(r.procRoot())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan %s: %w", r.procRoot(), err)
	}
	skip := r.ancestors()
	var pids []int
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || pid <= 0 || skip[pid] {
			continue
		}
		link, err := os.Readlink(filepath.Join(r.procRoot(), entry.Name(), "root"))
		if err != nil {
			// exited or not ours to inspect
			continue
		}
		link = filepath.Clean(link)
		if link == canon || strings.HasPrefix(link, canon+string(filepath.Separator)) {
			pids = append(pids, pid)
		}
	}
	sort.Ints(pids)
	return pids, nil
}

// Reap sends SIGTERM to every process inside root, waits up to the grace
// period for them to exit and SIGKILLs the survivors. It returns how many
// processes were signalled. Cancellation of ctx does not shorten the wait.
func (r *Reaper) Reap(ctx context.Context, root string) (int, error) {
	logger := logctx.From(ctx)
	pids, err := r.Pids(root)
	if err != nil {
		return 0, err
	}
	if len(pids) == 0 {
		return 0, nil
	}
	logger.Warn("chroot.reap", slog.String("root", root), slog.Any("pids", pids))
	for _, pid := range pids {
		if err := r.signal(pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
			logger.Debug("chroot.reap.sigterm_failed", slog.Int("pid", pid), slog.String("error", err.Error()))
		}
	}

	deadline := time.Now().Add(r.grace())
	var survivors []int
	for {
		survivors, err = r.Pids(root)
		if err != nil {
			return len(pids), err
		}
		if len(survivors) == 0 || !time.Now().Before(deadline) {
			break
		}
		time.Sleep(reapPollInterval)
	}
	for _, pid := range survivors {
		logger.Warn("chroot.reap.sigkill", slog.Int("pid", pid))
		if err := r.signal(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			return len(pids), fmt.Errorf("kill %d: %w", pid, err)
		}
	}
	return len(pids), nil
}
