//go:build !windows

package procutil

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// SetProcessGroup makes cmd the leader of a new process group so the whole
// tree it spawns can be signalled at once.
func SetProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// TerminateGroup sends SIGTERM to the process group led by pid. When the
// group is already gone the leader itself is signalled.
func TerminateGroup(pid int) error {
	return signalGroup(pid, unix.SIGTERM)
}

// KillGroup sends SIGKILL to the process group led by pid.
func KillGroup(pid int) error {
	return signalGroup(pid, unix.SIGKILL)
}

func signalGroup(pid int, sig unix.Signal) error {
	if pid <= 0 {
		return ErrInvalidPID
	}
	err := unix.Kill(-pid, sig)
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.ESRCH) {
		if err := unix.Kill(pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
			return err
		}
		return nil
	}
	return err
}

// groupPollInterval is how often ReapGroup checks for surviving members.
const groupPollInterval = 20 * time.Millisecond

// GroupAlive reports whether any process is left in the process group pgid.
func GroupAlive(pgid int) bool {
	if pgid <= 0 {
		return false
	}
	err := unix.Kill(-pgid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// ReapGroup cleans up the members left in process group pgid after its
// leader exited: SIGTERM first, SIGKILL once grace elapses or ctx ends.
// The bare pid is never signalled because the dead leader's pid may already
// belong to an unrelated process.
func ReapGroup(ctx context.Context, pgid int, grace time.Duration) error {
	if pgid <= 0 {
		return ErrInvalidPID
	}
	if !GroupAlive(pgid) {
		return nil
	}
	if err := signalGroupOnly(pgid, unix.SIGTERM); err != nil {
		return err
	}
	if waitGroupGone(ctx, pgid, grace) {
		return nil
	}
	return signalGroupOnly(pgid, unix.SIGKILL)
}

func waitGroupGone(ctx context.Context, pgid int, grace time.Duration) bool {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	ticker := time.NewTicker(groupPollInterval)
	defer ticker.Stop()
	for {
		if !GroupAlive(pgid) {
			return true
		}
		select {
		case <-ticker.C:
		case <-timer.C:
			return !GroupAlive(pgid)
		case <-ctx.Done():
			return !GroupAlive(pgid)
		}
	}
}

func signalGroupOnly(pgid int, sig unix.Signal) error {
	if err := unix.Kill(-pgid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}

// IsProcessAlive checks whether a process with the given pid is still running.
// A process owned by another user counts as alive; a zombie does not.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err != nil && !errors.Is(err, unix.EPERM) {
		return false
	}
	return !isZombie(pid)
}

// isZombie reports whether /proc lists pid in state Z. Systems without procfs
// always report false.
func isZombie(pid int) bool {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return false
	}
	// The state follows the parenthesised command name, which may itself
	// contain spaces or parentheses.
	stat := string(data)
	idx := strings.LastIndexByte(stat, ')')
	if idx < 0 || idx+2 >= len(stat) {
		return false
	}
	return stat[idx+2] == 'Z'
}
