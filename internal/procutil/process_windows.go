//go:build windows

package procutil

import (
	"context"
	"os"
	"os/exec"
	"syscall"
	"time"
)

const processQueryLimitedInformation = 0x1000

// SetProcessGroup starts cmd in a new console process group.
func SetProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.CreationFlags |= syscall.CREATE_NEW_PROCESS_GROUP
}

// TerminateGroup terminates the process identified by pid. Windows has no
// catchable termination signal for console groups, so this is a hard kill.
func TerminateGroup(pid int) error {
	return killPID(pid)
}

// KillGroup terminates the process identified by pid.
func KillGroup(pid int) error {
	return killPID(pid)
}

func killPID(pid int) error {
	if pid <= 0 {
		return ErrInvalidPID
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	defer p.Release()
	return p.Kill()
}

// GroupAlive always reports false: console process groups cannot be
// enumerated without a job object.
func GroupAlive(int) bool { return false }

// ReapGroup only validates pgid. Descendants of a dead module are not
// tracked on Windows.
func ReapGroup(_ context.Context, pgid int, _ time.Duration) error {
	if pgid <= 0 {
		return ErrInvalidPID
	}
	return nil
}

// IsProcessAlive reports whether a handle to pid can still be opened.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	handle, err := syscall.OpenProcess(processQueryLimitedInformation, false, uint32(pid))
	if err != nil {
		return false
	}
	_ = syscall.CloseHandle(handle)
	return true
}
