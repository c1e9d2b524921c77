package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/procutil"
	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/registry"
)

// pipeWaitDelay bounds how long Wait keeps copying output after the module
// exited while a grandchild still holds the pipes open.
const pipeWaitDelay = time.Second

// LaunchSpec describes one module process to spawn.
type LaunchSpec struct {
	Name    string
	Command []string
	Dir     string
	Env     []string
	Stdout  io.Writer
	Stderr  io.Writer
}

// Launcher abstracts process creation so tests can substitute fakes.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (ProcessHandle, error)
}

// ProcessHandle represents a launched module process.
type ProcessHandle interface {
	PID() int
	Alive() bool
	// Stop terminates the process group, escalating to a forced kill when the
	// process outlives grace. It also cleans up a group whose leader already
	// exited.
	Stop(ctx context.Context, grace time.Duration) error
	Done() <-chan struct{}
	// Err returns the wait error once Done is closed.
	Err() error
}

// NewExecLauncher returns the Launcher that spawns real OS processes, each
// leading its own process group.
func NewExecLauncher() Launcher {
	return execLauncher{}
}

type execLauncher struct{}

func (execLauncher) Launch(ctx context.Context, spec LaunchSpec) (ProcessHandle, error) {
	if len(spec.Command) == 0 || spec.Command[0] == "" {
		return nil, registry.ErrEmptyCommand
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := exec.LookPath(spec.Command[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrLaunchTargetMissing, spec.Command[0])
	}

	// The process lifetime is owned by the handle, not by ctx.
	cmd := exec.Command(path, spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	if cmd.Stdout == nil {
		cmd.Stdout = io.Discard
	}
	if cmd.Stderr == nil {
		cmd.Stderr = io.Discard
	}
	cmd.WaitDelay = pipeWaitDelay
	procutil.SetProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("supervisor: spawn %s: %w", spec.Name, err)
	}

	handle := &execHandle{
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go handle.wait()
	return handle, nil
}

type execHandle struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error

	stopMu sync.Mutex
}

func (h *execHandle) wait() {
	h.err = h.cmd.Wait()
	close(h.done)
}

func (h *execHandle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *execHandle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
	}
	return procutil.IsProcessAlive(h.PID())
}

func (h *execHandle) Done() <-chan struct{} { return h.done }

func (h *execHandle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Stop signals the whole process group. Once the leader has exited, any
// members it left behind get the same TERM then KILL treatment.
func (h *execHandle) Stop(ctx context.Context, grace time.Duration) error {
	h.stopMu.Lock()
	defer h.stopMu.Unlock()

	if grace <= 0 {
		grace = defaultStopTimeout
	}
	pid := h.PID()

	select {
	case <-h.done:
		return h.reapGroup(ctx, pid, grace)
	default:
	}

	if err := procutil.TerminateGroup(pid); err != nil {
		return fmt.Errorf("supervisor: terminate pid %d: %w", pid, err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-h.done:
		return h.reapGroup(ctx, pid, grace)
	case <-timer.C:
	case <-ctx.Done():
	}

	if err := procutil.KillGroup(pid); err != nil {
		return fmt.Errorf("supervisor: kill pid %d: %w", pid, err)
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *execHandle) reapGroup(ctx context.Context, pgid int, grace time.Duration) error {
	if pgid <= 0 {
		return nil
	}
	if err := procutil.ReapGroup(ctx, pgid, grace); err != nil {
		return fmt.Errorf("supervisor: clean up group %d: %w", pgid, err)
	}
	return nil
}

// ExitCode extracts the exit code from a Wait error. Signalled processes map
// to 128+signal as a shell would report them.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				return 128 + int(ws.Signal())
			}
			return ws.ExitStatus()
		}
		return exitErr.ExitCode()
	}
	return 1
}

// process couples a handle with the writers capturing its output.
type process struct {
	handle ProcessHandle
	stdout *lineWriter
	stderr *lineWriter
}

func (p *process) stop(ctx context.Context, grace time.Duration) error {
	err := p.handle.Stop(ctx, grace)
	p.release()
	return err
}

func (p *process) release() {
	p.stdout.Close()
	p.stderr.Close()
}

func exitReason(h ProcessHandle) string {
	select {
	case <-h.Done():
		return fmt.Sprintf("exited with code %d", ExitCode(h.Err()))
	default:
		return "process no longer alive"
	}
}
