//go:build !windows

package procutil

import (
	"bufio"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestTerminateGroupReachesGrandchildren(t *testing.T) {
	cmd := exec.Command("sh", "-c", "sleep 300 & echo $!; wait")
	SetProcessGroup(cmd)
	stdout, err := cmd.StdoutPipe()
	require.NoError(t, err)
	require.NoError(t, cmd.Start())

	line, err := bufio.NewReader(stdout).ReadString('\n')
	require.NoError(t, err)
	child, err := strconv.Atoi(strings.TrimSpace(line))
	require.NoError(t, err)
	require.True(t, IsProcessAlive(child))

	require.NoError(t, TerminateGroup(cmd.Process.Pid))
	_ = cmd.Wait()

	assert.Eventually(t, func() bool { return !IsProcessAlive(child) }, 3*time.Second, 20*time.Millisecond)
}

func TestTerminateGroupAfterExitIsHarmless(t *testing.T) {
	cmd := exec.Command("true")
	SetProcessGroup(cmd)
	require.NoError(t, cmd.Start())
	require.NoError(t, cmd.Wait())

	assert.NoError(t, TerminateGroup(cmd.Process.Pid))
}

// startOrphaningGroup starts a group leader that backgrounds children and
// exits, returning the leader pid and the child pids.
func startOrphaningGroup(t *testing.T, script string) (int, []int) {
	t.Helper()
	cmd := exec.Command("sh", "-c", script)
	SetProcessGroup(cmd)
	stdout, err := cmd.StdoutPipe()
	require.NoError(t, err)
	require.NoError(t, cmd.Start())

	var children []int
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		pid, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
		require.NoError(t, err)
		children = append(children, pid)
	}
	_ = cmd.Wait()
	for _, pid := range children {
		require.True(t, IsProcessAlive(pid))
	}
	t.Cleanup(func() { _ = signalGroupOnly(cmd.Process.Pid, unix.SIGKILL) })
	return cmd.Process.Pid, children
}

func TestReapGroupTerminatesOrphans(t *testing.T) {
	pgid, children := startOrphaningGroup(t, "sleep 300 >/dev/null & echo $!; exit 1")
	require.True(t, GroupAlive(pgid))

	require.NoError(t, ReapGroup(context.Background(), pgid, 2*time.Second))
	for _, pid := range children {
		assert.Eventually(t, func() bool { return !IsProcessAlive(pid) }, 3*time.Second, 20*time.Millisecond)
	}
	assert.Eventually(t, func() bool { return !GroupAlive(pgid) }, 3*time.Second, 20*time.Millisecond)
}

func TestReapGroupEscalatesToKill(t *testing.T) {
	pgid, children := startOrphaningGroup(t, "sh -c \"trap '' TERM; sleep 300\" >/dev/null & echo $!; sleep 0.2; exit 0")

	start := time.Now()
	require.NoError(t, ReapGroup(context.Background(), pgid, 200*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	for _, pid := range children {
		assert.Eventually(t, func() bool { return !IsProcessAlive(pid) }, 3*time.Second, 20*time.Millisecond)
	}
}

func TestReapGroupWithoutMembers(t *testing.T) {
	cmd := exec.Command("true")
	SetProcessGroup(cmd)
	require.NoError(t, cmd.Start())
	require.NoError(t, cmd.Wait())

	assert.False(t, GroupAlive(cmd.Process.Pid))
	assert.NoError(t, ReapGroup(context.Background(), cmd.Process.Pid, time.Second))
}
