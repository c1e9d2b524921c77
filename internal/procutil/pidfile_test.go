package procutil

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIDFileAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "jetbotd.pid")

	pf, err := AcquirePIDFile(path)
	require.NoError(t, err)
	assert.Equal(t, path, pf.Path())

	pid, err := ReadPIDFile(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	pf.Release()
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestPIDFileRejectsLiveOwner(t *testing.T) {
	cmd := longRunningCmd()
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})

	path := filepath.Join(t.TempDir(), "jetbotd.pid")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(cmd.Process.Pid)), 0o600))

	_, err := AcquirePIDFile(path)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestPIDFileReplacesStaleOwner(t *testing.T) {
	cmd := longRunningCmd()
	require.NoError(t, cmd.Start())
	stale := cmd.Process.Pid
	require.NoError(t, cmd.Process.Kill())
	_ = cmd.Wait()

	path := filepath.Join(t.TempDir(), "jetbotd.pid")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(stale)), 0o600))

	pf, err := AcquirePIDFile(path)
	require.NoError(t, err)
	defer pf.Release()
	pid, err := ReadPIDFile(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestPIDFileReleaseKeepsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jetbotd.pid")
	pf, err := AcquirePIDFile(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("999999"), 0o600))
	pf.Release()
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestReadPIDFileMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.pid")
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid"), 0o600))
	_, err := ReadPIDFile(path)
	assert.Error(t, err)
	_, err = AcquirePIDFile("")
	assert.Error(t, err)
}
