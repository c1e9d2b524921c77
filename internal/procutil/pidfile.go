package procutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrAlreadyRunning is returned by AcquirePIDFile when the file names a live
// process other than the caller.
var ErrAlreadyRunning = errors.New("procutil: another instance is running")

// PIDFile guards a single running instance per path.
type PIDFile struct {
	path string
	pid  int
}

// AcquirePIDFile writes the current pid to path. A file left behind by a
// dead process is replaced.
func AcquirePIDFile(path string) (*PIDFile, error) {
	if path == "" {
		return nil, errors.New("procutil: pid file path is empty")
	}
	self := os.Getpid()
	if pid, err := ReadPIDFile(path); err == nil && pid != self && IsProcessAlive(pid) {
		return nil, fmt.Errorf("%w (pid %d, %s)", ErrAlreadyRunning, pid, path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("procutil: create pid directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(self)+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("procutil: write pid file: %w", err)
	}
	return &PIDFile{path: path, pid: self}, nil
}

// ReadPIDFile returns the pid stored at path.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("procutil: malformed pid file %s", path)
	}
	return pid, nil
}

// Path returns the file location.
func (p *PIDFile) Path() string { return p.path }

// Release removes the file if it still holds our pid.
func (p *PIDFile) Release() {
	if p == nil {
		return
	}
	if pid, err := ReadPIDFile(p.path); err == nil && pid == p.pid {
		_ = os.Remove(p.path)
	}
}
