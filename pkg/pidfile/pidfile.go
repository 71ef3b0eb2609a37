// Package pidfile guards onsd against running twice
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrRunning is returned by Acquire when a live process owns the file
var ErrRunning = errors.New("daemon already running")

// PIDFile is a pid file owned by the current process once acquired
type PIDFile struct {
	path string
	pid  int
}

// New creates a PIDFile for path owned by the current process
func New(path string) *PIDFile {
	return &PIDFile{path: path, pid: os.Getpid()}
}

// Path returns the file location
func (p *PIDFile) Path() string {
	return p.path
}

// Acquire writes the current pid. A file left by a dead process is replaced.
func (p *PIDFile) Acquire() error {
	running, pid, err := p.CheckRunning()
	if err != nil && !errors.Is(err, errInvalid) {
		return err
	}
	if running && pid != p.pid {
		return fmt.Errorf("%w with PID %d", ErrRunning, pid)
	}

	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(p.pid)+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to install PID file: %w", err)
	}
	return nil
}

// Release removes the file if it still holds our pid
func (p *PIDFile) Release() error {
	pid, err := p.read()
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err == nil && pid != p.pid {
		return fmt.Errorf("PID file owned by %d, not removing", pid)
	}
	if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

var errInvalid = errors.New("invalid PID file")

// CheckRunning reports whether the pid in the file belongs to a live process
func (p *PIDFile) CheckRunning() (bool, int, error) {
	pid, err := p.read()
	if errors.Is(err, os.ErrNotExist) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	return alive(pid), pid, nil
}

func (p *PIDFile) read() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(s)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("%w: %q", errInvalid, s)
	}
	return pid, nil
}

// alive probes pid with signal 0. EPERM means the process exists under
// another user.
func alive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
