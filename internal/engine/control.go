package engine

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	pidFileName  = ".pdfqueue-pid"
	stopFileName = ".pdfqueue-stop"
)

// Control coordinates a background worker with `pdfqueue worker stop`
// through a pid file and a stop file in Dir. A file is used instead of a
// signal so stopping works on Windows too.
type Control struct {
	Dir string
}

// ErrWorkerRunning means another process holds the pid file.
var ErrWorkerRunning = errors.New("a worker is already running")

func NewControl(dir string) *Control {
	return &Control{Dir: dir}
}

func (c *Control) pidPath() string  { return filepath.Join(c.Dir, pidFileName) }
func (c *Control) stopPath() string { return filepath.Join(c.Dir, stopFileName) }

func (c *Control) WritePID(pid int) error {
	return os.WriteFile(c.pidPath(), []byte(strconv.Itoa(pid)), 0644)
}

// Acquire creates the pid file for pid, failing with ErrWorkerRunning if it
// already exists. Creation is exclusive, so of two racing processes only
// one becomes the worker.
func (c *Control) Acquire(pid int) error {
	f, err := os.OpenFile(c.pidPath(), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if errors.Is(err, fs.ErrExist) {
		if owner, rerr := c.ReadPID(); rerr == nil {
			return fmt.Errorf("%w (pid %d, pid file %s)", ErrWorkerRunning, owner, c.pidPath())
		}
		return fmt.Errorf("%w (pid file %s)", ErrWorkerRunning, c.pidPath())
	}
	if err != nil {
		return err
	}
	if _, err := f.WriteString(strconv.Itoa(pid)); err != nil {
		f.Close()
		c.RemovePID()
		return err
	}
	return f.Close()
}

func (c *Control) ReadPID() (int, error) {
	b, err := os.ReadFile(c.pidPath())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(b)))
}

func (c *Control) RemovePID() {
	_ = os.Remove(c.pidPath())
}

// Running reports whether a pid file exists.
func (c *Control) Running() bool {
	_, err := os.Stat(c.pidPath())
	return !errors.Is(err, fs.ErrNotExist)
}

func (c *Control) ShouldStop() bool {
	_, err := os.Stat(c.stopPath())
	return err == nil
}

func (c *Control) CreateStopFile() error {
	return os.WriteFile(c.stopPath(), []byte("stop"), 0644)
}

func (c *Control) RemoveStopFile() {
	_ = os.Remove(c.stopPath())
}
