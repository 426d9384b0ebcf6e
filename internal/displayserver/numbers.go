package displayserver

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// NumberAllocator hands out X display numbers. A number counts as
// taken if this process reserved it or if another X server holds its
// lock file, except when the lock names a pid that no longer exists.
type NumberAllocator struct {
	mu      sync.Mutex
	inUse   map[int]bool
	minimum int
	lockDir string
	logger  *slog.Logger
}

// NewNumberAllocator allocates from minimum upward, probing lock files
// in lockDir (normally /tmp).
func NewNumberAllocator(minimum int, lockDir string, logger *slog.Logger) *NumberAllocator {
	if lockDir == "" {
		lockDir = "/tmp"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NumberAllocator{
		inUse:   make(map[int]bool),
		minimum: minimum,
		lockDir: lockDir,
		logger:  logger,
	}
}

// Acquire reserves and returns the lowest free display number.
func (a *NumberAllocator) Acquire() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := a.minimum
	for a.inUse[n] || a.lockTaken(n) {
		n++
	}
	a.inUse[n] = true
	return n
}

// Release frees a number for reuse.
func (a *NumberAllocator) Release(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inUse, n)
}

// lockTaken probes the X server lock file for the display number. The
// file holds the owning pid; a lock whose pid is gone is stale and does
// not block allocation.
func (a *NumberAllocator) lockTaken(n int) bool {
	path := filepath.Join(a.lockDir, ".X"+strconv.Itoa(n)+"-lock")
	raw, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		a.logger.Warn("ignoring malformed X lock file", "path", path)
		return false
	}
	if err := unix.Kill(pid, 0); err == unix.ESRCH {
		a.logger.Debug("ignoring stale X lock file", "path", path, "pid", pid)
		return false
	}
	return true
}
