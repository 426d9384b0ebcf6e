// Package vt tracks virtual terminal ownership for local seats.
//
// The table of in-use VTs is reference counted: a display server and
// the session sharing its VT each hold a reference, and a VT becomes
// allocatable again only when every holder has released it. The table
// is constructed once at startup and injected, never global.
package vt

import (
	"log/slog"
	"sync"
)

// MinimumDefault is used when no minimum-vt is configured; VT 1-6 are
// usually occupied by gettys.
const MinimumDefault = 7

// Console abstracts the privileged console ioctls so tests and
// unprivileged runs can swap them out.
type Console interface {
	// Active returns the currently visible VT, or -1 if unknown.
	Active() int
	// Activate switches to the VT and waits for the switch to finish.
	Activate(number int) error
	// CanMultiSeat reports whether the kernel exposes VT switching.
	CanMultiSeat() bool
}

// Table allocates VT numbers.
type Table struct {
	mu      sync.Mutex
	refs    map[int]int
	minimum int
	console Console
	logger  *slog.Logger
}

// NewTable builds a VT table starting allocation at minimum.
func NewTable(minimum int, console Console, logger *slog.Logger) *Table {
	if minimum < 1 {
		minimum = MinimumDefault
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		refs:    make(map[int]int),
		minimum: minimum,
		console: console,
		logger:  logger,
	}
}

// Unused reserves and returns the lowest unused VT number at or above
// the configured minimum. The caller owns one reference.
func (t *Table) Unused() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.minimum
	for t.refs[n] > 0 {
		n++
	}
	t.refs[n]++
	t.logger.Debug("using VT", "vt", n)
	return n
}

// Ref takes an additional reference on a VT already in use.
func (t *Table) Ref(number int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refs[number]++
}

// Unref drops a reference; the VT is free again once the count hits
// zero. Unref of an unheld VT is a no-op.
func (t *Table) Unref(number int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.refs[number] == 0 {
		return
	}
	t.refs[number]--
	if t.refs[number] == 0 {
		delete(t.refs, number)
		t.logger.Debug("released VT", "vt", number)
	}
}

// InUse reports whether any holder references the VT.
func (t *Table) InUse(number int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refs[number] > 0
}

// Activate makes the VT visible.
func (t *Table) Activate(number int) error {
	t.logger.Debug("activating VT", "vt", number)
	return t.console.Activate(number)
}

// Active returns the currently visible VT.
func (t *Table) Active() int { return t.console.Active() }

// CanMultiSeat reports whether VT switching is available at all.
func (t *Table) CanMultiSeat() bool { return t.console.CanMultiSeat() }
