// Package displayserver starts and supervises the X server variants a
// seat can run: a locally-spawned X server, a remote display the
// daemon only points sessions at, and an Xvnc instance bound to an
// accepted connection.
//
// All variants drive the same lifecycle: NOT_STARTED, STARTING on
// Start, READY once sessions can connect, STOPPING on Stop, STOPPED
// when fully torn down. A transition from STARTING straight to STOPPED
// is a failed start; the owning display decides what that means.
package displayserver

import (
	"sync"

	"github.com/lumidm/lumidm/internal/xauth"
	"github.com/lumidm/lumidm/pkg/types"
)

// DisplayServer is one running display a session can attach to.
type DisplayServer interface {
	// Start begins the transition to READY. Readiness and stop are
	// reported through the Events sink on the control goroutine; a
	// non-nil error means the start never began and no events follow.
	Start() error
	// Stop begins teardown. Idempotent; safe in any state.
	Stop()
	State() types.DisplayServerState
	// DisplayName is the DISPLAY value sessions connect with.
	DisplayName() string
	// Authority is the cookie granting access, nil when the server
	// does its own access control.
	Authority() *xauth.Record
	// AuthorityPath is the on-disk cookie file for XAUTHORITY, empty
	// when Authority is nil.
	AuthorityPath() string
	// VT is the kernel virtual terminal the server owns, 0 when none.
	VT() int
}

// Events observes lifecycle edges. Callbacks run on the control
// goroutine.
type Events interface {
	Ready(ds DisplayServer)
	Stopped(ds DisplayServer)
}

// machine is the shared guarded state transition core.
type machine struct {
	mu    sync.Mutex
	state types.DisplayServerState
}

func (m *machine) State() types.DisplayServerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == "" {
		return types.DisplayServerNotStarted
	}
	return m.state
}

// transition moves to next if the current state is one of from,
// reporting whether it did.
func (m *machine) transition(next types.DisplayServerState, from ...types.DisplayServerState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	current := m.state
	if current == "" {
		current = types.DisplayServerNotStarted
	}
	for _, s := range from {
		if current == s {
			m.state = next
			return true
		}
	}
	return false
}
