// Package childproc spawns and supervises the daemon's privileged child
// processes: display servers, greeters and user sessions.
//
// All lifecycle events (pipe data, forwarded signals, exits) are
// serialized through a Monitor, whose Run loop is the daemon's single
// control goroutine. State machines built on top of this package only
// ever execute on that goroutine, so they need no locking of their own.
package childproc

import (
	"context"
	"log/slog"
	"sync"
	"syscall"
)

// Watcher observes process events. Callbacks run on the control
// goroutine. A zero-length GotData slice means the child closed its end
// of the pipe.
type Watcher interface {
	GotData(p *Process, data []byte)
	GotSignal(p *Process, sig syscall.Signal, fromPID int)
	Exited(p *Process, status int)
	Terminated(p *Process, sig syscall.Signal)
}

// NopWatcher implements Watcher with no-ops, for embedding by observers
// interested in a subset of events.
type NopWatcher struct{}

func (NopWatcher) GotData(*Process, []byte)                     {}
func (NopWatcher) GotSignal(*Process, syscall.Signal, int)      {}
func (NopWatcher) Exited(*Process, int)                         {}
func (NopWatcher) Terminated(*Process, syscall.Signal)          {}

// Monitor owns the pid table and the control-loop event queue. Signals
// delivered to the daemon are routed by originating pid: a pid owned by
// a supervised child fires that child's watchers, anything else routes
// to the parent pseudo-process.
type Monitor struct {
	mu        sync.Mutex
	processes map[int]*Process
	parent    *Process

	events chan func()
	logger *slog.Logger
}

// NewMonitor builds a monitor. Run must be called for any events to be
// delivered.
func NewMonitor(logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		processes: make(map[int]*Process),
		events:    make(chan func(), 128),
		logger:    logger,
	}
	m.parent = &Process{monitor: m, logger: logger}
	return m
}

// Parent returns the pseudo-process representing the daemon itself.
// Signals whose originating pid is unknown are delivered to its
// watchers.
func (m *Monitor) Parent() *Process { return m.parent }

// Post queues fn onto the control goroutine. Safe from any goroutine.
func (m *Monitor) Post(fn func()) {
	m.events <- fn
}

// Run executes queued events until ctx is cancelled. This is the
// daemon's control loop; every state machine callback in the process
// runs here.
func (m *Monitor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-m.events:
			fn()
		}
	}
}

func (m *Monitor) register(p *Process, pid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processes[pid] = p
}

func (m *Monitor) unregister(pid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.processes, pid)
}

func (m *Monitor) lookup(pid int) *Process {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processes[pid]
}

// DeliverSignal routes a signal observed by the daemon to the process
// it originated from, on the control goroutine. Exposed so the
// platform-specific signal watcher and tests can inject deliveries.
func (m *Monitor) DeliverSignal(sig syscall.Signal, fromPID int) {
	m.Post(func() {
		p := m.lookup(fromPID)
		if p == nil {
			p = m.parent
		}
		for _, w := range p.watchers() {
			w.GotSignal(p, sig, fromPID)
		}
	})
}
