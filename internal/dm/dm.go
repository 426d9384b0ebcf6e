// Package dm is the top of the daemon: a Manager owns every seat,
// builds them from configuration at startup, and exports the control
// surface the D-Bus layer republishes.
package dm

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/lumidm/lumidm/internal/config"
	"github.com/lumidm/lumidm/internal/seat"
	"github.com/lumidm/lumidm/internal/tracking"
)

// ErrStopping is returned when seats are added to a manager that is
// winding down.
var ErrStopping = errors.New("display manager is stopping")

// ErrNoSeat is returned when an operation names a seat the manager does
// not own.
var ErrNoSeat = errors.New("no such seat")

// Events mirrors the manager's lifecycle outward, mainly for the D-Bus
// surface. All callbacks run on the control goroutine.
type Events interface {
	SeatAdded(s *seat.Seat)
	SeatRemoved(s *seat.Seat)
	SessionStarted(s *seat.Seat, entry tracking.Entry)
	SessionStopped(s *seat.Seat, cookie string)
	// Stopped fires once, when a requested stop has drained every seat.
	Stopped()
}

// FanoutEvents forwards every event to each member in order.
type FanoutEvents []Events

func (f FanoutEvents) SeatAdded(s *seat.Seat) {
	for _, e := range f {
		e.SeatAdded(s)
	}
}

func (f FanoutEvents) SeatRemoved(s *seat.Seat) {
	for _, e := range f {
		e.SeatRemoved(s)
	}
}

func (f FanoutEvents) SessionStarted(s *seat.Seat, entry tracking.Entry) {
	for _, e := range f {
		e.SessionStarted(s, entry)
	}
}

func (f FanoutEvents) SessionStopped(s *seat.Seat, cookie string) {
	for _, e := range f {
		e.SessionStopped(s, cookie)
	}
}

func (f FanoutEvents) Stopped() {
	for _, e := range f {
		e.Stopped()
	}
}

type nopEvents struct{}

func (nopEvents) SeatAdded(*seat.Seat)                      {}
func (nopEvents) SeatRemoved(*seat.Seat)                    {}
func (nopEvents) SessionStarted(*seat.Seat, tracking.Entry) {}
func (nopEvents) SessionStopped(*seat.Seat, string)         {}
func (nopEvents) Stopped()                                  {}

// Manager owns the seats. Runs on the control goroutine like
// everything beneath it.
type Manager struct {
	deps   seat.Deps
	cfg    *config.Config
	events Events
	logger *slog.Logger

	seats    []*seat.Seat
	nextAuto int
	stopping bool
	done     bool
}

// New builds a manager. SetEvents may be called before Start to attach
// the D-Bus surface.
func New(deps seat.Deps, cfg *config.Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		deps:   deps,
		cfg:    cfg,
		events: nopEvents{},
		logger: logger,
	}
}

// SetEvents attaches the observer. Must happen before Start.
func (m *Manager) SetEvents(ev Events) {
	if ev == nil {
		ev = nopEvents{}
	}
	m.events = ev
}

// Start brings up every configured seat. With no [Seat:*] sections a
// default seat0 is started unless start-default-seat says otherwise.
func (m *Manager) Start() error {
	names := seatNames(m.cfg)
	if len(names) == 0 {
		startDefault := true
		if m.cfg.HasKey(config.SectionDaemon, "start-default-seat") {
			startDefault = m.cfg.GetBoolean(config.SectionDaemon, "start-default-seat")
		}
		if startDefault {
			names = []string{"seat0"}
		}
	}

	var failed int
	for _, name := range names {
		if _, err := m.AddSeat(name); err != nil {
			// One broken seat must not take the others down.
			m.logger.Error("failed to start seat", "seat", name, "error", err)
			failed++
		}
	}
	if len(names) > 0 && failed == len(names) {
		return errors.New("no seat could be started")
	}
	return nil
}

// AddSeat builds and starts the named seat from its configuration
// section.
func (m *Manager) AddSeat(name string) (*seat.Seat, error) {
	if m.stopping {
		return nil, ErrStopping
	}
	if m.findSeat(name) != nil {
		return nil, fmt.Errorf("seat %s already exists", name)
	}
	s, err := seat.New(m.deps, m.cfg.Seat(name), m, m.logger)
	if err != nil {
		return nil, err
	}
	m.seats = append(m.seats, s)
	if err := s.Start(); err != nil {
		return nil, err
	}
	m.events.SeatAdded(s)
	return s, nil
}

// AddSeatOfType starts a fresh seat of the given type with default
// properties, under a generated name.
func (m *Manager) AddSeatOfType(kind string) (*seat.Seat, error) {
	if m.stopping {
		return nil, ErrStopping
	}
	m.nextAuto++
	name := "seat-auto" + strconv.Itoa(m.nextAuto)
	m.cfg.Set(config.SeatSectionPrefix+name, "type", kind)
	return m.AddSeat(name)
}

// AddLocalXSeat attaches a new seat to an X server that is already
// listening on the local display number.
func (m *Manager) AddLocalXSeat(displayNumber int) (*seat.Seat, error) {
	if m.stopping {
		return nil, ErrStopping
	}
	m.nextAuto++
	name := "seat-auto" + strconv.Itoa(m.nextAuto)
	section := config.SeatSectionPrefix + name
	m.cfg.Set(section, "type", "xremote")
	m.cfg.Set(section, "xserver-hostname", "localhost")
	m.cfg.Set(section, "xserver-display-number", strconv.Itoa(displayNumber))
	return m.AddSeat(name)
}

// Seats returns the live seats.
func (m *Manager) Seats() []*seat.Seat {
	out := make([]*seat.Seat, len(m.seats))
	copy(out, m.seats)
	return out
}

// Seat finds a live seat by name.
func (m *Manager) Seat(name string) (*seat.Seat, error) {
	if s := m.findSeat(name); s != nil {
		return s, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoSeat, name)
}

func (m *Manager) findSeat(name string) *seat.Seat {
	for _, s := range m.seats {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

// Stop winds down every seat. Stopped is raised once the last one is
// gone; with no seats it fires immediately.
func (m *Manager) Stop() {
	if m.stopping {
		return
	}
	m.logger.Info("stopping display manager")
	m.stopping = true
	for _, s := range m.Seats() {
		s.Stop()
	}
	m.finish()
}

// SessionStarted implements seat.Events.
func (m *Manager) SessionStarted(s *seat.Seat, entry tracking.Entry) {
	m.events.SessionStarted(s, entry)
}

// SessionStopped implements seat.Events.
func (m *Manager) SessionStopped(s *seat.Seat, cookie string) {
	m.events.SessionStopped(s, cookie)
}

// Stopped implements seat.Events. Seats that die on their own are
// dropped; the daemon keeps serving the rest and stays up for AddSeat.
func (m *Manager) Stopped(s *seat.Seat) {
	for i, live := range m.seats {
		if live == s {
			m.seats = append(m.seats[:i], m.seats[i+1:]...)
			m.events.SeatRemoved(s)
			break
		}
	}
	if m.stopping {
		m.finish()
	}
}

func (m *Manager) finish() {
	if m.done || len(m.seats) != 0 {
		return
	}
	m.done = true
	m.logger.Info("display manager stopped")
	m.events.Stopped()
}

// seatNames extracts the configured seat names in section order.
func seatNames(cfg *config.Config) []string {
	return cfg.SeatSections()
}
