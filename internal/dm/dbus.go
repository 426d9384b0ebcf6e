package dm

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/godbus/dbus/v5"

	"github.com/lumidm/lumidm/internal/childproc"
	"github.com/lumidm/lumidm/internal/seat"
	"github.com/lumidm/lumidm/internal/tracking"
)

const (
	busName          = "org.lumidm.DisplayManager"
	managerPath      = dbus.ObjectPath("/org/lumidm/DisplayManager")
	managerInterface = "org.lumidm.DisplayManager"
	seatPathBase     = "/org/lumidm/Seat"
	seatInterface    = "org.lumidm.Seat"
)

// Bus republishes the manager on D-Bus: one object for the manager
// itself and one per live seat. Method handlers run on D-Bus worker
// goroutines, so every mutation is marshalled onto the control
// goroutine and awaited.
type Bus struct {
	conn    *dbus.Conn
	manager *Manager
	monitor *childproc.Monitor
	logger  *slog.Logger

	// paths is only touched on the control goroutine, via the Events
	// callbacks.
	paths    map[string]dbus.ObjectPath
	nextPath int
}

// PublishBus claims the bus name, exports the manager object and
// attaches itself as the manager's observer. A nil conn connects to the
// system bus.
func PublishBus(conn *dbus.Conn, manager *Manager, monitor *childproc.Monitor, logger *slog.Logger) (*Bus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if conn == nil {
		c, err := dbus.ConnectSystemBus()
		if err != nil {
			return nil, fmt.Errorf("connecting to system bus: %w", err)
		}
		conn = c
	}

	reply, err := conn.RequestName(busName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", busName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return nil, fmt.Errorf("%s is already owned, is another display manager running", busName)
	}

	b := &Bus{
		conn:    conn,
		manager: manager,
		monitor: monitor,
		logger:  logger,
		paths:   make(map[string]dbus.ObjectPath),
	}
	if err := conn.Export(&managerObject{b: b}, managerPath, managerInterface); err != nil {
		return nil, fmt.Errorf("exporting manager object: %w", err)
	}
	manager.SetEvents(b)
	return b, nil
}

// Close releases the bus name. The connection is left open when it was
// handed in from outside.
func (b *Bus) Close() error {
	_, err := b.conn.ReleaseName(busName)
	return err
}

// call runs fn on the control goroutine and waits for it.
func (b *Bus) call(fn func() error) *dbus.Error {
	ch := make(chan error, 1)
	b.monitor.Post(func() { ch <- fn() })
	if err := <-ch; err != nil {
		return dbus.MakeFailedError(err)
	}
	return nil
}

// SeatAdded implements Events: export the seat object and announce it.
func (b *Bus) SeatAdded(s *seat.Seat) {
	b.nextPath++
	path := dbus.ObjectPath(seatPathBase + strconv.Itoa(b.nextPath))
	b.paths[s.Name()] = path
	if err := b.conn.Export(&seatObject{b: b, name: s.Name()}, path, seatInterface); err != nil {
		b.logger.Warn("failed to export seat object", "seat", s.Name(), "error", err)
		return
	}
	b.emit(managerPath, managerInterface+".SeatAdded", path, s.Name())
}

// SeatRemoved implements Events.
func (b *Bus) SeatRemoved(s *seat.Seat) {
	path, ok := b.paths[s.Name()]
	if !ok {
		return
	}
	delete(b.paths, s.Name())
	_ = b.conn.Export(nil, path, seatInterface)
	b.emit(managerPath, managerInterface+".SeatRemoved", path, s.Name())
}

// SessionStarted implements Events.
func (b *Bus) SessionStarted(s *seat.Seat, entry tracking.Entry) {
	b.emit(managerPath, managerInterface+".SessionAdded", b.paths[s.Name()], entry.Cookie, entry.Username)
}

// SessionStopped implements Events.
func (b *Bus) SessionStopped(s *seat.Seat, cookie string) {
	b.emit(managerPath, managerInterface+".SessionRemoved", b.paths[s.Name()], cookie)
}

// Stopped implements Events.
func (b *Bus) Stopped() {}

func (b *Bus) emit(path dbus.ObjectPath, name string, values ...interface{}) {
	if err := b.conn.Emit(path, name, values...); err != nil {
		b.logger.Warn("failed to emit signal", "signal", name, "error", err)
	}
}

// managerObject is the exported manager interface.
type managerObject struct {
	b *Bus
}

func (o *managerObject) AddSeat(kind string) (dbus.ObjectPath, *dbus.Error) {
	var name string
	if derr := o.b.call(func() error {
		s, err := o.b.manager.AddSeatOfType(kind)
		if err != nil {
			return err
		}
		name = s.Name()
		return nil
	}); derr != nil {
		return "", derr
	}
	return o.b.seatPath(name), nil
}

func (o *managerObject) AddLocalXSeat(displayNumber int32) (dbus.ObjectPath, *dbus.Error) {
	var name string
	if derr := o.b.call(func() error {
		s, err := o.b.manager.AddLocalXSeat(int(displayNumber))
		if err != nil {
			return err
		}
		name = s.Name()
		return nil
	}); derr != nil {
		return "", derr
	}
	return o.b.seatPath(name), nil
}

func (o *managerObject) ListSeats() ([]dbus.ObjectPath, *dbus.Error) {
	var out []dbus.ObjectPath
	derr := o.b.call(func() error {
		for _, s := range o.b.manager.Seats() {
			if path, ok := o.b.paths[s.Name()]; ok {
				out = append(out, path)
			}
		}
		return nil
	})
	return out, derr
}

// seatPath reads the path map on the control goroutine.
func (b *Bus) seatPath(name string) dbus.ObjectPath {
	var path dbus.ObjectPath
	_ = b.call(func() error {
		path = b.paths[name]
		return nil
	})
	return path
}

// sessionRecord is the wire shape of one tracked session.
type sessionRecord struct {
	Cookie   string
	Username string
	VT       int32
}

// seatObject is the exported per-seat interface.
type seatObject struct {
	b    *Bus
	name string
}

func (o *seatObject) resolve() (*seat.Seat, error) {
	return o.b.manager.Seat(o.name)
}

func (o *seatObject) SwitchToGreeter() *dbus.Error {
	return o.b.call(func() error {
		s, err := o.resolve()
		if err != nil {
			return err
		}
		return s.SwitchToGreeter()
	})
}

func (o *seatObject) SwitchToUser(username, sessionName string) *dbus.Error {
	return o.b.call(func() error {
		s, err := o.resolve()
		if err != nil {
			return err
		}
		return s.SwitchToUser(username, sessionName)
	})
}

func (o *seatObject) SwitchToGuest(sessionName string) *dbus.Error {
	return o.b.call(func() error {
		s, err := o.resolve()
		if err != nil {
			return err
		}
		return s.SwitchToGuest(sessionName)
	})
}

func (o *seatObject) Lock() *dbus.Error {
	return o.b.call(func() error {
		s, err := o.resolve()
		if err != nil {
			return err
		}
		return s.Lock()
	})
}

func (o *seatObject) GetSessions() ([]sessionRecord, *dbus.Error) {
	entries, err := o.b.manager.deps.Registry.SeatSessions(o.name)
	if err != nil {
		return nil, dbus.MakeFailedError(err)
	}
	out := make([]sessionRecord, 0, len(entries))
	for _, e := range entries {
		out = append(out, sessionRecord{Cookie: e.Cookie, Username: e.Username, VT: int32(e.VT)})
	}
	return out, nil
}
