package tracking

import (
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"
)

const (
	logindService   = "org.freedesktop.login1"
	logindPath      = dbus.ObjectPath("/org/freedesktop/login1")
	logindInterface = "org.freedesktop.login1.Manager"
)

// Logind is the registry over systemd-logind. Session creation happens
// in the PAM stack (pam_systemd) when the session opens, so OpenSession
// and CloseSession only log; listing, activation and locking go through
// the manager on the system bus.
type Logind struct {
	conn   *dbus.Conn
	obj    dbus.BusObject
	logger *slog.Logger
}

// NewLogind connects to the system bus and checks logind is there.
func NewLogind(logger *slog.Logger) (*Logind, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connecting to system bus: %w", err)
	}
	l := &Logind{
		conn:   conn,
		obj:    conn.Object(logindService, logindPath),
		logger: logger,
	}
	if _, err := l.Sessions(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("probing logind: %w", err)
	}
	return l, nil
}

func (l *Logind) OpenSession(e Entry) error {
	l.logger.Debug("session registered with logind via PAM", "cookie", e.Cookie, "username", e.Username)
	return nil
}

func (l *Logind) CloseSession(cookie string) error {
	l.logger.Debug("session deregistered with logind via PAM", "cookie", cookie)
	return nil
}

// Sessions lists logind's current sessions.
func (l *Logind) Sessions() ([]Entry, error) {
	var raw []struct {
		ID   string
		UID  uint32
		User string
		Seat string
		Path dbus.ObjectPath
	}
	if err := l.obj.Call(logindInterface+".ListSessions", 0).Store(&raw); err != nil {
		return nil, fmt.Errorf("listing logind sessions: %w", err)
	}
	out := make([]Entry, 0, len(raw))
	for _, s := range raw {
		out = append(out, Entry{
			Cookie:   s.ID,
			Username: s.User,
			SeatName: s.Seat,
		})
	}
	return out, nil
}

func (l *Logind) SeatSessions(seatName string) ([]Entry, error) {
	all, err := l.Sessions()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range all {
		if e.SeatName == seatName {
			out = append(out, e)
		}
	}
	return out, nil
}

// ActivateSession brings the session's VT to the foreground.
func (l *Logind) ActivateSession(id string) error {
	if err := l.obj.Call(logindInterface+".ActivateSession", 0, id).Err; err != nil {
		return fmt.Errorf("activating session %s: %w", id, err)
	}
	return nil
}

// LockSession asks the session to lock its screen.
func (l *Logind) LockSession(id string) error {
	if err := l.obj.Call(logindInterface+".LockSession", 0, id).Err; err != nil {
		return fmt.Errorf("locking session %s: %w", id, err)
	}
	return nil
}

// UnlockSession lifts a lock.
func (l *Logind) UnlockSession(id string) error {
	if err := l.obj.Call(logindInterface+".UnlockSession", 0, id).Err; err != nil {
		return fmt.Errorf("unlocking session %s: %w", id, err)
	}
	return nil
}

func (l *Logind) Close() error { return l.conn.Close() }
