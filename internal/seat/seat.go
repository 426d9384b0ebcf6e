// Package seat owns the displays of one seat and implements session
// switching on it. A seat decides which display-server flavour its
// displays run (through a Driver), hands out virtual terminals, and
// exposes the switch-to-greeter/user/guest operations the D-Bus surface
// calls into.
//
// Like every state machine in this daemon, a Seat runs entirely on the
// monitor's control goroutine.
package seat

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"time"

	"github.com/lumidm/lumidm/internal/childproc"
	"github.com/lumidm/lumidm/internal/config"
	"github.com/lumidm/lumidm/internal/display"
	"github.com/lumidm/lumidm/internal/displayserver"
	"github.com/lumidm/lumidm/internal/logging"
	"github.com/lumidm/lumidm/internal/pamauth"
	"github.com/lumidm/lumidm/internal/session"
	"github.com/lumidm/lumidm/internal/tracking"
	"github.com/lumidm/lumidm/internal/users"
	"github.com/lumidm/lumidm/internal/vt"
)

// ErrStopping is returned when an operation arrives on a seat that is
// winding down.
var ErrStopping = errors.New("seat is stopping")

// ErrCannotSwitch is returned when the seat's backend has no way to
// present more than one session.
var ErrCannotSwitch = errors.New("seat cannot switch sessions")

// Deps is the process-wide wiring a seat needs. One Deps value is built
// at daemon startup and shared by every seat.
type Deps struct {
	Monitor  *childproc.Monitor
	Backend  pamauth.Backend
	Users    users.Lookup
	Registry tracking.Registry

	// VTs and Numbers are the process-wide virtual-terminal and
	// display-number pools.
	VTs     *vt.Table
	Numbers *displayserver.NumberAllocator
	Drivers *DriverRegistry

	LogDir   string
	RunDir   string
	CacheDir string

	SessionDirs []string
	GreeterDirs []string

	LogMode logging.Mode
}

// Events is what a seat reports to the display manager.
type Events interface {
	SessionStarted(s *Seat, entry tracking.Entry)
	SessionStopped(s *Seat, cookie string)
	// Stopped fires exactly once, when the last display is gone.
	Stopped(s *Seat)
}

// startOptions shape the display a seat is about to add.
type startOptions struct {
	// autologin permits the configured autologin to run on this
	// display; only the seat's initial display gets it.
	autologin bool
	// selectUser and selectGuest preselect an account in the greeter.
	selectUser  string
	selectGuest bool
}

type displayEntry struct {
	d  *display.Display
	vt int
}

// Seat is one physical or logical seat with its displays.
type Seat struct {
	deps   Deps
	props  *config.SeatProperties
	events Events
	logger *slog.Logger
	driver Driver

	displays []*displayEntry
	stopping bool
	done     bool
}

// New resolves the seat's driver from its type= property and builds the
// seat. Nothing starts until Start.
func New(deps Deps, props *config.SeatProperties, events Events, logger *slog.Logger) (*Seat, error) {
	if logger == nil {
		logger = slog.Default()
	}
	kind := props.GetString("type")
	if kind == "" {
		kind = "xlocal"
	}
	driver, err := deps.Drivers.Get(kind)
	if err != nil {
		return nil, fmt.Errorf("seat %s: %w", props.Name(), err)
	}
	return &Seat{
		deps:   deps,
		props:  props,
		events: events,
		logger: logger.With("seat", props.Name()),
		driver: driver,
	}, nil
}

// Name returns the configured seat name.
func (s *Seat) Name() string { return s.props.Name() }

// CanSwitch reports whether this seat can present more than one session
// at a time.
func (s *Seat) CanSwitch() bool {
	if !s.driver.CanSwitch() {
		return false
	}
	if s.driver.UsesVT() && s.deps.VTs != nil {
		return s.deps.VTs.CanMultiSeat()
	}
	return true
}

// Displays returns the live displays, for enumeration.
func (s *Seat) Displays() []*display.Display {
	out := make([]*display.Display, 0, len(s.displays))
	for _, e := range s.displays {
		out = append(out, e.d)
	}
	return out
}

// Start brings up the seat's initial display. Autologin configuration
// applies only here; displays added by later switches always go through
// the greeter.
func (s *Seat) Start() error {
	s.logger.Info("starting seat", "type", s.driver.Name())
	return s.addDisplay(startOptions{autologin: true})
}

// SwitchToGreeter shows a greeter, reusing one that is already running
// on this seat.
func (s *Seat) SwitchToGreeter() error {
	if s.stopping {
		return ErrStopping
	}
	if !s.CanSwitch() {
		return ErrCannotSwitch
	}
	for _, e := range s.displays {
		if e.d.SessionType().IsGreeter() {
			return s.activate(e)
		}
	}
	return s.addDisplay(startOptions{})
}

// SwitchToUser makes username's session visible, starting a greeter
// with the account preselected when no such session is running.
func (s *Seat) SwitchToUser(username, sessionName string) error {
	if s.stopping {
		return ErrStopping
	}
	if !s.CanSwitch() {
		return ErrCannotSwitch
	}
	for _, e := range s.displays {
		if e.d.SessionUsername() == username {
			return s.activate(e)
		}
	}
	return s.addDisplay(startOptions{selectUser: username})
}

// SwitchToGuest switches to the running guest session, or starts a
// fresh guest login.
func (s *Seat) SwitchToGuest(sessionName string) error {
	if s.stopping {
		return ErrStopping
	}
	if !s.CanSwitch() {
		return ErrCannotSwitch
	}
	guest := s.guestAccount()
	if guest == "" {
		return errors.New("guest login is disabled")
	}
	for _, e := range s.displays {
		if e.d.SessionUsername() == guest {
			return s.activate(e)
		}
	}
	return s.addDisplay(startOptions{selectGuest: true})
}

// Lock hides the running sessions behind a greeter.
func (s *Seat) Lock() error {
	return s.SwitchToGreeter()
}

// Stop asks every display to wind down. Stopped fires once the list is
// empty; a seat with no displays stops immediately.
func (s *Seat) Stop() {
	if s.stopping {
		return
	}
	s.logger.Info("stopping seat")
	s.stopping = true
	for _, e := range s.displays {
		e.d.Stop()
	}
	s.finish()
}

func (s *Seat) activate(e *displayEntry) error {
	if e.vt > 0 && s.deps.VTs != nil {
		return s.deps.VTs.Activate(e.vt)
	}
	return nil
}

// addDisplay allocates resources, builds the display and starts it. The
// entry is registered before Start so a synchronous failure path still
// finds it for cleanup.
func (s *Seat) addDisplay(opts startOptions) error {
	if s.stopping {
		return ErrStopping
	}

	vtNumber := 0
	if s.driver.UsesVT() && s.deps.VTs != nil {
		if n := s.props.GetInteger("xserver-vt"); n > 0 {
			vtNumber = n
			s.deps.VTs.Ref(vtNumber)
		} else {
			vtNumber = s.deps.VTs.Unused()
		}
	}

	cfg := s.displayConfig(opts)
	cfg.Server = s.driver.Factory(s, vtNumber)

	e := &displayEntry{vt: vtNumber}
	e.d = display.New(s.deps.Monitor, cfg, s, s.logger)
	s.displays = append(s.displays, e)

	if err := e.d.Start(); err != nil {
		return fmt.Errorf("seat %s: %w", s.Name(), err)
	}
	return nil
}

func (s *Seat) displayConfig(opts startOptions) display.Config {
	cfg := display.Config{
		SeatName: s.Name(),

		PAMService:          stringOr(s.props, "pam-service", "lumidm"),
		PAMAutologinService: stringOr(s.props, "pam-autologin-service", "lumidm-autologin"),

		UserSession:         stringOr(s.props, "user-session", "default"),
		SessionDirs:         s.deps.SessionDirs,
		SessionWrapper:      s.props.GetString("session-wrapper"),
		GuestSessionWrapper: s.props.GetString("guest-session-wrapper"),
		Language:            s.props.GetString("language"),

		GuestUser: s.guestAccount(),

		// An XDMCP query server is a proxy for a remote manager's
		// greeter; no local session runs on it.
		Passive: s.props.GetString("xdmcp-manager") != "",

		Backend:  s.deps.Backend,
		Users:    s.deps.Users,
		Registry: s.deps.Registry,

		DisplaySetupScript: s.props.GetString("display-setup-script"),
		GreeterSetupScript: s.props.GetString("greeter-setup-script"),
		SessionSetupScript: s.props.GetString("session-setup-script"),
		RunScript:          func(command string) error { return RunScript(command, s.logger) },

		CacheDir: s.deps.CacheDir,
		LogDir:   s.deps.LogDir,
		LogMode:  s.deps.LogMode,
	}

	if name := s.props.GetString("greeter-session"); name != "" {
		desc, err := session.LoadDesc(s.deps.GreeterDirs, name)
		if err != nil {
			s.logger.Warn("cannot resolve greeter session", "greeter", name, "error", err)
		} else {
			cfg.GreeterCommand = desc.Exec
			cfg.GreeterUser = s.greeterAccount()
		}
	}
	cfg.GreeterHints.Theme = s.props.GetString("greeter-theme")
	cfg.GreeterHints.DefaultLayout = stringOr(s.props, "default-layout", "us")
	cfg.GreeterHints.DefaultSession = cfg.UserSession
	cfg.GreeterHints.SelectUser = opts.selectUser
	cfg.GreeterHints.SelectGuest = opts.selectGuest

	if opts.autologin {
		cfg.AutologinUser = s.props.GetString("autologin-user")
		cfg.AutologinGuest = s.props.GetBoolean("autologin-guest") && cfg.GuestUser != ""
		if secs := s.props.GetInteger("autologin-user-timeout"); secs > 0 {
			cfg.AutologinTimeout = time.Duration(secs) * time.Second
		}
		cfg.FallbackToGreeter = true
		if s.props.HasKey("autologin-fallback") {
			cfg.FallbackToGreeter = s.props.GetBoolean("autologin-fallback")
		}
	}

	return cfg
}

func (s *Seat) guestAccount() string {
	allowed := true
	if s.props.HasKey("allow-guest") {
		allowed = s.props.GetBoolean("allow-guest")
	}
	if !allowed {
		return ""
	}
	return s.props.GetString("guest-account")
}

// greeterAccount resolves the account the greeter runs as. An
// unprivileged daemon cannot change uid, so in that mode the greeter
// runs as the invoking user whatever is configured.
func (s *Seat) greeterAccount() *users.User {
	if os.Geteuid() != 0 {
		if u, err := user.Current(); err == nil {
			if account, err := s.deps.Users.Lookup(u.Username); err == nil {
				return account
			}
			return &users.User{Name: u.Username, UID: os.Getuid(), GID: os.Getgid(), Home: u.HomeDir, Shell: "/bin/sh"}
		}
		return nil
	}
	name := stringOr(s.props, "greeter-user", "lumidm")
	account, err := s.deps.Users.Lookup(name)
	if err != nil {
		s.logger.Warn("greeter user not found", "username", name, "error", err)
		return nil
	}
	return account
}

// SessionStarted implements display.Events.
func (s *Seat) SessionStarted(d *display.Display, entry tracking.Entry) {
	s.events.SessionStarted(s, entry)
}

// SessionStopped implements display.Events.
func (s *Seat) SessionStopped(d *display.Display, cookie string) {
	s.events.SessionStopped(s, cookie)
}

// Stopped implements display.Events: a display is fully down, release
// its terminal and drop it from the seat.
func (s *Seat) Stopped(d *display.Display) {
	for i, e := range s.displays {
		if e.d != d {
			continue
		}
		if e.vt > 0 && s.deps.VTs != nil {
			s.deps.VTs.Unref(e.vt)
		}
		s.displays = append(s.displays[:i], s.displays[i+1:]...)
		break
	}
	s.finish()
}

// finish raises the seat's stopped event once the display list drains.
// A seat whose last display dies on its own is finished too; the
// display manager decides whether that ends the process.
func (s *Seat) finish() {
	if s.done || len(s.displays) != 0 {
		return
	}
	s.done = true
	s.stopping = true
	s.logger.Info("seat stopped")
	s.events.Stopped(s)
}

func stringOr(p *config.SeatProperties, key, fallback string) string {
	if v := p.GetString(key); v != "" {
		return v
	}
	return fallback
}
