package dm

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/require"

	"github.com/lumidm/lumidm/internal/childproc"
	"github.com/lumidm/lumidm/internal/config"
	"github.com/lumidm/lumidm/internal/display"
	"github.com/lumidm/lumidm/internal/displayserver"
	"github.com/lumidm/lumidm/internal/pamauth"
	"github.com/lumidm/lumidm/internal/seat"
	"github.com/lumidm/lumidm/internal/tracking"
	"github.com/lumidm/lumidm/internal/users"
	"github.com/lumidm/lumidm/internal/xauth"
	"github.com/lumidm/lumidm/pkg/types"
)

type fakeServer struct {
	monitor *childproc.Monitor
	events  displayserver.Events
	stopped bool
}

func (f *fakeServer) Start() error {
	f.monitor.Post(func() { f.events.Ready(f) })
	return nil
}

func (f *fakeServer) Stop() {
	if f.stopped {
		return
	}
	f.stopped = true
	f.monitor.Post(func() { f.events.Stopped(f) })
}

func (f *fakeServer) State() types.DisplayServerState { return types.DisplayServerReady }
func (f *fakeServer) DisplayName() string             { return ":90" }
func (f *fakeServer) Authority() *xauth.Record        { return nil }
func (f *fakeServer) AuthorityPath() string           { return "" }
func (f *fakeServer) VT() int                         { return 0 }

type fakeDriver struct {
	monitor *childproc.Monitor
}

func (d *fakeDriver) Name() string    { return "fake" }
func (d *fakeDriver) CanSwitch() bool { return true }
func (d *fakeDriver) UsesVT() bool    { return false }

func (d *fakeDriver) Factory(s *seat.Seat, vtNumber int) display.ServerFactory {
	return func(ev displayserver.Events) displayserver.DisplayServer {
		return &fakeServer{monitor: d.monitor, events: ev}
	}
}

type managerEvents struct {
	seatAdded   chan string
	seatRemoved chan string
	started     chan tracking.Entry
	stopped     chan struct{}
}

func newManagerEvents() *managerEvents {
	return &managerEvents{
		seatAdded:   make(chan string, 8),
		seatRemoved: make(chan string, 8),
		started:     make(chan tracking.Entry, 8),
		stopped:     make(chan struct{}, 1),
	}
}

func (e *managerEvents) SeatAdded(s *seat.Seat)                         { e.seatAdded <- s.Name() }
func (e *managerEvents) SeatRemoved(s *seat.Seat)                       { e.seatRemoved <- s.Name() }
func (e *managerEvents) SessionStarted(s *seat.Seat, en tracking.Entry) { e.started <- en }
func (e *managerEvents) SessionStopped(s *seat.Seat, cookie string)     {}
func (e *managerEvents) Stopped()                                       { e.stopped <- struct{}{} }

type fixture struct {
	monitor *childproc.Monitor
	cfg     *config.Config
	deps    seat.Deps
	events  *managerEvents
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	monitor := childproc.NewMonitor(nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go monitor.Run(ctx)

	registry, err := tracking.Open(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { registry.Close() })

	dir := t.TempDir()
	credentials := filepath.Join(dir, "credentials.yaml")
	require.NoError(t, os.WriteFile(credentials, []byte("users:\n  alice:\n    password: \"\"\n"), 0o600))
	backend, err := pamauth.NewFileBackend(credentials)
	require.NoError(t, err)

	home := filepath.Join(dir, "home")
	require.NoError(t, os.MkdirAll(home, 0o755))
	alice := &users.User{Name: "alice", UID: os.Getuid(), GID: os.Getgid(), Home: home, Shell: "/bin/sh"}

	sessions := filepath.Join(dir, "sessions")
	require.NoError(t, os.MkdirAll(sessions, 0o755))
	entry := "[Desktop Entry]\nName=Default\nExec=sh -c 'sleep 60'\n"
	require.NoError(t, os.WriteFile(filepath.Join(sessions, "default.desktop"), []byte(entry), 0o644))

	drivers := seat.NewDriverRegistry()
	drivers.Register(&fakeDriver{monitor: monitor})

	cfg := config.New()
	cfg.Set(config.SectionSeatDefaults, "type", "fake")
	cfg.Set(config.SectionSeatDefaults, "user-session", "default")
	cfg.Set(config.SectionSeatDefaults, "autologin-user", "alice")

	return &fixture{
		monitor: monitor,
		cfg:     cfg,
		events:  newManagerEvents(),
		deps: seat.Deps{
			Monitor:     monitor,
			Backend:     backend,
			Users:       users.NewStatic(alice),
			Registry:    registry,
			Drivers:     drivers,
			CacheDir:    filepath.Join(dir, "cache"),
			SessionDirs: []string{sessions},
		},
	}
}

func (f *fixture) manager(t *testing.T) *Manager {
	t.Helper()
	m := New(f.deps, f.cfg, nil)
	m.SetEvents(f.events)
	return m
}

func onLoop(t *testing.T, monitor *childproc.Monitor, fn func() error) error {
	t.Helper()
	ch := make(chan error, 1)
	monitor.Post(func() { ch <- fn() })
	select {
	case err := <-ch:
		return err
	case <-time.After(15 * time.Second):
		t.Fatal("timed out waiting for control goroutine")
		return nil
	}
}

func waitName(t *testing.T, ch chan string) string {
	t.Helper()
	select {
	case name := <-ch:
		return name
	case <-time.After(15 * time.Second):
		t.Fatal("timed out waiting for seat event")
		return ""
	}
}

func waitManagerStopped(t *testing.T, f *fixture) {
	t.Helper()
	select {
	case <-f.events.stopped:
	case <-time.After(15 * time.Second):
		t.Fatal("timed out waiting for manager stop")
	}
}

func TestStartBringsUpConfiguredSeats(t *testing.T) {
	f := newFixture(t)
	f.cfg.Set("Seat:left", "type", "fake")
	f.cfg.Set("Seat:right", "type", "fake")

	m := f.manager(t)
	require.NoError(t, onLoop(t, f.monitor, m.Start))

	added := map[string]bool{}
	added[waitName(t, f.events.seatAdded)] = true
	added[waitName(t, f.events.seatAdded)] = true
	require.True(t, added["left"] && added["right"], "both configured seats must come up: %v", added)

	f.monitor.Post(m.Stop)
	waitManagerStopped(t, f)
}

func TestStartFallsBackToDefaultSeat(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)
	require.NoError(t, onLoop(t, f.monitor, m.Start))
	require.Equal(t, "seat0", waitName(t, f.events.seatAdded))

	entry := <-f.events.started
	require.Equal(t, "alice", entry.Username)
	require.Equal(t, "seat0", entry.SeatName)

	f.monitor.Post(m.Stop)
	waitManagerStopped(t, f)
}

func TestStartDefaultSeatDisabled(t *testing.T) {
	f := newFixture(t)
	f.cfg.Set(config.SectionDaemon, "start-default-seat", "false")

	m := f.manager(t)
	require.NoError(t, onLoop(t, f.monitor, m.Start))

	var count int
	require.NoError(t, onLoop(t, f.monitor, func() error { count = len(m.Seats()); return nil }))
	require.Zero(t, count)

	f.monitor.Post(m.Stop)
	waitManagerStopped(t, f)
}

func TestDuplicateSeatNameIsRejected(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)

	require.NoError(t, onLoop(t, f.monitor, func() error { _, err := m.AddSeat("seat0"); return err }))
	err := onLoop(t, f.monitor, func() error { _, err := m.AddSeat("seat0"); return err })
	require.Error(t, err)

	f.monitor.Post(m.Stop)
	waitManagerStopped(t, f)
}

func TestAddSeatOfUnknownTypeFails(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)

	err := onLoop(t, f.monitor, func() error { _, err := m.AddSeatOfType("hologram"); return err })
	require.Error(t, err)

	var count int
	require.NoError(t, onLoop(t, f.monitor, func() error { count = len(m.Seats()); return nil }))
	require.Zero(t, count)
}

func TestSeatLookup(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)

	require.NoError(t, onLoop(t, f.monitor, func() error { _, err := m.AddSeat("seat0"); return err }))

	require.NoError(t, onLoop(t, f.monitor, func() error { _, err := m.Seat("seat0"); return err }))
	err := onLoop(t, f.monitor, func() error { _, err := m.Seat("ghost"); return err })
	require.ErrorIs(t, err, ErrNoSeat)

	f.monitor.Post(m.Stop)
	waitManagerStopped(t, f)
}

func TestBusPublishesSeats(t *testing.T) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		t.Skip("no session bus available")
	}
	t.Cleanup(func() { conn.Close() })

	f := newFixture(t)
	m := New(f.deps, f.cfg, nil)

	bus, err := PublishBus(conn, m, f.monitor, nil)
	require.NoError(t, err)
	t.Cleanup(func() { bus.Close() })

	obj := conn.Object(busName, managerPath)

	var path dbus.ObjectPath
	require.NoError(t, obj.Call(managerInterface+".AddSeat", 0, "fake").Store(&path))
	require.True(t, path.IsValid())

	var paths []dbus.ObjectPath
	require.NoError(t, obj.Call(managerInterface+".ListSeats", 0).Store(&paths))
	require.Equal(t, []dbus.ObjectPath{path}, paths)

	seatObj := conn.Object(busName, path)
	require.NoError(t, seatObj.Call(seatInterface+".Lock", 0).Err)

	f.monitor.Post(m.Stop)
	require.Eventually(t, func() bool {
		var after []dbus.ObjectPath
		if err := obj.Call(managerInterface+".ListSeats", 0).Store(&after); err != nil {
			return false
		}
		return len(after) == 0
	}, 15*time.Second, 50*time.Millisecond)
}
