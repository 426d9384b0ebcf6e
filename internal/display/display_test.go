package display

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lumidm/lumidm/internal/childproc"
	"github.com/lumidm/lumidm/internal/displayserver"
	"github.com/lumidm/lumidm/internal/greeter"
	"github.com/lumidm/lumidm/internal/pamauth"
	"github.com/lumidm/lumidm/internal/tracking"
	"github.com/lumidm/lumidm/internal/users"
	"github.com/lumidm/lumidm/internal/xauth"
	"github.com/lumidm/lumidm/pkg/types"
)

// fakeServer is a display server whose readiness is scripted.
type fakeServer struct {
	monitor *childproc.Monitor
	events  displayserver.Events
	// dieOnStart makes the server exit before ever reporting ready.
	dieOnStart bool

	stopped bool
}

func (f *fakeServer) Start() error {
	if f.dieOnStart {
		f.monitor.Post(func() { f.events.Stopped(f) })
		return nil
	}
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

type displayEvents struct {
	started        chan tracking.Entry
	sessionStopped chan string
	stopped        chan struct{}
}

func newDisplayEvents() *displayEvents {
	return &displayEvents{
		started:        make(chan tracking.Entry, 4),
		sessionStopped: make(chan string, 4),
		stopped:        make(chan struct{}, 1),
	}
}

func (e *displayEvents) SessionStarted(d *Display, entry tracking.Entry) { e.started <- entry }
func (e *displayEvents) SessionStopped(d *Display, cookie string)        { e.sessionStopped <- cookie }
func (e *displayEvents) Stopped(d *Display)                              { e.stopped <- struct{}{} }

type fixture struct {
	monitor  *childproc.Monitor
	events   *displayEvents
	registry *tracking.Store
	dir      string
	homes    string
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

	return &fixture{
		monitor:  monitor,
		events:   newDisplayEvents(),
		registry: registry,
		dir:      t.TempDir(),
		homes:    t.TempDir(),
	}
}

func (f *fixture) user(t *testing.T, name string) *users.User {
	t.Helper()
	home := filepath.Join(f.homes, name)
	require.NoError(t, os.MkdirAll(home, 0o755))
	return &users.User{Name: name, UID: os.Getuid(), GID: os.Getgid(), Home: home, Shell: "/bin/sh"}
}

func (f *fixture) backend(t *testing.T, content string) pamauth.Backend {
	t.Helper()
	path := filepath.Join(f.dir, "credentials.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	b, err := pamauth.NewFileBackend(path)
	require.NoError(t, err)
	return b
}

// sessionsDir creates a desktop entry whose Exec appends a line to
// logPath and then idles.
func (f *fixture) sessionsDir(t *testing.T, key, logPath string) string {
	t.Helper()
	dir := filepath.Join(f.dir, "sessions")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	exec := fmt.Sprintf("sh -c 'echo %s >> %s; sleep 60'", key, logPath)
	content := "[Desktop Entry]\nName=" + key + "\nExec=" + exec + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, key+".desktop"), []byte(content), 0o644))
	return dir
}

func (f *fixture) baseConfig(t *testing.T, backend pamauth.Backend, userList users.Lookup) Config {
	t.Helper()
	return Config{
		SeatName:            "seat0",
		Server:              func(ev displayserver.Events) displayserver.DisplayServer { return &fakeServer{monitor: f.monitor, events: ev} },
		PAMService:          "lumidm",
		PAMAutologinService: "lumidm-autologin",
		UserSession:         "default",
		Backend:             backend,
		Users:               userList,
		Registry:            f.registry,
		FallbackToGreeter:   true,
		CacheDir:            filepath.Join(f.dir, "cache"),
	}
}

func waitEntry(t *testing.T, ch chan tracking.Entry) tracking.Entry {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(15 * time.Second):
		t.Fatal("timed out waiting for session start")
		return tracking.Entry{}
	}
}

func waitStopped(t *testing.T, f *fixture) {
	t.Helper()
	select {
	case <-f.events.stopped:
	case <-time.After(15 * time.Second):
		t.Fatal("timed out waiting for display stop")
	}
}

const credentials = `
users:
  alice:
    password: ""
  bob:
    password: ""
  carol:
    password: secret
  guest:
    password: ""
`

func TestAutologinStartsUserSessionDirectly(t *testing.T) {
	f := newFixture(t)
	backend := f.backend(t, credentials)
	userList := users.NewStatic(f.user(t, "alice"))

	sessionLog := filepath.Join(f.dir, "session.log")
	greeterMarker := filepath.Join(f.dir, "greeter-ran")

	cfg := f.baseConfig(t, backend, userList)
	cfg.SessionDirs = []string{f.sessionsDir(t, "default", sessionLog)}
	cfg.AutologinUser = "alice"
	cfg.GreeterUser = f.user(t, "greeteruser")
	cfg.GreeterCommand = "touch " + greeterMarker

	d := New(f.monitor, cfg, f.events, nil)
	f.monitor.Post(func() { _ = d.Start() })

	entry := waitEntry(t, f.events.started)
	require.Equal(t, "alice", entry.Username)
	require.Equal(t, "seat0", entry.SeatName)
	require.Equal(t, ":90", entry.DisplayName)

	_, err := os.Stat(greeterMarker)
	require.True(t, os.IsNotExist(err), "greeter must never run for direct autologin")

	f.monitor.Post(d.Stop)
	waitStopped(t, f)
}

func TestAutologinAbortsOnPromptAndFallsBackToGreeter(t *testing.T) {
	f := newFixture(t)
	backend := f.backend(t, credentials)
	userList := users.NewStatic(f.user(t, "carol"))

	greeterMarker := filepath.Join(f.dir, "greeter-ran")

	cfg := f.baseConfig(t, backend, userList)
	cfg.SessionDirs = []string{f.sessionsDir(t, "default", filepath.Join(f.dir, "session.log"))}
	// carol has a password, so the backend must prompt; autologin has
	// to abort instead of waiting.
	cfg.AutologinUser = "carol"
	cfg.GreeterUser = f.user(t, "greeteruser")
	cfg.GreeterCommand = fmt.Sprintf("sh -c 'touch %s; sleep 60'", greeterMarker)

	d := New(f.monitor, cfg, f.events, nil)
	f.monitor.Post(func() { _ = d.Start() })

	require.Eventually(t, func() bool {
		_, err := os.Stat(greeterMarker)
		return err == nil
	}, 15*time.Second, 20*time.Millisecond, "greeter fallback never started")

	select {
	case e := <-f.events.started:
		t.Fatalf("unexpected session start for %q", e.Username)
	default:
	}

	f.monitor.Post(d.Stop)
	waitStopped(t, f)
}

// shellBytes renders raw bytes as octal escapes for a POSIX printf
// format string.
func shellBytes(b []byte) string {
	var sb strings.Builder
	for _, c := range b {
		fmt.Fprintf(&sb, `\%03o`, c)
	}
	return sb.String()
}

func message(t *testing.T, b *greeter.Builder) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, b.WriteTo(&buf))
	return buf.Bytes()
}

func TestGreeterLoginHandsOffAfterGreeterExit(t *testing.T) {
	f := newFixture(t)
	backend := f.backend(t, credentials)
	userList := users.NewStatic(f.user(t, "bob"))

	sessionLog := filepath.Join(f.dir, "session.log")
	exitMarker := filepath.Join(f.dir, "greeter-exited")

	// A scripted greeter: connect and authenticate bob (passwordless,
	// so authentication completes without a round trip), then request
	// login. It records its own exit so the user session can verify
	// the ordering.
	phase1 := shellBytes(append(
		message(t, greeter.NewMessage(greeter.MsgConnect)),
		message(t, greeter.NewMessage(greeter.MsgStartAuthentication).AddString("bob"))...))
	phase2 := shellBytes(message(t, greeter.NewMessage(greeter.MsgLogin).
		AddString("bob").AddString("default").AddString("")))
	greeterCmd := fmt.Sprintf(
		`sh -c 'printf "%s" >&$LUMIDM_TO_SERVER_FD; sleep 1; printf "%s" >&$LUMIDM_TO_SERVER_FD; trap "touch %s; exit 0" TERM; sleep 60 & wait'`,
		phase1, phase2, exitMarker)

	// The user session only logs "ordered" if the greeter exited
	// before it was spawned.
	sessionsDir := filepath.Join(f.dir, "sessions")
	require.NoError(t, os.MkdirAll(sessionsDir, 0o755))
	exec := fmt.Sprintf("sh -c 'test -f %s && echo ordered >> %s; sleep 60'", exitMarker, sessionLog)
	require.NoError(t, os.WriteFile(filepath.Join(sessionsDir, "default.desktop"),
		[]byte("[Desktop Entry]\nName=Default\nExec="+exec+"\n"), 0o644))

	cfg := f.baseConfig(t, backend, userList)
	cfg.SessionDirs = []string{sessionsDir}
	cfg.GreeterUser = f.user(t, "greeteruser")
	cfg.GreeterCommand = greeterCmd

	d := New(f.monitor, cfg, f.events, nil)
	f.monitor.Post(func() { _ = d.Start() })

	entry := waitEntry(t, f.events.started)
	require.Equal(t, "bob", entry.Username)

	require.Eventually(t, func() bool {
		raw, err := os.ReadFile(sessionLog)
		return err == nil && strings.Contains(string(raw), "ordered")
	}, 15*time.Second, 20*time.Millisecond, "user session started before the greeter exited")

	open, err := f.registry.Sessions()
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, "bob", open[0].Username)

	f.monitor.Post(d.Stop)
	waitStopped(t, f)

	open, err = f.registry.Sessions()
	require.NoError(t, err)
	require.Empty(t, open, "session record closed on stop")
}

func TestTimedGuestLoginRunsGreeterThenGuestSession(t *testing.T) {
	f := newFixture(t)
	backend := f.backend(t, credentials)
	userList := users.NewStatic(f.user(t, "guest"))

	greeterMarker := filepath.Join(f.dir, "greeter-ran")

	// A greeter that connects and idles; the timed guest login must
	// expire on its own and hand over to a guest session.
	connect := shellBytes(message(t, greeter.NewMessage(greeter.MsgConnect)))
	greeterCmd := fmt.Sprintf(
		`sh -c 'touch %s; printf "%s" >&$LUMIDM_TO_SERVER_FD; trap "exit 0" TERM; sleep 60 & wait'`,
		greeterMarker, connect)

	cfg := f.baseConfig(t, backend, userList)
	cfg.SessionDirs = []string{f.sessionsDir(t, "default", filepath.Join(f.dir, "session.log"))}
	cfg.AutologinGuest = true
	cfg.GuestUser = "guest"
	cfg.AutologinTimeout = 200 * time.Millisecond
	cfg.GreeterUser = f.user(t, "greeteruser")
	cfg.GreeterCommand = greeterCmd

	d := New(f.monitor, cfg, f.events, nil)
	f.monitor.Post(func() { _ = d.Start() })

	entry := waitEntry(t, f.events.started)
	require.Equal(t, "guest", entry.Username)
	require.FileExists(t, greeterMarker, "timed guest login must go through the greeter")

	f.monitor.Post(d.Stop)
	waitStopped(t, f)
}

func TestGreeterReceivesSelectUserHint(t *testing.T) {
	f := newFixture(t)
	backend := f.backend(t, credentials)

	capture := filepath.Join(f.dir, "greeter-capture")
	connect := shellBytes(message(t, greeter.NewMessage(greeter.MsgConnect)))
	greeterCmd := fmt.Sprintf(
		`sh -c 'printf "%s" >&$LUMIDM_TO_SERVER_FD; cat <&$LUMIDM_FROM_SERVER_FD > %s'`,
		connect, capture)

	cfg := f.baseConfig(t, backend, users.NewStatic())
	cfg.GreeterUser = f.user(t, "greeteruser")
	cfg.GreeterCommand = greeterCmd
	cfg.GreeterHints.SelectUser = "carol"

	d := New(f.monitor, cfg, f.events, nil)
	f.monitor.Post(func() { _ = d.Start() })

	// The preselect hint follows the handshake reply on the wire.
	require.Eventually(t, func() bool {
		raw, err := os.ReadFile(capture)
		if err != nil {
			return false
		}
		var r greeter.Reader
		messages, err := r.Feed(raw)
		if err != nil {
			return false
		}
		for _, m := range messages {
			if m.ID != greeter.MsgSelectUser {
				continue
			}
			username, err := m.String()
			return err == nil && username == "carol"
		}
		return false
	}, 15*time.Second, 20*time.Millisecond, "select-user hint never reached the greeter")

	f.monitor.Post(d.Stop)
	waitStopped(t, f)
}

func TestServerDiesBeforeReady(t *testing.T) {
	f := newFixture(t)
	backend := f.backend(t, credentials)
	userList := users.NewStatic(f.user(t, "alice"))

	cfg := f.baseConfig(t, backend, userList)
	cfg.Server = func(ev displayserver.Events) displayserver.DisplayServer {
		return &fakeServer{monitor: f.monitor, events: ev, dieOnStart: true}
	}
	cfg.AutologinUser = "alice"
	cfg.SessionDirs = []string{f.sessionsDir(t, "default", filepath.Join(f.dir, "session.log"))}

	d := New(f.monitor, cfg, f.events, nil)
	f.monitor.Post(func() { _ = d.Start() })

	waitStopped(t, f)
	select {
	case e := <-f.events.started:
		t.Fatalf("session %q started without a ready server", e.Username)
	default:
	}
}

func TestPassiveServerStartsNoSession(t *testing.T) {
	f := newFixture(t)
	backend := f.backend(t, credentials)

	cfg := f.baseConfig(t, backend, users.NewStatic())
	cfg.Passive = true
	cfg.AutologinUser = "alice"

	d := New(f.monitor, cfg, f.events, nil)
	f.monitor.Post(func() { _ = d.Start() })

	time.Sleep(300 * time.Millisecond)
	select {
	case e := <-f.events.started:
		t.Fatalf("session %q started on passive display", e.Username)
	default:
	}

	f.monitor.Post(d.Stop)
	waitStopped(t, f)
}

func TestStopDuringGreeter(t *testing.T) {
	f := newFixture(t)
	backend := f.backend(t, credentials)

	cfg := f.baseConfig(t, backend, users.NewStatic())
	cfg.GreeterUser = f.user(t, "greeteruser")
	cfg.GreeterCommand = "sleep 60"

	d := New(f.monitor, cfg, f.events, nil)
	f.monitor.Post(func() { _ = d.Start() })

	// Give the greeter a moment to spawn, then stop mid-flight.
	time.Sleep(300 * time.Millisecond)
	f.monitor.Post(d.Stop)
	waitStopped(t, f)
}

func TestNoGreeterConfiguredStops(t *testing.T) {
	f := newFixture(t)
	backend := f.backend(t, credentials)

	cfg := f.baseConfig(t, backend, users.NewStatic())
	// No greeter and no autologin: nothing can run on this display.

	d := New(f.monitor, cfg, f.events, nil)
	f.monitor.Post(func() { _ = d.Start() })
	waitStopped(t, f)
}
