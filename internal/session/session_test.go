package session

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lumidm/lumidm/internal/childproc"
	"github.com/lumidm/lumidm/internal/users"
	"github.com/lumidm/lumidm/internal/xauth"
)

func writeDesktopFile(t *testing.T, dir, key, name, exec string) {
	t.Helper()
	content := "[Desktop Entry]\nName=" + name + "\nExec=" + exec + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, key+".desktop"), []byte(content), 0o644))
}

func TestLoadDesc(t *testing.T) {
	dir := t.TempDir()
	writeDesktopFile(t, dir, "xfce", "Xfce Session", "startxfce4")

	d, err := LoadDesc([]string{dir}, "xfce")
	require.NoError(t, err)
	require.Equal(t, "xfce", d.Key)
	require.Equal(t, "Xfce Session", d.Name)
	require.Equal(t, "startxfce4", d.Exec)
}

func TestLoadDescFirstDirWins(t *testing.T) {
	first := t.TempDir()
	second := t.TempDir()
	writeDesktopFile(t, first, "xfce", "First", "first-exec")
	writeDesktopFile(t, second, "xfce", "Second", "second-exec")

	d, err := LoadDesc([]string{first, second}, "xfce")
	require.NoError(t, err)
	require.Equal(t, "first-exec", d.Exec)
}

func TestLoadDescUnknown(t *testing.T) {
	_, err := LoadDesc([]string{t.TempDir()}, "nosuch")
	require.ErrorIs(t, err, ErrUnknownSession)
}

func TestLoadDescMissingExec(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.desktop"),
		[]byte("[Desktop Entry]\nName=Broken\n"), 0o644))
	_, err := LoadDesc([]string{dir}, "broken")
	require.Error(t, err)
}

func TestListDescs(t *testing.T) {
	first := t.TempDir()
	second := t.TempDir()
	writeDesktopFile(t, first, "xfce", "Xfce", "startxfce4")
	writeDesktopFile(t, second, "xfce", "Shadowed", "other")
	writeDesktopFile(t, second, "gnome", "GNOME", "gnome-session")

	descs := ListDescs([]string{first, second})
	require.Len(t, descs, 2)
	byKey := make(map[string]*Desc)
	for _, d := range descs {
		byKey[d.Key] = d
	}
	require.Equal(t, "startxfce4", byKey["xfce"].Exec, "earlier directory shadows later")
	require.Equal(t, "gnome-session", byKey["gnome"].Exec)
}

func testUser(home string) *users.User {
	return &users.User{Name: "tester", UID: os.Getuid(), GID: os.Getgid(), Home: home, Shell: "/bin/sh"}
}

func TestPreferencesRoundTrip(t *testing.T) {
	home := t.TempDir()
	cache := t.TempDir()
	user := testUser(home)

	prefs := Preferences{Session: "xfce", Language: "en_GB.UTF-8", Layout: "gb"}
	SavePreferences(user, cache, prefs, nil)

	require.Equal(t, prefs, LoadPreferences(user, cache, nil))
}

func TestPreferencesCacheFallback(t *testing.T) {
	home := t.TempDir()
	cache := t.TempDir()
	user := testUser(home)

	SavePreferences(user, cache, Preferences{Session: "gnome"}, nil)
	require.NoError(t, os.Remove(filepath.Join(home, ".dmrc")))

	got := LoadPreferences(user, cache, nil)
	require.Equal(t, "gnome", got.Session)
}

func TestPreferencesMissingEverywhere(t *testing.T) {
	user := testUser(t.TempDir())
	require.Equal(t, Preferences{}, LoadPreferences(user, t.TempDir(), nil))
}

type exitWatcher struct {
	childproc.NopWatcher
	exited chan int
	data   chan []byte
}

func newExitWatcher() *exitWatcher {
	return &exitWatcher{exited: make(chan int, 1), data: make(chan []byte, 16)}
}

func (w *exitWatcher) Exited(p *childproc.Process, status int) { w.exited <- status }

func (w *exitWatcher) GotData(p *childproc.Process, data []byte) {
	w.data <- append([]byte(nil), data...)
}

func startMonitor(t *testing.T) *childproc.Monitor {
	t.Helper()
	m := childproc.NewMonitor(nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go m.Run(ctx)
	return m
}

func waitExit(t *testing.T, w *exitWatcher) int {
	t.Helper()
	select {
	case status := <-w.exited:
		return status
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for session exit")
		return -1
	}
}

func TestSessionEnvironment(t *testing.T) {
	monitor := startMonitor(t)
	home := t.TempDir()
	out := filepath.Join(t.TempDir(), "env.out")

	authority, err := xauth.NewLocalCookie("5")
	require.NoError(t, err)

	cfg := Config{
		User:        testUser(home),
		Command:     "sh -c 'env > " + out + "'",
		DesktopName: "xfce",
		Language:    "en_GB.UTF-8",
		DisplayName: ":5",
		Authority:   authority,
		SeatName:    "seat0",
		VT:          7,
		Cookie:      "deadbeef",
	}
	s := New(monitor, cfg, nil)
	watcher := newExitWatcher()
	s.AddWatcher(watcher)

	require.NoError(t, s.Start())
	require.Equal(t, 0, waitExit(t, watcher))

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	env := string(raw)
	for _, want := range []string{
		"USER=tester",
		"LOGNAME=tester",
		"HOME=" + home,
		"SHELL=/bin/sh",
		"DISPLAY=:5",
		"XAUTHORITY=" + filepath.Join(home, ".Xauthority"),
		"DESKTOP_SESSION=xfce",
		"LANG=en_GB.UTF-8",
		"XDG_SEAT=seat0",
		"XDG_VTNR=7",
		"XDG_SESSION_COOKIE=deadbeef",
	} {
		require.Contains(t, env, want+"\n")
	}
	require.NotContains(t, env, "LUMIDM_TO_SERVER_FD", "no protocol pipe for user sessions")

	// The cookie landed in the user's authority file.
	records, err := xauth.ParseFile(filepath.Join(home, ".Xauthority"))
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, authority.Data, records[0].Data)
}

func TestGreeterSessionGetsPipe(t *testing.T) {
	monitor := startMonitor(t)
	home := t.TempDir()

	cfg := Config{
		User:    testUser(home),
		Command: `sh -c 'printf hello >&$LUMIDM_TO_SERVER_FD'`,
		Greeter: true,
	}
	s := New(monitor, cfg, nil)
	watcher := newExitWatcher()
	s.AddWatcher(watcher)

	require.NoError(t, s.Start())

	select {
	case data := <-watcher.data:
		require.Equal(t, "hello", string(data))
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for pipe data")
	}
	require.Equal(t, 0, waitExit(t, watcher))
}

func TestSessionStop(t *testing.T) {
	monitor := startMonitor(t)
	cfg := Config{User: testUser(t.TempDir()), Command: "sleep 60"}
	s := New(monitor, cfg, nil)

	terminated := make(chan syscall.Signal, 1)
	s.AddWatcher(&terminationWatcher{terminated: terminated})

	require.NoError(t, s.Start())
	require.True(t, s.Running())
	s.Stop()

	select {
	case sig := <-terminated:
		require.Equal(t, syscall.SIGTERM, sig)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for termination")
	}
}

type terminationWatcher struct {
	childproc.NopWatcher
	terminated chan syscall.Signal
}

func (w *terminationWatcher) Terminated(p *childproc.Process, sig syscall.Signal) {
	w.terminated <- sig
}

func TestSessionWithoutUserFails(t *testing.T) {
	s := New(startMonitor(t), Config{Command: "true"}, nil)
	require.Error(t, s.Start())
}

func TestRemoveAuthority(t *testing.T) {
	monitor := startMonitor(t)
	home := t.TempDir()
	authority, err := xauth.NewLocalCookie("6")
	require.NoError(t, err)

	cfg := Config{User: testUser(home), Command: "true", Authority: authority}
	s := New(monitor, cfg, nil)
	watcher := newExitWatcher()
	s.AddWatcher(watcher)
	require.NoError(t, s.Start())
	waitExit(t, watcher)

	path := s.AuthorityPath()
	require.NotEmpty(t, path)
	s.RemoveAuthority()

	records, err := xauth.ParseFile(path)
	require.NoError(t, err)
	require.Empty(t, records)
}
