package cli

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lumidm/lumidm/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestVersionOutput(t *testing.T) {
	cmd := NewRoot("1.2.3")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--version"})
	require.NoError(t, cmd.Execute())
	require.Equal(t, "lumidm 1.2.3\n", out.String())

	out.Reset()
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	require.Equal(t, "lumidm 1.2.3\n", out.String())
}

func TestShowConfigMergesFiles(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.conf")
	override := filepath.Join(dir, "override.conf")
	require.NoError(t, os.WriteFile(base, []byte("[SeatDefaults]\nuser-session=default\nallow-guest=true\n"), 0o644))
	require.NoError(t, os.WriteFile(override, []byte("[SeatDefaults]\nallow-guest=false\n"), 0o644))

	cmd := NewRoot("test")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"show-config", "--config", base, "--config", override})
	require.NoError(t, cmd.Execute())

	require.Contains(t, out.String(), "user-session=default")
	require.Contains(t, out.String(), "allow-guest=false")
	require.NotContains(t, out.String(), "allow-guest=true")
}

func TestConfigErrorsCarryDistinctExitCode(t *testing.T) {
	bad := filepath.Join(t.TempDir(), "broken.conf")
	require.NoError(t, os.WriteFile(bad, []byte("[SeatDefaults\nuser-session=default\n"), 0o644))

	cmd := NewRoot("test")
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"show-config", "--config", bad})
	err := cmd.Execute()
	require.Error(t, err)

	var ee *ExitError
	require.ErrorAs(t, err, &ee)
	require.Equal(t, exitConfig, ee.Code())
}

func TestWritePIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lumidm.pid")
	require.NoError(t, writePIDFile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, strconv.Itoa(os.Getpid())+"\n", string(data))
}

func TestBuildBackendTestModeNeedsCredentials(t *testing.T) {
	cfg := config.New()
	_, err := buildBackend(cfg, true)
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "credentials.yaml")
	require.NoError(t, os.WriteFile(path, []byte("users:\n  alice:\n    password: \"\"\n"), 0o600))
	cfg.Set(config.SectionDaemon, "credentials-file", path)
	backend, err := buildBackend(cfg, true)
	require.NoError(t, err)
	require.NotNil(t, backend)
}

func TestBuildRegistryFallsBackToStore(t *testing.T) {
	cfg := config.New()
	runDir := t.TempDir()
	registry := buildRegistry(cfg, runDir, testLogger())
	t.Cleanup(func() { registry.Close() })

	_, err := os.Stat(filepath.Join(runDir, "sessions.db"))
	require.NoError(t, err)
}

func TestDaemonKeyDefaults(t *testing.T) {
	cfg := config.New()
	require.Equal(t, "/var/log/lumidm", stringKey(cfg, "log-directory", "/var/log/lumidm"))
	require.Equal(t, []string{"/usr/share/xsessions"}, listKey(cfg, "sessions-directory", []string{"/usr/share/xsessions"}))

	cfg.Set(config.SectionDaemon, "log-directory", "/tmp/l")
	cfg.Set(config.SectionDaemon, "sessions-directory", "/a;/b")
	require.Equal(t, "/tmp/l", stringKey(cfg, "log-directory", "/var/log/lumidm"))
	require.Equal(t, []string{"/a", "/b"}, listKey(cfg, "sessions-directory", nil))
}
