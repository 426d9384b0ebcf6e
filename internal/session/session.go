// Package session runs greeter and user sessions as supervised child
// processes of the daemon, demoted to the session user with the
// display environment prepared for them.
package session

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/lumidm/lumidm/internal/childproc"
	"github.com/lumidm/lumidm/internal/logging"
	"github.com/lumidm/lumidm/internal/users"
	"github.com/lumidm/lumidm/internal/xauth"
	"github.com/lumidm/lumidm/pkg/types"
)

const defaultPath = "/usr/local/bin:/usr/bin:/bin"

// Config describes one session to run.
type Config struct {
	// User is the account the session runs as.
	User *users.User
	// Command is the full command line, already wrapped if a session
	// wrapper is configured.
	Command string
	// DesktopName goes into DESKTOP_SESSION, e.g. "xfce".
	DesktopName string
	Language    string

	DisplayName string
	// Authority, when set, is written to AuthorityDir and exported as
	// XAUTHORITY.
	Authority    *xauth.Record
	AuthorityDir string

	SeatName string
	VT       int
	// Cookie identifies the session to the tracking registry.
	Cookie string

	// Greeter opens the protocol pipe pair for greeter sessions.
	Greeter bool

	LogFile string
	LogMode logging.Mode
}

// Session is one running greeter or user session.
type Session struct {
	monitor *childproc.Monitor
	cfg     Config
	logger  *slog.Logger

	process       *childproc.Process
	authorityPath string
}

// New prepares a session; nothing runs until Start.
func New(monitor *childproc.Monitor, cfg Config, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		monitor: monitor,
		cfg:     cfg,
		logger:  logger,
		process: childproc.New(monitor, logger),
	}
}

// AddWatcher registers for the session process's events.
func (s *Session) AddWatcher(w childproc.Watcher) {
	s.process.AddWatcher(w)
}

// Process exposes the underlying child for protocol pipes.
func (s *Session) Process() *childproc.Process { return s.process }

// User returns the account the session runs as.
func (s *Session) User() *users.User { return s.cfg.User }

// Cookie returns the tracking cookie.
func (s *Session) Cookie() string { return s.cfg.Cookie }

// DesktopName returns the session's desktop entry key.
func (s *Session) DesktopName() string { return s.cfg.DesktopName }

// Running reports whether the session process is alive.
func (s *Session) Running() bool { return s.process.Running() }

// Start writes the session's authority file and spawns the process.
func (s *Session) Start() error {
	if s.cfg.User == nil {
		return fmt.Errorf("session has no user")
	}
	if err := s.writeAuthority(); err != nil {
		return err
	}

	if s.cfg.LogFile != "" {
		s.process.SetLogFile(s.cfg.LogFile, s.cfg.LogMode)
	}
	for k, v := range s.environment() {
		s.process.SetEnv(k, v)
	}

	s.logger.Debug("starting session",
		"username", s.cfg.User.Name, "command", s.cfg.Command, "display", s.cfg.DisplayName)

	return s.process.Start(childproc.StartOptions{
		User:             s.cfg.User,
		Command:          s.cfg.Command,
		CreatePipe:       s.cfg.Greeter,
		ClearEnvironment: true,
	})
}

// environment builds the clean session environment.
func (s *Session) environment() map[string]string {
	u := s.cfg.User
	env := map[string]string{
		"USER":    u.Name,
		"LOGNAME": u.Name,
		"HOME":    u.Home,
		"SHELL":   u.Shell,
		"PATH":    defaultPath,
	}
	if s.cfg.DisplayName != "" {
		env["DISPLAY"] = s.cfg.DisplayName
	}
	if s.authorityPath != "" {
		env["XAUTHORITY"] = s.authorityPath
	}
	if s.cfg.DesktopName != "" {
		env["DESKTOP_SESSION"] = s.cfg.DesktopName
	}
	if s.cfg.Language != "" {
		env["LANG"] = s.cfg.Language
	}
	if s.cfg.SeatName != "" {
		env["XDG_SEAT"] = s.cfg.SeatName
	}
	if s.cfg.VT > 0 {
		env["XDG_VTNR"] = strconv.Itoa(s.cfg.VT)
	}
	if s.cfg.Cookie != "" {
		env["XDG_SESSION_COOKIE"] = s.cfg.Cookie
	}
	return env
}

// writeAuthority drops the display cookie where the session user can
// read it.
func (s *Session) writeAuthority() error {
	if s.cfg.Authority == nil {
		return nil
	}
	dir := s.cfg.AuthorityDir
	if dir == "" {
		dir = s.cfg.User.Home
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating authority directory: %w", err)
	}
	path := filepath.Join(dir, ".Xauthority")
	if err := s.cfg.Authority.Write(types.XAuthReplace, path, s.logger); err != nil {
		return fmt.Errorf("writing session authority: %w", err)
	}
	if os.Geteuid() == 0 {
		if err := os.Chown(path, s.cfg.User.UID, s.cfg.User.GID); err != nil {
			s.logger.Warn("failed to set authority ownership", "path", path, "error", err)
		}
	}
	s.authorityPath = path
	return nil
}

// AuthorityPath is where the session's cookie was written, empty when
// the display needs none.
func (s *Session) AuthorityPath() string { return s.authorityPath }

// Stop asks the session to exit; completion arrives through watchers.
func (s *Session) Stop() {
	s.logger.Debug("stopping session")
	s.process.Stop()
}

// RemoveAuthority cleans up the cookie file after the session stopped.
func (s *Session) RemoveAuthority() {
	if s.authorityPath == "" {
		return
	}
	if s.cfg.Authority != nil {
		if err := s.cfg.Authority.Write(types.XAuthRemove, s.authorityPath, s.logger); err != nil {
			s.logger.Warn("failed to remove session authority", "path", s.authorityPath, "error", err)
		}
	}
	s.authorityPath = ""
}
