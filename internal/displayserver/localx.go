package displayserver

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/fsnotify/fsnotify"

	"github.com/lumidm/lumidm/internal/childproc"
	"github.com/lumidm/lumidm/internal/logging"
	"github.com/lumidm/lumidm/internal/users"
	"github.com/lumidm/lumidm/internal/xauth"
	"github.com/lumidm/lumidm/pkg/types"
)

// LocalXConfig describes how to launch a local X server.
type LocalXConfig struct {
	// Command is the server binary plus any extra arguments from
	// configuration, e.g. "X" or "Xorg -verbose".
	Command    string
	ConfigFile string
	Layout     string
	SeatName   string
	// AllowTCP opens the server's TCP listener; off by default.
	AllowTCP bool
	// XDMCPServer, when set, makes the server query a remote display
	// manager instead of being managed here.
	XDMCPServer string
	XDMCPPort   int
	// XDMCPKey is a pre-shared XDM-AUTHORIZATION-1 key; empty means a
	// fresh MIT-MAGIC-COOKIE-1 is generated.
	XDMCPKey string
	// VT is the virtual terminal to run on, 0 for none.
	VT int
	// User runs the server demoted; nil keeps the daemon's uid.
	User *users.User
	// RunDir is where per-user authority directories live.
	RunDir string
	// SocketDir is where the server publishes its unix socket,
	// normally /tmp/.X11-unix.
	SocketDir string
	LogFile   string
	LogMode   logging.Mode
}

// LocalX supervises one locally spawned X server.
type LocalX struct {
	childproc.NopWatcher
	machine

	monitor *childproc.Monitor
	numbers *NumberAllocator
	cfg     LocalXConfig
	events  Events
	logger  *slog.Logger

	number        int
	authority     *xauth.Record
	authorityPath string
	process       *childproc.Process
	socketWatch   *fsnotify.Watcher
}

// NewLocalX prepares a server; nothing is spawned until Start.
func NewLocalX(monitor *childproc.Monitor, numbers *NumberAllocator, cfg LocalXConfig, events Events, logger *slog.Logger) *LocalX {
	if cfg.SocketDir == "" {
		cfg.SocketDir = "/tmp/.X11-unix"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalX{
		monitor: monitor,
		numbers: numbers,
		cfg:     cfg,
		events:  events,
		logger:  logger,
	}
}

func (s *LocalX) DisplayName() string        { return ":" + strconv.Itoa(s.number) }
func (s *LocalX) Number() int                { return s.number }
func (s *LocalX) Authority() *xauth.Record   { return s.authority }
func (s *LocalX) AuthorityPath() string      { return s.authorityPath }
func (s *LocalX) VT() int                    { return s.cfg.VT }

// Start allocates a display number, writes the authority cookie and
// spawns the server.
func (s *LocalX) Start() error {
	if !s.transition(types.DisplayServerStarting, types.DisplayServerNotStarted) {
		return fmt.Errorf("display server already started")
	}
	s.number = s.numbers.Acquire()
	s.logger = s.logger.With("display", s.DisplayName())
	s.logger.Debug("starting local X server", "vt", s.cfg.VT)

	if err := s.writeAuthority(); err != nil {
		s.releaseNumber()
		s.machine.mu.Lock()
		s.machine.state = types.DisplayServerStopped
		s.machine.mu.Unlock()
		return err
	}

	s.process = childproc.New(s.monitor, s.logger)
	s.process.AddWatcher(s)
	if s.cfg.LogFile != "" {
		s.process.SetLogFile(s.cfg.LogFile, s.cfg.LogMode)
	}

	err := s.process.Start(childproc.StartOptions{
		User:       s.cfg.User,
		Command:    s.buildCommand(),
		WorkingDir: "/",
		ReadyPipe:  true,
	})
	if err != nil {
		s.cleanupFiles()
		s.machine.mu.Lock()
		s.machine.state = types.DisplayServerStopped
		s.machine.mu.Unlock()
		return err
	}

	// The server announces readiness by writing the display number to
	// the -displayfd pipe. The unix socket appearing is watched as well
	// for servers that ignore the option.
	s.watchSocket()
	return nil
}

// buildCommand assembles the X server command line.
func (s *LocalX) buildCommand() string {
	var b strings.Builder
	b.WriteString(s.cfg.Command)
	fmt.Fprintf(&b, " :%d", s.number)
	if s.cfg.ConfigFile != "" {
		fmt.Fprintf(&b, " -config %s", s.cfg.ConfigFile)
	}
	if s.cfg.Layout != "" {
		fmt.Fprintf(&b, " -layout %s", s.cfg.Layout)
	}
	if s.cfg.SeatName != "" {
		fmt.Fprintf(&b, " -seat %s", s.cfg.SeatName)
	}
	if s.authorityPath != "" {
		fmt.Fprintf(&b, " -auth %s", s.authorityPath)
	}
	if s.cfg.XDMCPServer != "" {
		fmt.Fprintf(&b, " -query %s", s.cfg.XDMCPServer)
		if s.cfg.XDMCPPort > 0 {
			fmt.Fprintf(&b, " -port %d", s.cfg.XDMCPPort)
		}
	} else if s.cfg.AllowTCP {
		b.WriteString(" -listen tcp")
	} else {
		b.WriteString(" -nolisten tcp")
	}
	if s.cfg.VT > 0 {
		fmt.Fprintf(&b, " vt%d -novtswitch", s.cfg.VT)
	}
	fmt.Fprintf(&b, " -displayfd %d", childproc.ReadyPipeFD)
	return b.String()
}

// writeAuthority creates the per-user authority directory and drops
// the cookie file into it.
func (s *LocalX) writeAuthority() error {
	record, err := s.newAuthority()
	if err != nil {
		return err
	}

	owner := "root"
	if s.cfg.User != nil {
		owner = s.cfg.User.Name
	}
	dir := filepath.Join(s.cfg.RunDir, owner)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating authority directory: %w", err)
	}
	if s.cfg.User != nil && os.Geteuid() == 0 {
		if err := os.Chown(dir, s.cfg.User.UID, s.cfg.User.GID); err != nil {
			s.logger.Warn("failed to set authority directory ownership", "path", dir, "error", err)
		}
	}

	path := filepath.Join(dir, s.DisplayName())
	if err := record.Write(types.XAuthReplace, path, s.logger); err != nil {
		return fmt.Errorf("writing authority file: %w", err)
	}
	if s.cfg.User != nil && os.Geteuid() == 0 {
		if err := os.Chown(path, s.cfg.User.UID, s.cfg.User.GID); err != nil {
			s.logger.Warn("failed to set authority file ownership", "path", path, "error", err)
		}
	}
	s.authority = record
	s.authorityPath = path
	return nil
}

func (s *LocalX) newAuthority() (*xauth.Record, error) {
	number := strconv.Itoa(s.number)
	if s.cfg.XDMCPKey != "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("getting hostname: %w", err)
		}
		return xauth.New(types.XAuthFamilyLocal, []byte(hostname), number,
			"XDM-AUTHORIZATION-1", []byte(s.cfg.XDMCPKey)), nil
	}
	return xauth.NewLocalCookie(number)
}

// watchSocket arms the filesystem fallback for readiness detection.
func (s *LocalX) watchSocket() {
	socket := filepath.Join(s.cfg.SocketDir, "X"+strconv.Itoa(s.number))
	if _, err := os.Stat(socket); err == nil {
		s.monitor.Post(s.markReady)
		return
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("failed to watch for X socket", "error", err)
		return
	}
	if err := w.Add(s.cfg.SocketDir); err != nil {
		s.logger.Warn("failed to watch for X socket", "dir", s.cfg.SocketDir, "error", err)
		w.Close()
		return
	}
	s.socketWatch = w

	go func() {
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Op.Has(fsnotify.Create) && event.Name == socket {
					s.monitor.Post(s.markReady)
					return
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.Warn("X socket watch error", "error", err)
			}
		}
	}()
}

// markReady runs on the control goroutine.
func (s *LocalX) markReady() {
	if !s.transition(types.DisplayServerReady, types.DisplayServerStarting) {
		return
	}
	s.logger.Debug("local X server ready")
	if s.events != nil {
		s.events.Ready(s)
	}
}

// Stop asks the server to exit; the stop completes through the exit
// watcher.
func (s *LocalX) Stop() {
	if !s.transition(types.DisplayServerStopping, types.DisplayServerStarting, types.DisplayServerReady) {
		return
	}
	s.logger.Debug("stopping local X server")
	s.process.Stop()
}

// GotData arrives on the ready pipe: the server writes its display
// number there once it accepts connections.
func (s *LocalX) GotData(p *childproc.Process, data []byte) {
	if len(data) > 0 {
		s.markReady()
	}
}

func (s *LocalX) Exited(p *childproc.Process, status int) {
	if status != 0 {
		s.logger.Debug("local X server exited with non-zero status", "status", status)
	}
	s.stopped()
}

func (s *LocalX) Terminated(p *childproc.Process, sig syscall.Signal) {
	s.stopped()
}

func (s *LocalX) stopped() {
	s.machine.mu.Lock()
	s.machine.state = types.DisplayServerStopped
	s.machine.mu.Unlock()

	s.cleanupFiles()
	s.logger.Debug("local X server stopped")
	if s.events != nil {
		s.events.Stopped(s)
	}
}

func (s *LocalX) cleanupFiles() {
	if s.socketWatch != nil {
		s.socketWatch.Close()
		s.socketWatch = nil
	}
	if s.authorityPath != "" {
		if err := os.Remove(s.authorityPath); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove authority file", "path", s.authorityPath, "error", err)
		}
	}
	s.releaseNumber()
}

func (s *LocalX) releaseNumber() {
	s.numbers.Release(s.number)
}
