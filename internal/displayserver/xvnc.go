package displayserver

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/lumidm/lumidm/internal/childproc"
	"github.com/lumidm/lumidm/internal/logging"
	"github.com/lumidm/lumidm/internal/users"
	"github.com/lumidm/lumidm/internal/xauth"
	"github.com/lumidm/lumidm/pkg/types"
)

// XVNCConfig describes an Xvnc server bound to one accepted VNC
// connection.
type XVNCConfig struct {
	// Command is the Xvnc binary plus extra arguments.
	Command string
	// Connection is the accepted client socket; it becomes the
	// server's stdin and stdout (inetd style).
	Connection *os.File
	Width      int
	Height     int
	Depth      int
	User       *users.User
	RunDir     string
	LogFile    string
	LogMode    logging.Mode
}

// XVNC supervises an Xvnc display server speaking VNC over an
// already-accepted connection. Readiness uses the same -displayfd
// pipe convention as the local X server.
type XVNC struct {
	childproc.NopWatcher
	machine

	monitor *childproc.Monitor
	numbers *NumberAllocator
	cfg     XVNCConfig
	events  Events
	logger  *slog.Logger

	number        int
	authority     *xauth.Record
	authorityPath string
	process       *childproc.Process
}

// NewXVNC prepares an Xvnc server; nothing is spawned until Start.
func NewXVNC(monitor *childproc.Monitor, numbers *NumberAllocator, cfg XVNCConfig, events Events, logger *slog.Logger) *XVNC {
	if logger == nil {
		logger = slog.Default()
	}
	return &XVNC{
		monitor: monitor,
		numbers: numbers,
		cfg:     cfg,
		events:  events,
		logger:  logger,
	}
}

func (s *XVNC) DisplayName() string      { return ":" + strconv.Itoa(s.number) }
func (s *XVNC) Authority() *xauth.Record { return s.authority }
func (s *XVNC) AuthorityPath() string    { return s.authorityPath }
func (s *XVNC) VT() int                  { return 0 }

func (s *XVNC) Start() error {
	if !s.transition(types.DisplayServerStarting, types.DisplayServerNotStarted) {
		return fmt.Errorf("display server already started")
	}
	s.number = s.numbers.Acquire()
	s.logger = s.logger.With("display", s.DisplayName())

	record, err := xauth.NewLocalCookie(strconv.Itoa(s.number))
	if err != nil {
		s.fail()
		return err
	}
	path := fmt.Sprintf("%s/.Xauthority-vnc-%d", s.cfg.RunDir, s.number)
	if err := record.Write(types.XAuthReplace, path, s.logger); err != nil {
		s.fail()
		return fmt.Errorf("writing authority file: %w", err)
	}
	s.authority = record
	s.authorityPath = path

	s.process = childproc.New(s.monitor, s.logger)
	s.process.AddWatcher(s)
	if s.cfg.LogFile != "" {
		s.process.SetLogFile(s.cfg.LogFile, s.cfg.LogMode)
	}

	err = s.process.Start(childproc.StartOptions{
		User:      s.cfg.User,
		Command:   s.buildCommand(),
		Stdio:     s.cfg.Connection,
		ReadyPipe: true,
	})
	if err != nil {
		os.Remove(s.authorityPath)
		s.fail()
		return err
	}
	return nil
}

func (s *XVNC) fail() {
	s.numbers.Release(s.number)
	s.machine.mu.Lock()
	s.machine.state = types.DisplayServerStopped
	s.machine.mu.Unlock()
}

func (s *XVNC) buildCommand() string {
	var b strings.Builder
	b.WriteString(s.cfg.Command)
	fmt.Fprintf(&b, " :%d -inetd -nolisten tcp", s.number)
	if s.authorityPath != "" {
		fmt.Fprintf(&b, " -auth %s", s.authorityPath)
	}
	if s.cfg.Width > 0 && s.cfg.Height > 0 {
		fmt.Fprintf(&b, " -geometry %dx%d", s.cfg.Width, s.cfg.Height)
	}
	if s.cfg.Depth > 0 {
		fmt.Fprintf(&b, " -depth %d", s.cfg.Depth)
	}
	fmt.Fprintf(&b, " -displayfd %d", childproc.ReadyPipeFD)
	return b.String()
}

func (s *XVNC) Stop() {
	if !s.transition(types.DisplayServerStopping, types.DisplayServerStarting, types.DisplayServerReady) {
		return
	}
	s.process.Stop()
}

// GotData arrives on the ready pipe: the server writes its display
// number there once it accepts connections.
func (s *XVNC) GotData(p *childproc.Process, data []byte) {
	if len(data) == 0 {
		return
	}
	if !s.transition(types.DisplayServerReady, types.DisplayServerStarting) {
		return
	}
	s.logger.Debug("Xvnc server ready")
	if s.events != nil {
		s.events.Ready(s)
	}
}

func (s *XVNC) Exited(p *childproc.Process, status int) { s.stopped() }

func (s *XVNC) Terminated(p *childproc.Process, sig syscall.Signal) { s.stopped() }

func (s *XVNC) stopped() {
	s.machine.mu.Lock()
	s.machine.state = types.DisplayServerStopped
	s.machine.mu.Unlock()

	if s.authorityPath != "" {
		if err := os.Remove(s.authorityPath); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove authority file", "path", s.authorityPath, "error", err)
		}
	}
	s.numbers.Release(s.number)
	if s.cfg.Connection != nil {
		s.cfg.Connection.Close()
	}
	s.logger.Debug("Xvnc server stopped")
	if s.events != nil {
		s.events.Stopped(s)
	}
}
