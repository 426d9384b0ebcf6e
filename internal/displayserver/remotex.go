package displayserver

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/lumidm/lumidm/internal/childproc"
	"github.com/lumidm/lumidm/internal/xauth"
	"github.com/lumidm/lumidm/pkg/types"
)

// RemoteX points sessions at an X server something else runs. There
// is no process to supervise; Start probes that the display answers
// and the server reports ready immediately after.
type RemoteX struct {
	machine

	monitor  *childproc.Monitor
	hostname string
	number   int
	events   Events
	logger   *slog.Logger

	// dialTimeout is settable for tests.
	dialTimeout time.Duration
}

// NewRemoteX prepares a handle on hostname:number.
func NewRemoteX(monitor *childproc.Monitor, hostname string, number int, events Events, logger *slog.Logger) *RemoteX {
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteX{
		monitor:     monitor,
		hostname:    hostname,
		number:      number,
		events:      events,
		logger:      logger,
		dialTimeout: 5 * time.Second,
	}
}

func (s *RemoteX) DisplayName() string      { return fmt.Sprintf("%s:%d", s.hostname, s.number) }
func (s *RemoteX) Authority() *xauth.Record { return nil }
func (s *RemoteX) AuthorityPath() string    { return "" }
func (s *RemoteX) VT() int                  { return 0 }

// Start probes that the remote display accepts connections. X servers
// listen on TCP port 6000 plus the display number. The dial happens off
// the control goroutine; the outcome arrives as a Ready or Stopped
// event.
func (s *RemoteX) Start() error {
	if !s.transition(types.DisplayServerStarting, types.DisplayServerNotStarted) {
		return fmt.Errorf("display server already started")
	}
	go s.probe(fmt.Sprintf("%s:%d", s.hostname, 6000+s.number))
	return nil
}

func (s *RemoteX) probe(addr string) {
	conn, err := net.DialTimeout("tcp", addr, s.dialTimeout)
	if err != nil {
		s.logger.Warn("remote display not answering", "display", s.DisplayName(), "error", err)
		s.monitor.Post(func() {
			if !s.transition(types.DisplayServerStopped, types.DisplayServerStarting) {
				return
			}
			if s.events != nil {
				s.events.Stopped(s)
			}
		})
		return
	}
	conn.Close()

	s.monitor.Post(func() {
		if !s.transition(types.DisplayServerReady, types.DisplayServerStarting) {
			return
		}
		s.logger.Debug("remote X server ready", "display", s.DisplayName())
		if s.events != nil {
			s.events.Ready(s)
		}
	})
}

// Stop releases the handle; the remote server itself is left alone.
func (s *RemoteX) Stop() {
	if !s.transition(types.DisplayServerStopped,
		types.DisplayServerStarting, types.DisplayServerReady, types.DisplayServerNotStarted) {
		return
	}
	s.monitor.Post(func() {
		if s.events != nil {
			s.events.Stopped(s)
		}
	})
}
