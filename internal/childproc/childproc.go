package childproc

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"

	"github.com/lumidm/lumidm/internal/logging"
	"github.com/lumidm/lumidm/internal/users"
)

// Environment variable names carrying the private pipe file descriptor
// numbers into greeter children. They must survive exec, so they travel
// in the environment rather than on the command line.
const (
	EnvToServerFD   = "LUMIDM_TO_SERVER_FD"
	EnvFromServerFD = "LUMIDM_FROM_SERVER_FD"
)

// ReadyPipeFD is the descriptor number a child spawned with
// StartOptions.ReadyPipe sees for the pipe's write end.
const ReadyPipeFD = 3

// StartOptions configures one spawn.
type StartOptions struct {
	// User, when set, demotes the child to this account before exec:
	// supplementary groups, then gid, then uid, then chdir to the home
	// directory. Any failed step aborts the exec; the child never runs
	// with leftover privilege.
	User *users.User

	// WorkingDir overrides the working directory (defaults to the
	// user's home when User is set).
	WorkingDir string

	// Command is the full command line, split shell-style.
	Command string

	// CreatePipe opens the private bidirectional pipe pair used by the
	// greeter protocol and advertises the child-side fd numbers via
	// EnvToServerFD/EnvFromServerFD.
	CreatePipe bool

	// ReadyPipe opens a one-way pipe the child can report readiness on;
	// whatever it writes arrives through GotData. The child sees the
	// write end as descriptor ReadyPipeFD. Not combinable with
	// CreatePipe.
	ReadyPipe bool

	// ClearEnvironment starts from an empty environment instead of a
	// copy of the daemon's.
	ClearEnvironment bool

	// Stdio, when set, becomes the child's stdin and stdout. Used for
	// display servers that speak over a pre-accepted socket.
	Stdio *os.File
}

// Process is one supervised child. All event callbacks run on the
// owning Monitor's control goroutine.
type Process struct {
	monitor *Monitor
	logger  *slog.Logger

	mu        sync.Mutex
	env       map[string]string
	logFile   string
	logMode   logging.Mode
	watcherFn []Watcher

	cmd *exec.Cmd
	pid int

	toChild   *os.File // daemon writes, child reads
	fromChild *os.File // daemon reads, child writes
}

// New creates an idle process handle attached to the monitor.
func New(m *Monitor, logger *slog.Logger) *Process {
	if logger == nil {
		logger = m.logger
	}
	return &Process{monitor: m, logger: logger, env: make(map[string]string)}
}

// AddWatcher registers an observer. Watchers are fired in registration
// order; a watcher cannot stop delivery to the others.
func (p *Process) AddWatcher(w Watcher) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.watcherFn = append(p.watcherFn, w)
}

func (p *Process) watchers() []Watcher {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Watcher, len(p.watcherFn))
	copy(out, p.watcherFn)
	return out
}

// SetEnv stages an environment variable for the next Start.
func (p *Process) SetEnv(name, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.env[name] = value
}

// SetLogFile redirects the child's stdout+stderr into path. When the
// child runs demoted and the daemon is privileged, the file is chowned
// to the target user.
func (p *Process) SetLogFile(path string, mode logging.Mode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logFile = path
	p.logMode = mode
}

// PID returns the child pid, or 0 when not running.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// Running reports whether the child is alive.
func (p *Process) Running() bool { return p.PID() != 0 }

// ToChild is the daemon's write end of the private pipe.
func (p *Process) ToChild() *os.File { return p.toChild }

// FromChild is the daemon's read end of the private pipe.
func (p *Process) FromChild() *os.File { return p.fromChild }

// Start spawns the child. It returns users.ErrNotFound (wrapped) when
// the target account is missing, and an error for any spawn failure;
// the caller decides fallback vs teardown.
func (p *Process) Start(opts StartOptions) error {
	p.mu.Lock()
	if p.pid != 0 {
		p.mu.Unlock()
		return fmt.Errorf("process already running with pid %d", p.pid)
	}
	p.mu.Unlock()

	argv, err := SplitCommand(opts.Command)
	if err != nil {
		return err
	}
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return fmt.Errorf("command %s: %w", argv[0], err)
	}

	cmd := exec.Command(path, argv[1:]...)
	cmd.SysProcAttr = sysProcAttr(opts.User)
	if opts.User != nil {
		cmd.Dir = opts.User.Home
	}
	if opts.WorkingDir != "" {
		cmd.Dir = opts.WorkingDir
	}

	var logFile *os.File
	p.mu.Lock()
	logPath, logMode := p.logFile, p.logMode
	p.mu.Unlock()
	if logPath != "" {
		logFile, err = logging.OpenLogFile(logPath, logMode, 0o600)
		if err != nil {
			p.logger.Warn("failed to open child log file", "path", logPath, "error", err)
		} else {
			if opts.User != nil && os.Geteuid() == 0 {
				if err := os.Chown(logPath, opts.User.UID, opts.User.GID); err != nil {
					p.logger.Warn("failed to set log file ownership", "path", logPath, "error", err)
				}
			}
			cmd.Stdout = logFile
			cmd.Stderr = logFile
		}
	}
	if opts.Stdio != nil {
		cmd.Stdin = opts.Stdio
		cmd.Stdout = opts.Stdio
		if cmd.Stderr == nil {
			cmd.Stderr = opts.Stdio
		}
	}

	// Pipe pair for the greeter protocol. The child-side descriptors
	// land at 3+n in ExtraFiles order.
	var childToServer, childFromServer *os.File
	var readyW *os.File
	if opts.ReadyPipe {
		r, w, err := os.Pipe()
		if err != nil {
			return fmt.Errorf("create pipe: %w", err)
		}
		p.fromChild, readyW = r, w
		cmd.ExtraFiles = append(cmd.ExtraFiles, readyW)
	}
	if opts.CreatePipe {
		fromR, fromW, err := os.Pipe()
		if err != nil {
			return fmt.Errorf("create pipe: %w", err)
		}
		toR, toW, err := os.Pipe()
		if err != nil {
			fromR.Close()
			fromW.Close()
			return fmt.Errorf("create pipe: %w", err)
		}
		p.fromChild, childToServer = fromR, fromW
		childFromServer, p.toChild = toR, toW

		toServerFD := 3 + len(cmd.ExtraFiles)
		cmd.ExtraFiles = append(cmd.ExtraFiles, childToServer)
		fromServerFD := 3 + len(cmd.ExtraFiles)
		cmd.ExtraFiles = append(cmd.ExtraFiles, childFromServer)
		p.SetEnv(EnvToServerFD, fmt.Sprintf("%d", toServerFD))
		p.SetEnv(EnvFromServerFD, fmt.Sprintf("%d", fromServerFD))
	}

	cmd.Env = p.buildEnv(opts)

	if err := cmd.Start(); err != nil {
		p.closePipes()
		if readyW != nil {
			readyW.Close()
		}
		if logFile != nil {
			logFile.Close()
		}
		return fmt.Errorf("spawn %s: %w", argv[0], err)
	}

	// Child-side pipe ends and the log handle belong to the child now.
	if readyW != nil {
		readyW.Close()
	}
	if childToServer != nil {
		childToServer.Close()
		childFromServer.Close()
	}
	if logFile != nil {
		logFile.Close()
	}

	p.mu.Lock()
	p.cmd = cmd
	p.pid = cmd.Process.Pid
	p.mu.Unlock()
	p.monitor.register(p, cmd.Process.Pid)

	p.logger.Debug("launched process", "pid", cmd.Process.Pid, "command", opts.Command)

	if p.fromChild != nil {
		go p.readLoop(p.fromChild)
	}
	go p.wait(cmd)

	return nil
}

func (p *Process) buildEnv(opts StartOptions) []string {
	env := make(map[string]string)
	if !opts.ClearEnvironment {
		for _, kv := range os.Environ() {
			for i := 0; i < len(kv); i++ {
				if kv[i] == '=' {
					env[kv[:i]] = kv[i+1:]
					break
				}
			}
		}
	}
	p.mu.Lock()
	for k, v := range p.env {
		env[k] = v
	}
	p.mu.Unlock()

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// readLoop forwards pipe data onto the control goroutine. A zero-length
// delivery signals that the child closed its end.
func (p *Process) readLoop(r *os.File) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			p.monitor.Post(func() {
				for _, w := range p.watchers() {
					w.GotData(p, data)
				}
			})
		}
		if err != nil {
			p.monitor.Post(func() {
				for _, w := range p.watchers() {
					w.GotData(p, nil)
				}
			})
			return
		}
	}
}

func (p *Process) wait(cmd *exec.Cmd) {
	err := cmd.Wait()
	pid := cmd.Process.Pid
	p.monitor.unregister(pid)

	var (
		exited   bool
		status   int
		signaled bool
		sig      syscall.Signal
	)
	if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok {
		if ws.Signaled() {
			signaled = true
			sig = ws.Signal()
		} else {
			exited = true
			status = ws.ExitStatus()
		}
	} else if err == nil {
		exited = true
	}

	p.monitor.Post(func() {
		p.mu.Lock()
		p.pid = 0
		p.cmd = nil
		p.mu.Unlock()
		p.closePipes()

		switch {
		case signaled:
			p.logger.Debug("process terminated", "pid", pid, "signal", sig)
			for _, w := range p.watchers() {
				w.Terminated(p, sig)
			}
		case exited:
			p.logger.Debug("process exited", "pid", pid, "status", status)
			for _, w := range p.watchers() {
				w.Exited(p, status)
			}
		}
	})
}

func (p *Process) closePipes() {
	if p.toChild != nil {
		p.toChild.Close()
		p.toChild = nil
	}
	if p.fromChild != nil {
		p.fromChild.Close()
		p.fromChild = nil
	}
}

// Signal sends sig to the child if it is running.
func (p *Process) Signal(sig syscall.Signal) {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(sig)
	}
}

// Stop requests termination with SIGTERM. The exit is reported through
// the watchers like any other.
func (p *Process) Stop() { p.Signal(syscall.SIGTERM) }

// Close force-terminates without waiting. Callers needing a graceful
// shutdown must Stop and wait for the exit event before dropping the
// handle.
func (p *Process) Close() {
	p.Stop()
}
