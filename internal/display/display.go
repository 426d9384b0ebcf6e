// Package display pairs one display server with at most one session
// and drives the login flow on it: autologin, greeter, and the
// greeter-to-user-session handoff.
//
// Everything here runs on the monitor's control goroutine. Display
// servers, sessions and the greeter protocol all deliver their events
// there, so the state machine needs no locking; the only cross-thread
// traffic is the authentication conversation, which is marshalled back
// through Monitor.Post.
package display

import (
	"log/slog"
	"strings"
	"syscall"
	"time"

	"github.com/lumidm/lumidm/internal/childproc"
	"github.com/lumidm/lumidm/internal/displayserver"
	"github.com/lumidm/lumidm/internal/greeter"
	"github.com/lumidm/lumidm/internal/logging"
	"github.com/lumidm/lumidm/internal/pamauth"
	"github.com/lumidm/lumidm/internal/session"
	"github.com/lumidm/lumidm/internal/tracking"
	"github.com/lumidm/lumidm/internal/users"
	"github.com/lumidm/lumidm/pkg/types"
)

// ServerFactory builds the display server a Display will own. The
// Display is the only caller of the returned server's Start and Stop.
type ServerFactory func(events displayserver.Events) displayserver.DisplayServer

// Config wires one Display.
type Config struct {
	SeatName string
	Server   ServerFactory

	// GreeterCommand is the resolved greeter command line. Empty
	// disables the greeter fallback entirely.
	GreeterCommand string
	// GreeterUser runs the greeter. Refused if root while the daemon
	// is privileged.
	GreeterUser  *users.User
	GreeterHints greeter.Hints

	PAMService          string
	PAMAutologinService string

	// AutologinUser logs in without a greeter once the server is
	// ready. AutologinTimeout > 0 turns that into a greeter-mediated
	// timed login instead.
	AutologinUser     string
	AutologinGuest    bool
	AutologinTimeout  time.Duration
	FallbackToGreeter bool

	// Passive marks servers that only proxy remote logins (an XDMCP
	// query); no local session is started on them.
	Passive bool

	// GuestUser is the account guest logins run as.
	GuestUser string

	// UserSession is the default session key when the user has no
	// saved preference.
	UserSession    string
	SessionDirs    []string
	SessionWrapper string
	// GuestSessionWrapper, when set, replaces SessionWrapper for guest
	// logins.
	GuestSessionWrapper string
	Language            string

	Backend  pamauth.Backend
	Users    users.Lookup
	Registry tracking.Registry

	// Setup script hooks, run synchronously through RunScript. A
	// failing display script aborts the display; failing greeter or
	// session scripts abort that start attempt only.
	DisplaySetupScript string
	GreeterSetupScript string
	SessionSetupScript string
	RunScript          func(command string) error

	CacheDir string
	LogDir   string
	LogMode  logging.Mode
}

// Events is what a Display reports upward to its seat.
type Events interface {
	SessionStarted(d *Display, entry tracking.Entry)
	SessionStopped(d *Display, cookie string)
	// Stopped fires exactly once, when server and session are both
	// fully down.
	Stopped(d *Display)
}

// pendingLogin is a login decision waiting for the greeter to exit.
type pendingLogin struct {
	username string
	session  string
	language string
	guest    bool
	// autologin marks logins that authenticate without a credential
	// conversation: guest logins and expired timed logins.
	autologin bool
}

// Display is one display-server/session pairing.
type Display struct {
	monitor *childproc.Monitor
	cfg     Config
	events  Events
	logger  *slog.Logger

	state       types.DisplayState
	stopping    bool
	sessionType types.SessionType

	server        displayserver.DisplayServer
	serverStopped bool

	session        *session.Session
	sessionUser    string
	sessionCookie  string
	greeterHandler *greeter.Greeter
	authSession    *pamauth.Session

	pending *pendingLogin
	// selectUser and selectGuest are carried into the greeter after a
	// failed autologin.
	selectUser  string
	selectGuest bool
}

// New builds a Display. Start must be called from the control
// goroutine.
func New(monitor *childproc.Monitor, cfg Config, events Events, logger *slog.Logger) *Display {
	if logger == nil {
		logger = slog.Default()
	}
	return &Display{
		monitor:     monitor,
		cfg:         cfg,
		events:      events,
		logger:      logger,
		state:       types.DisplayIdle,
		sessionType: types.SessionTypeNone,
	}
}

// State returns the current lifecycle state.
func (d *Display) State() types.DisplayState { return d.state }

// SessionType reports what kind of session is live.
func (d *Display) SessionType() types.SessionType { return d.sessionType }

// DisplayName is the owned server's DISPLAY value, empty before start.
func (d *Display) DisplayName() string {
	if d.server == nil {
		return ""
	}
	return d.server.DisplayName()
}

// SessionCookie is the tracking cookie of the live session, if any.
func (d *Display) SessionCookie() string { return d.sessionCookie }

// SessionUsername is the account of the live user session, empty for
// greeters and idle displays.
func (d *Display) SessionUsername() string { return d.sessionUser }

// VT is the virtual terminal the owned server runs on, 0 when none.
func (d *Display) VT() int {
	if d.server == nil {
		return 0
	}
	return d.server.VT()
}

// Start brings up the display server. The rest of the flow is driven
// by its readiness event.
func (d *Display) Start() error {
	d.state = types.DisplayServerStartState
	d.server = d.cfg.Server(d)
	if err := d.server.Start(); err != nil {
		d.logger.Warn("display server failed to start", "error", err)
		d.serverStopped = true
		d.finish()
		return err
	}
	return nil
}

// Ready implements displayserver.Events.
func (d *Display) Ready(ds displayserver.DisplayServer) {
	if d.stopping {
		ds.Stop()
		return
	}
	d.state = types.DisplayServerReadyState
	d.logger = d.logger.With("display", ds.DisplayName())
	d.logger.Debug("display server ready")
	if !d.runScript(d.cfg.DisplaySetupScript) {
		d.Stop()
		return
	}
	d.startInitialSession()
}

// Stopped implements displayserver.Events. STARTING straight to
// STOPPED is a failed start; either way the display is done once the
// session is too.
func (d *Display) Stopped(ds displayserver.DisplayServer) {
	d.serverStopped = true
	if d.state == types.DisplayServerStartState {
		d.logger.Warn("display server stopped before becoming ready")
	}
	d.stopping = true
	if d.session != nil {
		d.session.Stop()
		return
	}
	d.finish()
}

// startInitialSession tries, in order, guest autologin, user
// autologin, the greeter. Exhausting every candidate stops the
// display.
func (d *Display) startInitialSession() {
	if d.cfg.Passive {
		d.logger.Debug("passive display server, not starting a session")
		return
	}
	if d.cfg.AutologinTimeout <= 0 {
		if d.cfg.AutologinGuest && d.cfg.GuestUser != "" {
			d.startAutologin(d.cfg.GuestUser, pendingLogin{username: d.cfg.GuestUser, guest: true})
			return
		}
		if d.cfg.AutologinUser != "" {
			d.startAutologin(d.cfg.AutologinUser, pendingLogin{username: d.cfg.AutologinUser})
			return
		}
	}
	if !d.startGreeter() {
		d.Stop()
	}
}

// releaseAuth cancels and closes the current authentication session,
// if any.
func (d *Display) releaseAuth() {
	if d.authSession == nil {
		return
	}
	d.authSession.Cancel()
	if err := d.authSession.CloseSession(); err != nil {
		d.logger.Warn("failed to close authentication session", "error", err)
	}
	d.authSession = nil
}

// startAutologin authenticates target without any interactive
// conversation. The first prompt the backend raises cancels the
// attempt; autologin must never sit waiting for input.
func (d *Display) startAutologin(target string, login pendingLogin) {
	d.releaseAuth()
	d.logger.Debug("starting autologin", "username", target)
	auth := pamauth.NewSession(d.cfg.Backend, d.cfg.PAMAutologinService, target,
		&autologinEvents{d: d}, d.logger)
	d.authSession = auth
	if err := auth.Authenticate(); err != nil {
		d.logger.Warn("autologin failed to start", "error", err)
		d.authSession = nil
		d.autologinFallback(login)
		return
	}
	d.pending = &login
}

// autologinEvents aborts on any question and reports the result back
// onto the control goroutine.
type autologinEvents struct {
	d *Display
}

func (e *autologinEvents) Prompted(s *pamauth.Session, prompt types.Prompt) {
	if prompt.Style.IsQuestion() {
		s.Cancel()
	}
}

func (e *autologinEvents) Finished(s *pamauth.Session, result types.AuthResult) {
	e.d.monitor.Post(func() { e.d.autologinFinished(s, result) })
}

func (d *Display) autologinFinished(s *pamauth.Session, result types.AuthResult) {
	if s != d.authSession {
		return
	}
	if d.stopping {
		_ = s.CloseSession()
		d.authSession = nil
		return
	}
	if !result.OK() {
		d.logger.Info("autologin authentication failed", "username", s.Username(), "result", int(result))
		_ = s.CloseSession()
		d.authSession = nil
		login := *d.pending
		d.pending = nil
		d.autologinFallback(login)
		return
	}
	login := *d.pending
	d.pending = nil
	d.startUserSession(login)
}

func (d *Display) autologinFallback(login pendingLogin) {
	if !d.cfg.FallbackToGreeter {
		d.Stop()
		return
	}
	if login.guest {
		d.selectGuest = true
	} else {
		d.selectUser = login.username
	}
	if !d.startGreeter() {
		d.Stop()
	}
}

// startGreeter spawns the greeter session and attaches the protocol
// handler to its pipe. Returns false when the greeter cannot start.
func (d *Display) startGreeter() bool {
	if d.cfg.GreeterCommand == "" || d.cfg.GreeterUser == nil {
		d.logger.Warn("no greeter configured")
		return false
	}
	if d.cfg.GreeterUser.UID == 0 {
		// A compromised greeter must not be running as root.
		d.logger.Warn("refusing to run greeter as root")
		return false
	}

	if !d.runScript(d.cfg.GreeterSetupScript) {
		return false
	}

	d.logger.Debug("starting greeter", "username", d.cfg.GreeterUser.Name)
	sess := session.New(d.monitor, session.Config{
		User:        d.cfg.GreeterUser,
		Command:     d.cfg.GreeterCommand,
		DisplayName: d.server.DisplayName(),
		Authority:   d.server.Authority(),
		SeatName:    d.cfg.SeatName,
		VT:          d.server.VT(),
		Greeter:     true,
		LogFile:     d.logPath("greeter"),
		LogMode:     d.cfg.LogMode,
	}, d.logger)
	sess.AddWatcher(&sessionWatcher{d: d, sess: sess, greeter: true})

	if err := sess.Start(); err != nil {
		d.logger.Warn("greeter failed to start", "error", err)
		return false
	}

	hints := d.cfg.GreeterHints
	if d.selectUser != "" {
		hints.SelectUser = d.selectUser
	}
	if d.selectGuest {
		hints.SelectGuest = true
	}
	if d.cfg.AutologinTimeout > 0 {
		if d.cfg.AutologinGuest && d.cfg.GuestUser != "" {
			hints.TimedLoginUser = d.cfg.GuestUser
			hints.TimedLoginDelay = d.cfg.AutologinTimeout
		} else if d.cfg.AutologinUser != "" {
			hints.TimedLoginUser = d.cfg.AutologinUser
			hints.TimedLoginDelay = d.cfg.AutologinTimeout
		}
	}
	d.greeterHandler = greeter.New(sess.Process().ToChild(), hints, d.userDefaults,
		&greeterEvents{d: d}, d.monitor.Post, d.logger)

	d.session = sess
	d.sessionType = types.SessionTypeGreeterPreConnect
	d.state = types.DisplayGreeterStarting
	return true
}

// userDefaults answers GET_USER_DEFAULTS from saved preferences.
func (d *Display) userDefaults(username string) greeter.UserDefaults {
	u, err := d.cfg.Users.Lookup(username)
	if err != nil {
		return greeter.UserDefaults{Session: d.cfg.UserSession}
	}
	prefs := session.LoadPreferences(u, d.cfg.CacheDir, d.logger)
	if prefs.Session == "" {
		prefs.Session = d.cfg.UserSession
	}
	return greeter.UserDefaults{Language: prefs.Language, Layout: prefs.Layout, Session: prefs.Session}
}

// greeterEvents routes protocol requests into the state machine. These
// already run on the control goroutine.
type greeterEvents struct {
	d *Display
}

func (e *greeterEvents) Connected(g *greeter.Greeter) {
	if e.d.sessionType == types.SessionTypeGreeterPreConnect {
		e.d.sessionType = types.SessionTypeGreeter
	}
}

func (e *greeterEvents) AuthenticationRequested(g *greeter.Greeter, username string) {
	e.d.startGreeterAuthentication(username)
}

func (e *greeterEvents) Responded(g *greeter.Greeter, answers []string) {
	if e.d.authSession == nil {
		return
	}
	for _, a := range answers {
		e.d.authSession.Respond(a)
	}
}

func (e *greeterEvents) AuthenticationCancelled(g *greeter.Greeter) {
	if e.d.authSession != nil {
		e.d.authSession.Cancel()
	}
}

func (e *greeterEvents) LoginRequested(g *greeter.Greeter, username, sessionName, language string) {
	e.d.greeterLogin(pendingLogin{username: username, session: sessionName, language: language})
}

func (e *greeterEvents) GuestLoginRequested(g *greeter.Greeter, sessionName string) {
	if e.d.cfg.GuestUser == "" {
		e.d.logger.Warn("guest login requested but guest account is disabled")
		return
	}
	e.d.greeterLogin(pendingLogin{username: e.d.cfg.GuestUser, session: sessionName, guest: true})
}

func (e *greeterEvents) TimedLoginExpired(g *greeter.Greeter, username string) {
	e.d.logger.Debug("timed login expired", "username", username)
	login := pendingLogin{username: username, autologin: true}
	if e.d.cfg.AutologinGuest && username == e.d.cfg.GuestUser {
		login.guest = true
	}
	e.d.greeterLogin(login)
}

func (e *greeterEvents) Disconnected(g *greeter.Greeter) {
	// The greeter dropping its pipe outside of a login handoff means
	// it is gone or misbehaving; the exit watcher does the cleanup,
	// this only makes sure the display winds down when no login is
	// coming.
	if e.d.pending == nil && !e.d.stopping {
		e.d.Stop()
	}
}

// startGreeterAuthentication begins a conversation on the greeter's
// behalf. Any previous conversation is cancelled first.
func (d *Display) startGreeterAuthentication(username string) {
	d.releaseAuth()
	auth := pamauth.NewSession(d.cfg.Backend, d.cfg.PAMService, username,
		&greeterAuthEvents{d: d}, d.logger)
	d.authSession = auth
	if err := auth.Authenticate(); err != nil {
		d.logger.Warn("authentication failed to start", "error", err)
		d.authSession = nil
		if d.greeterHandler != nil {
			_ = d.greeterHandler.EndAuthentication(types.AuthSystemError)
		}
	}
}

// greeterAuthEvents forwards the conversation to the greeter over the
// wire.
type greeterAuthEvents struct {
	d *Display
}

func (e *greeterAuthEvents) Prompted(s *pamauth.Session, prompt types.Prompt) {
	e.d.monitor.Post(func() {
		if s != e.d.authSession || e.d.greeterHandler == nil {
			return
		}
		if err := e.d.greeterHandler.Prompt([]types.Prompt{prompt}); err != nil {
			e.d.logger.Warn("failed to forward prompt to greeter", "error", err)
			s.Cancel()
		}
	})
}

func (e *greeterAuthEvents) Finished(s *pamauth.Session, result types.AuthResult) {
	e.d.monitor.Post(func() {
		if s != e.d.authSession {
			return
		}
		if result.OK() && e.d.sessionType == types.SessionTypeGreeter {
			e.d.sessionType = types.SessionTypeGreeterAuthenticated
		}
		if e.d.greeterHandler != nil {
			_ = e.d.greeterHandler.EndAuthentication(result)
		}
	})
}

// greeterLogin records the chosen login and tears the greeter down.
// The user session starts only after the greeter process has fully
// exited, so it never competes for the display.
func (d *Display) greeterLogin(login pendingLogin) {
	if d.stopping || d.session == nil {
		return
	}
	if !login.guest && !login.autologin && d.sessionType != types.SessionTypeGreeterAuthenticated {
		d.logger.Warn("greeter requested login without authenticating", "username", login.username)
		return
	}
	d.logger.Debug("greeter login", "username", login.username, "session", login.session)
	d.pending = &login
	d.greeterHandler.Quit()
	d.session.Stop()
}

// sessionWatcher observes one session process.
type sessionWatcher struct {
	childproc.NopWatcher
	d       *Display
	sess    *session.Session
	greeter bool
}

func (w *sessionWatcher) GotData(p *childproc.Process, data []byte) {
	if w.sess != w.d.session || !w.greeter || w.d.greeterHandler == nil {
		return
	}
	w.d.greeterHandler.HandleData(data)
}

func (w *sessionWatcher) Exited(p *childproc.Process, status int) {
	if status != 0 {
		w.d.logger.Debug("session exited with non-zero status", "status", status)
	}
	w.d.sessionEnded(w.sess, w.greeter)
}

func (w *sessionWatcher) Terminated(p *childproc.Process, sig syscall.Signal) {
	w.d.sessionEnded(w.sess, w.greeter)
}

// sessionEnded is the single cleanup-and-continue point for session
// exits on every path.
func (d *Display) sessionEnded(sess *session.Session, wasGreeter bool) {
	if sess != d.session {
		return
	}
	d.logger.Debug("session ended", "greeter", wasGreeter)

	if d.sessionCookie != "" {
		if err := d.cfg.Registry.CloseSession(d.sessionCookie); err != nil {
			d.logger.Warn("failed to close session record", "error", err)
		}
		d.events.SessionStopped(d, d.sessionCookie)
		d.sessionCookie = ""
	}
	// During a greeter-to-user handoff the authenticated conversation
	// survives the greeter; the user session opens it.
	handoff := wasGreeter && !d.stopping && d.pending != nil
	if !handoff {
		d.releaseAuth()
	}
	sess.RemoveAuthority()
	d.session = nil
	d.sessionUser = ""
	d.greeterHandler = nil
	d.sessionType = types.SessionTypeNone

	if d.stopping {
		d.stopServer()
		return
	}
	if wasGreeter && d.pending != nil {
		// Deferred handoff: the greeter is fully gone, the display is
		// free for the real session.
		login := *d.pending
		d.pending = nil
		if login.guest || login.autologin {
			d.startAutologin(login.username, login)
			return
		}
		d.startUserSession(login)
		return
	}
	// A user session ending, or a greeter dying with no login chosen,
	// finishes this display.
	d.Stop()
}

// startUserSession launches the authenticated user's session.
func (d *Display) startUserSession(login pendingLogin) {
	user, err := d.cfg.Users.Lookup(login.username)
	if err != nil {
		d.logger.Warn("session user not found", "username", login.username, "error", err)
		d.userSessionFailed(login)
		return
	}

	prefs := session.LoadPreferences(user, d.cfg.CacheDir, d.logger)
	sessionName := login.session
	if sessionName == "" {
		sessionName = prefs.Session
	}
	if sessionName == "" {
		sessionName = d.cfg.UserSession
	}
	language := login.language
	if language == "" {
		language = prefs.Language
	}
	if language == "" {
		language = d.cfg.Language
	}

	desc, err := session.LoadDesc(d.cfg.SessionDirs, sessionName)
	if err != nil {
		d.logger.Warn("cannot resolve session", "session", sessionName, "error", err)
		d.userSessionFailed(login)
		return
	}
	command := desc.Exec
	wrapper := d.cfg.SessionWrapper
	if login.guest && d.cfg.GuestSessionWrapper != "" {
		wrapper = d.cfg.GuestSessionWrapper
	}
	if wrapper != "" {
		command = wrapper + " " + command
	}

	// Persist the choice so it becomes the default next time. Guests
	// have no durable home to save into.
	if !login.guest && (login.session != "" || login.language != "") {
		session.SavePreferences(user, d.cfg.CacheDir, session.Preferences{
			Session:  sessionName,
			Language: language,
			Layout:   prefs.Layout,
		}, d.logger)
	}

	if !d.runScript(d.cfg.SessionSetupScript) {
		d.userSessionFailed(login)
		return
	}

	if d.authSession != nil {
		if err := d.authSession.OpenSession(); err != nil {
			d.logger.Warn("failed to open authentication session", "error", err)
			d.userSessionFailed(login)
			return
		}
	}

	cookie := tracking.NewCookie()
	entry := tracking.Entry{
		Cookie:      cookie,
		Username:    user.Name,
		SeatName:    d.cfg.SeatName,
		DisplayName: d.server.DisplayName(),
		VT:          d.server.VT(),
	}
	if err := d.cfg.Registry.OpenSession(entry); err != nil {
		d.logger.Warn("failed to record session", "error", err)
	}

	sess := session.New(d.monitor, session.Config{
		User:        user,
		Command:     command,
		DesktopName: desc.Key,
		Language:    language,
		DisplayName: d.server.DisplayName(),
		Authority:   d.server.Authority(),
		SeatName:    d.cfg.SeatName,
		VT:          d.server.VT(),
		Cookie:      cookie,
		LogFile:     d.logPath("session"),
		LogMode:     d.cfg.LogMode,
	}, d.logger)
	sess.AddWatcher(&sessionWatcher{d: d, sess: sess})
	if d.authSession != nil {
		for _, kv := range d.authSession.Environment() {
			if i := strings.IndexByte(kv, '='); i > 0 {
				sess.Process().SetEnv(kv[:i], kv[i+1:])
			}
		}
	}

	d.state = types.DisplayUserStarting
	if err := sess.Start(); err != nil {
		d.logger.Warn("user session failed to start", "error", err)
		if err := d.cfg.Registry.CloseSession(cookie); err != nil {
			d.logger.Warn("failed to close session record", "error", err)
		}
		d.userSessionFailed(login)
		return
	}

	d.session = sess
	d.sessionUser = user.Name
	d.sessionCookie = cookie
	d.sessionType = types.SessionTypeUser
	d.state = types.DisplayUserRunning
	d.logger.Info("user session started", "username", user.Name, "session", desc.Key)
	d.events.SessionStarted(d, entry)
}

// runScript runs one setup script synchronously. Empty scripts and an
// unset runner always succeed.
func (d *Display) runScript(script string) bool {
	if script == "" || d.cfg.RunScript == nil {
		return true
	}
	if err := d.cfg.RunScript(script); err != nil {
		d.logger.Warn("setup script failed", "script", script, "error", err)
		return false
	}
	return true
}

// userSessionFailed falls back to a fresh greeter, or stops when
// greeters are unavailable too.
func (d *Display) userSessionFailed(login pendingLogin) {
	if d.stopping {
		d.stopServer()
		return
	}
	if !login.guest {
		d.selectUser = login.username
	}
	if !d.startGreeter() {
		d.Stop()
	}
}

// Stop winds the display down: session first, then server. Idempotent.
func (d *Display) Stop() {
	if d.state == types.DisplayStoppedState {
		return
	}
	d.stopping = true
	d.pending = nil
	d.state = types.DisplayStoppingState

	if d.authSession != nil {
		d.authSession.Cancel()
	}
	if d.greeterHandler != nil {
		d.greeterHandler.Quit()
	}
	if d.session != nil {
		d.session.Stop()
		return
	}
	d.stopServer()
}

func (d *Display) stopServer() {
	if d.serverStopped || d.server == nil {
		d.finish()
		return
	}
	d.server.Stop()
}

// finish emits the terminal stopped event exactly once.
func (d *Display) finish() {
	if d.state == types.DisplayStoppedState {
		return
	}
	if !d.serverStopped && d.server != nil {
		return
	}
	if d.session != nil {
		return
	}
	d.state = types.DisplayStoppedState
	d.logger.Debug("display stopped")
	d.events.Stopped(d)
}

func (d *Display) logPath(kind string) string {
	if d.cfg.LogDir == "" {
		return ""
	}
	name := strings.TrimPrefix(d.server.DisplayName(), ":")
	name = strings.ReplaceAll(name, ":", "-")
	return d.cfg.LogDir + "/x-" + name + "-" + kind + ".log"
}
