package greeter

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/lumidm/lumidm/pkg/types"
)

// Hints is what the daemon tells a greeter when it connects.
type Hints struct {
	Theme          string
	DefaultLayout  string
	DefaultSession string
	// SelectUser preselects a username in the greeter, typically the
	// user whose autologin just failed.
	SelectUser  string
	SelectGuest bool
	// TimedLoginUser logs in automatically after TimedLoginDelay
	// unless the user interacts first.
	TimedLoginUser  string
	TimedLoginDelay time.Duration
}

// UserDefaults are the per-user preferences a greeter can query.
type UserDefaults struct {
	Language string
	Layout   string
	Session  string
}

// Events receives decoded greeter requests. All callbacks run on the
// control goroutine.
type Events interface {
	// Connected fires once the greeter has completed the handshake.
	Connected(g *Greeter)
	// AuthenticationRequested asks to start authenticating username
	// (empty means the backend should ask for one).
	AuthenticationRequested(g *Greeter, username string)
	// Responded carries the user's answers to outstanding prompts.
	Responded(g *Greeter, answers []string)
	AuthenticationCancelled(g *Greeter)
	// LoginRequested asks to start the user session once
	// authentication has succeeded.
	LoginRequested(g *Greeter, username, session, language string)
	GuestLoginRequested(g *Greeter, session string)
	// TimedLoginExpired fires when the timed-login delay passes with
	// no user interaction.
	TimedLoginExpired(g *Greeter, username string)
	// Disconnected fires when the greeter closes its end of the pipe.
	Disconnected(g *Greeter)
}

// DefaultsFunc resolves a user's saved preferences for
// GET_USER_DEFAULTS.
type DefaultsFunc func(username string) UserDefaults

// Greeter speaks the daemon side of the protocol with one greeter
// process. HandleData is fed from the process watcher; replies go out
// through the write end of the pipe pair.
type Greeter struct {
	w        io.Writer
	hints    Hints
	defaults DefaultsFunc
	events   Events
	post     func(func())
	logger   *slog.Logger

	reader    Reader
	connected bool

	mu         sync.Mutex
	timedLogin *time.Timer
	timedDone  bool
}

// New builds a handler. post marshals timer callbacks onto the control
// goroutine.
func New(w io.Writer, hints Hints, defaults DefaultsFunc, events Events, post func(func()), logger *slog.Logger) *Greeter {
	if logger == nil {
		logger = slog.Default()
	}
	if defaults == nil {
		defaults = func(string) UserDefaults { return UserDefaults{} }
	}
	return &Greeter{
		w:        w,
		hints:    hints,
		defaults: defaults,
		events:   events,
		post:     post,
		logger:   logger,
	}
}

// HandleData consumes bytes from the greeter pipe. A nil or empty
// slice means the greeter closed its end.
func (g *Greeter) HandleData(data []byte) {
	if len(data) == 0 {
		g.logger.Debug("greeter closed connection")
		g.cancelTimedLogin()
		g.events.Disconnected(g)
		return
	}
	messages, err := g.reader.Feed(data)
	for _, m := range messages {
		g.dispatch(m)
	}
	if err != nil {
		// The stream is unrecoverable after a framing error.
		g.logger.Warn("malformed greeter message", "error", err)
		g.Quit()
	}
}

func (g *Greeter) dispatch(m *Message) {
	switch m.ID {
	case MsgConnect:
		g.handleConnect()
		return
	case MsgGetUserDefaults:
		g.handleGetUserDefaults(m)
		return
	}

	// Any authentication traffic counts as user interaction and
	// disarms the timed login.
	g.cancelTimedLogin()

	var err error
	switch m.ID {
	case MsgStartAuthentication:
		var username string
		if username, err = m.String(); err == nil {
			g.events.AuthenticationRequested(g, username)
		}
	case MsgContinueAuthentication:
		var answers []string
		if answers, err = readStringList(m); err == nil {
			g.events.Responded(g, answers)
		}
	case MsgCancelAuthentication:
		g.events.AuthenticationCancelled(g)
	case MsgLogin:
		var username, session, language string
		if username, err = m.String(); err == nil {
			if session, err = m.String(); err == nil {
				if language, err = m.String(); err == nil {
					g.events.LoginRequested(g, username, session, language)
				}
			}
		}
	case MsgLoginAsGuest:
		var session string
		if session, err = m.String(); err == nil {
			g.events.GuestLoginRequested(g, session)
		}
	default:
		g.logger.Warn("unknown greeter message", "id", uint32(m.ID))
	}
	if err != nil {
		g.logger.Warn("malformed greeter message", "id", uint32(m.ID), "error", err)
	}
}

func readStringList(m *Message) ([]string, error) {
	n, err := m.Int()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		s, err := m.String()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (g *Greeter) handleConnect() {
	if g.connected {
		g.logger.Warn("greeter connected twice")
		return
	}
	g.connected = true
	g.logger.Debug("greeter connected")

	delaySeconds := uint32(g.hints.TimedLoginDelay / time.Second)
	err := NewMessage(MsgConnected).
		AddString(g.hints.Theme).
		AddString(g.hints.DefaultLayout).
		AddString(g.hints.DefaultSession).
		AddString(g.hints.TimedLoginUser).
		AddInt(delaySeconds).
		WriteTo(g.w)
	if err != nil {
		g.logger.Warn("failed to send handshake reply", "error", err)
		return
	}
	g.sendSelectHint()

	g.armTimedLogin()
	g.events.Connected(g)
}

// sendSelectHint preselects an account right after the handshake, so
// the greeter comes up with the user whose login just failed (or the
// guest entry) already chosen.
func (g *Greeter) sendSelectHint() {
	switch {
	case g.hints.SelectUser != "":
		if err := NewMessage(MsgSelectUser).AddString(g.hints.SelectUser).WriteTo(g.w); err != nil {
			g.logger.Warn("failed to send select-user hint", "error", err)
		}
	case g.hints.SelectGuest:
		if err := NewMessage(MsgSelectGuest).WriteTo(g.w); err != nil {
			g.logger.Warn("failed to send select-guest hint", "error", err)
		}
	}
}

func (g *Greeter) handleGetUserDefaults(m *Message) {
	username, err := m.String()
	if err != nil {
		g.logger.Warn("malformed greeter message", "id", uint32(m.ID), "error", err)
		return
	}
	d := g.defaults(username)
	err = NewMessage(MsgUserDefaults).
		AddString(d.Language).
		AddString(d.Layout).
		AddString(d.Session).
		WriteTo(g.w)
	if err != nil {
		g.logger.Warn("failed to send user defaults", "error", err)
	}
}

func (g *Greeter) armTimedLogin() {
	if g.hints.TimedLoginUser == "" || g.hints.TimedLoginDelay <= 0 {
		return
	}
	username := g.hints.TimedLoginUser
	g.mu.Lock()
	defer g.mu.Unlock()
	g.timedLogin = time.AfterFunc(g.hints.TimedLoginDelay, func() {
		g.post(func() {
			g.mu.Lock()
			fired := !g.timedDone
			g.timedDone = true
			g.mu.Unlock()
			if fired {
				g.logger.Debug("timed login expired", "username", username)
				g.events.TimedLoginExpired(g, username)
			}
		})
	})
}

func (g *Greeter) cancelTimedLogin() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.timedDone = true
	if g.timedLogin != nil {
		g.timedLogin.Stop()
		g.timedLogin = nil
	}
}

// Prompt forwards authentication prompts to the greeter.
func (g *Greeter) Prompt(prompts []types.Prompt) error {
	b := NewMessage(MsgPromptAuthentication).AddInt(uint32(len(prompts)))
	for _, p := range prompts {
		b.AddInt(uint32(p.Style)).AddString(p.Text)
	}
	return b.WriteTo(g.w)
}

// EndAuthentication reports the conversation result.
func (g *Greeter) EndAuthentication(result types.AuthResult) error {
	return NewMessage(MsgEndAuthentication).AddInt(uint32(result)).WriteTo(g.w)
}

// Quit asks the greeter to exit cleanly.
func (g *Greeter) Quit() {
	g.cancelTimedLogin()
	if err := NewMessage(MsgQuit).WriteTo(g.w); err != nil {
		g.logger.Debug("failed to send quit", "error", err)
	}
}
