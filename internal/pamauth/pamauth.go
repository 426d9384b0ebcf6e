// Package pamauth runs PAM-style authentication conversations.
//
// Authentication is inherently blocking (the stack may call out to
// network services or wait minutes for a user to type a password), so
// each attempt runs in its own goroutine. Prompts flow out through an
// Events sink and answers flow back in through Respond; the caller
// decides which loop the events are handled on.
package pamauth

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/lumidm/lumidm/pkg/types"
)

// ErrCancelled is returned from a conversation once Cancel has been
// called on the owning Session.
var ErrCancelled = errors.New("authentication cancelled")

// State is the lifecycle of one authentication attempt.
type State string

const (
	StateNew            State = "new"
	StateAuthenticating State = "authenticating"
	StateAuthenticated  State = "authenticated"
	StateFailed         State = "failed"
	StateSessionOpen    State = "session-open"
	StateSessionClosed  State = "session-closed"
)

// Converse delivers one prompt to the user and, when the prompt is a
// question, blocks until an answer (or cancellation) arrives.
type Converse func(prompt types.Prompt) (string, error)

// Transaction is one open conversation with an authentication backend.
type Transaction interface {
	// Authenticate runs the stack to completion, driving the
	// conversation function it was opened with.
	Authenticate() types.AuthResult
	// Username returns the account name, which the stack may have
	// rewritten during authentication.
	Username() string
	// Environment returns KEY=VALUE pairs the stack set for the
	// session.
	Environment() []string
	OpenSession() error
	CloseSession() error
	End()
}

// Backend opens transactions. Implementations: PAM proper, and a
// credential file for unprivileged test runs.
type Backend interface {
	Open(service, username string, conv Converse) (Transaction, error)
}

// Events receives conversation traffic. Prompted is called from the
// authentication goroutine; implementations marshal onto their own
// loop.
type Events interface {
	Prompted(s *Session, prompt types.Prompt)
	Finished(s *Session, result types.AuthResult)
}

// Session is a single authentication attempt against a backend.
type Session struct {
	backend Backend
	service string
	events  Events
	logger  *slog.Logger

	mu        sync.Mutex
	state     State
	username  string
	cancelled bool
	waiting   bool
	cancelCh  chan struct{}
	answers   chan string
	tx        Transaction
}

// NewSession prepares an attempt for the named user. An empty username
// lets the backend ask for one.
func NewSession(backend Backend, service, username string, events Events, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		backend:  backend,
		service:  service,
		events:   events,
		logger:   logger,
		state:    StateNew,
		username: username,
		cancelCh: make(chan struct{}),
		answers:  make(chan string, 1),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Username returns the account being authenticated. After a successful
// run it reflects any rewriting the backend performed.
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx != nil {
		return s.tx.Username()
	}
	return s.username
}

// Environment returns the session environment from the backend, or nil
// before authentication finished.
func (s *Session) Environment() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil {
		return nil
	}
	return s.tx.Environment()
}

// Authenticate starts the conversation in a new goroutine. The result
// arrives through Events.Finished exactly once.
func (s *Session) Authenticate() error {
	s.mu.Lock()
	if s.state != StateNew {
		s.mu.Unlock()
		return errors.New("authentication already started")
	}
	s.state = StateAuthenticating
	username := s.username
	s.mu.Unlock()

	s.logger.Debug("starting authentication", "service", s.service, "username", username)

	go func() {
		tx, err := s.backend.Open(s.service, username, s.converse)
		if err != nil {
			s.logger.Warn("error opening authentication transaction", "error", err)
			s.finish(nil, types.AuthSystemError)
			return
		}
		s.finish(tx, tx.Authenticate())
	}()
	return nil
}

func (s *Session) finish(tx Transaction, result types.AuthResult) {
	s.mu.Lock()
	if s.state == StateSessionClosed {
		// CloseSession won the race after a cancel; the transaction
		// has no owner left.
		s.mu.Unlock()
		if tx != nil {
			tx.End()
		}
		s.events.Finished(s, types.AuthCancelled)
		return
	}
	s.tx = tx
	if s.cancelled {
		result = types.AuthCancelled
	}
	if result.OK() {
		s.state = StateAuthenticated
	} else {
		s.state = StateFailed
	}
	s.mu.Unlock()

	s.logger.Debug("authentication finished", "result", int(result))
	s.events.Finished(s, result)
}

// converse runs on the authentication goroutine.
func (s *Session) converse(prompt types.Prompt) (string, error) {
	s.mu.Lock()
	cancelled := s.cancelled
	s.mu.Unlock()
	if cancelled {
		return "", ErrCancelled
	}

	if !prompt.Style.IsQuestion() {
		s.events.Prompted(s, prompt)
		return "", nil
	}

	// Drop any answer a previous prompt never consumed, then open the
	// window Respond checks before it will accept an answer.
	s.mu.Lock()
	select {
	case <-s.answers:
	default:
	}
	s.waiting = true
	s.mu.Unlock()

	s.events.Prompted(s, prompt)

	var answer string
	var err error
	select {
	case answer = <-s.answers:
	case <-s.cancelCh:
		err = ErrCancelled
	}

	s.mu.Lock()
	s.waiting = false
	s.mu.Unlock()
	return answer, err
}

// Respond supplies the answer to the outstanding question. An answer
// with no question outstanding is logged and dropped; a misbehaving
// greeter must not be able to wedge the conversation.
func (s *Session) Respond(answer string) {
	s.mu.Lock()
	waiting := s.waiting
	s.mu.Unlock()
	if !waiting {
		s.logger.Debug("dropping answer with no outstanding prompt")
		return
	}
	select {
	case s.answers <- answer:
	case <-s.cancelCh:
	default:
		// The prompt was already answered.
		s.logger.Debug("dropping duplicate answer")
	}
}

// Cancel aborts an in-flight conversation. It is idempotent and safe
// to call in any state; the attempt still finishes through
// Events.Finished with a cancelled result.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	close(s.cancelCh)
	s.mu.Unlock()
	s.logger.Debug("cancelling authentication")
}

// OpenSession opens the backend session phase. Only valid once
// authenticated.
func (s *Session) OpenSession() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAuthenticated {
		return errors.New("session is not authenticated")
	}
	if err := s.tx.OpenSession(); err != nil {
		return err
	}
	s.state = StateSessionOpen
	return nil
}

// CloseSession closes the session phase and ends the transaction.
func (s *Session) CloseSession() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil {
		return nil
	}
	var err error
	if s.state == StateSessionOpen {
		err = s.tx.CloseSession()
	}
	s.tx.End()
	s.tx = nil
	s.state = StateSessionClosed
	return err
}
