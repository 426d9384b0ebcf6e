package pamauth

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lumidm/lumidm/pkg/types"
)

type recordedPrompt struct {
	session *Session
	prompt  types.Prompt
}

type recorder struct {
	prompts  chan recordedPrompt
	finished chan types.AuthResult
}

func newRecorder() *recorder {
	return &recorder{
		prompts:  make(chan recordedPrompt, 16),
		finished: make(chan types.AuthResult, 1),
	}
}

func (r *recorder) Prompted(s *Session, prompt types.Prompt) {
	r.prompts <- recordedPrompt{session: s, prompt: prompt}
}

func (r *recorder) Finished(s *Session, result types.AuthResult) {
	r.finished <- result
}

func (r *recorder) waitPrompt(t *testing.T) types.Prompt {
	t.Helper()
	select {
	case p := <-r.prompts:
		return p.prompt
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for prompt")
		return types.Prompt{}
	}
}

func (r *recorder) waitResult(t *testing.T) types.AuthResult {
	t.Helper()
	select {
	case res := <-r.finished:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for result")
		return 0
	}
}

func writeCredentials(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "users.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const testCredentials = `
users:
  alice:
    password: secret
    environment:
      - LANG=en_US.UTF-8
  guest:
    password: ""
`

func TestAuthenticateSuccess(t *testing.T) {
	backend, err := NewFileBackend(writeCredentials(t, testCredentials))
	require.NoError(t, err)

	events := newRecorder()
	s := NewSession(backend, "lumidm", "alice", events, nil)
	require.Equal(t, StateNew, s.State())
	require.NoError(t, s.Authenticate())

	prompt := events.waitPrompt(t)
	require.Equal(t, types.PromptSecret, prompt.Style)
	require.Equal(t, "Password: ", prompt.Text)
	s.Respond("secret")

	require.Equal(t, types.AuthSuccess, events.waitResult(t))
	require.Equal(t, StateAuthenticated, s.State())
	require.Equal(t, "alice", s.Username())
	require.Contains(t, s.Environment(), "LANG=en_US.UTF-8")
}

func TestAuthenticateWrongPassword(t *testing.T) {
	backend, err := NewFileBackend(writeCredentials(t, testCredentials))
	require.NoError(t, err)

	events := newRecorder()
	s := NewSession(backend, "lumidm", "alice", events, nil)
	require.NoError(t, s.Authenticate())

	events.waitPrompt(t)
	s.Respond("wrong")

	require.Equal(t, types.AuthFailed, events.waitResult(t))
	require.Equal(t, StateFailed, s.State())
}

func TestAuthenticateUnknownUser(t *testing.T) {
	backend, err := NewFileBackend(writeCredentials(t, testCredentials))
	require.NoError(t, err)

	events := newRecorder()
	s := NewSession(backend, "lumidm", "mallory", events, nil)
	require.NoError(t, s.Authenticate())

	// The password is still collected so the conversation does not
	// reveal which usernames exist.
	events.waitPrompt(t)
	s.Respond("anything")

	require.Equal(t, types.AuthUserUnknown, events.waitResult(t))
}

func TestAuthenticatePasswordlessUser(t *testing.T) {
	backend, err := NewFileBackend(writeCredentials(t, testCredentials))
	require.NoError(t, err)

	events := newRecorder()
	s := NewSession(backend, "lumidm", "guest", events, nil)
	require.NoError(t, s.Authenticate())

	require.Equal(t, types.AuthSuccess, events.waitResult(t))
}

func TestAuthenticateAsksForUsername(t *testing.T) {
	backend, err := NewFileBackend(writeCredentials(t, testCredentials))
	require.NoError(t, err)

	events := newRecorder()
	s := NewSession(backend, "lumidm", "", events, nil)
	require.NoError(t, s.Authenticate())

	login := events.waitPrompt(t)
	require.Equal(t, types.PromptEcho, login.Style)
	require.Equal(t, "login:", login.Text)
	s.Respond("alice")

	events.waitPrompt(t)
	s.Respond("secret")

	require.Equal(t, types.AuthSuccess, events.waitResult(t))
	require.Equal(t, "alice", s.Username())
}

func TestRespondWithoutOutstandingPromptIsDropped(t *testing.T) {
	backend, err := NewFileBackend(writeCredentials(t, testCredentials))
	require.NoError(t, err)

	events := newRecorder()
	s := NewSession(backend, "lumidm", "guest", events, nil)
	require.NoError(t, s.Authenticate())
	require.Equal(t, types.AuthSuccess, events.waitResult(t))

	// A stray answer with no question outstanding must return, not
	// wait for a conversation that will never consume it.
	done := make(chan struct{})
	go func() {
		s.Respond("stray answer")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Respond blocked with no outstanding prompt")
	}
}

const expiredCredentials = `
users:
  dave:
    password: old
    expired: true
`

func TestExpiredPasswordIsChangedDuringLogin(t *testing.T) {
	backend, err := NewFileBackend(writeCredentials(t, expiredCredentials))
	require.NoError(t, err)

	events := newRecorder()
	s := NewSession(backend, "lumidm", "dave", events, nil)
	require.NoError(t, s.Authenticate())

	events.waitPrompt(t)
	s.Respond("old")

	prompt := events.waitPrompt(t)
	require.Equal(t, types.PromptSecret, prompt.Style)
	require.Equal(t, "New password: ", prompt.Text)
	s.Respond("fresh")

	prompt = events.waitPrompt(t)
	require.Equal(t, "Retype new password: ", prompt.Text)
	s.Respond("fresh")

	require.Equal(t, types.AuthSuccess, events.waitResult(t))

	// The new password is the one that works from now on.
	events = newRecorder()
	s = NewSession(backend, "lumidm", "dave", events, nil)
	require.NoError(t, s.Authenticate())
	events.waitPrompt(t)
	s.Respond("fresh")
	require.Equal(t, types.AuthSuccess, events.waitResult(t))
}

func TestExpiredPasswordChangeMismatchFails(t *testing.T) {
	backend, err := NewFileBackend(writeCredentials(t, expiredCredentials))
	require.NoError(t, err)

	events := newRecorder()
	s := NewSession(backend, "lumidm", "dave", events, nil)
	require.NoError(t, s.Authenticate())

	events.waitPrompt(t)
	s.Respond("old")
	events.waitPrompt(t)
	s.Respond("fresh")
	events.waitPrompt(t)
	s.Respond("different")

	require.Equal(t, types.AuthCredExpired, events.waitResult(t))
	require.Equal(t, StateFailed, s.State())
}

func TestCancelDuringPrompt(t *testing.T) {
	backend, err := NewFileBackend(writeCredentials(t, testCredentials))
	require.NoError(t, err)

	events := newRecorder()
	s := NewSession(backend, "lumidm", "alice", events, nil)
	require.NoError(t, s.Authenticate())

	events.waitPrompt(t)
	s.Cancel()
	s.Cancel() // idempotent

	require.Equal(t, types.AuthCancelled, events.waitResult(t))
	require.Equal(t, StateFailed, s.State())
}

func TestAuthenticateTwiceFails(t *testing.T) {
	backend, err := NewFileBackend(writeCredentials(t, testCredentials))
	require.NoError(t, err)

	events := newRecorder()
	s := NewSession(backend, "lumidm", "guest", events, nil)
	require.NoError(t, s.Authenticate())
	events.waitResult(t)
	require.Error(t, s.Authenticate())
}

func TestSessionLifecycle(t *testing.T) {
	backend, err := NewFileBackend(writeCredentials(t, testCredentials))
	require.NoError(t, err)

	events := newRecorder()
	s := NewSession(backend, "lumidm", "guest", events, nil)

	require.Error(t, s.OpenSession(), "cannot open before authenticating")

	require.NoError(t, s.Authenticate())
	events.waitResult(t)

	require.NoError(t, s.OpenSession())
	require.Equal(t, StateSessionOpen, s.State())
	require.NoError(t, s.CloseSession())
	require.Equal(t, StateSessionClosed, s.State())
}

func TestFileBackendRejectsMissingFile(t *testing.T) {
	_, err := NewFileBackend(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestFileBackendRejectsMalformedFile(t *testing.T) {
	_, err := NewFileBackend(writeCredentials(t, "users: [not a map"))
	require.Error(t, err)
}
