package pamauth

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/lumidm/lumidm/pkg/types"
)

// FileBackend authenticates against a YAML credential file instead of
// the system PAM stack. It reproduces the same conversation shape
// (optional login prompt, then a hidden password prompt) so everything
// above it behaves as it would against real PAM, without privilege.
type FileBackend struct {
	path string

	mu    sync.Mutex
	users map[string]fileUser
}

type fileUser struct {
	Password    string   `yaml:"password"`
	Expired     bool     `yaml:"expired"`
	Environment []string `yaml:"environment"`
}

type credentialFile struct {
	Users map[string]fileUser `yaml:"users"`
}

// NewFileBackend loads the credential file eagerly so a bad path fails
// at startup rather than on the first login.
func NewFileBackend(path string) (*FileBackend, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading credential file: %w", err)
	}
	var cf credentialFile
	if err := yaml.Unmarshal(raw, &cf); err != nil {
		return nil, fmt.Errorf("parsing credential file %s: %w", path, err)
	}
	if cf.Users == nil {
		cf.Users = make(map[string]fileUser)
	}
	return &FileBackend{path: path, users: cf.Users}, nil
}

func (b *FileBackend) lookup(username string) (fileUser, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.users[username]
	return u, ok
}

func (b *FileBackend) setPassword(username, password string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	u := b.users[username]
	u.Password = password
	u.Expired = false
	b.users[username] = u
}

// Open starts a file-backed transaction.
func (b *FileBackend) Open(service, username string, conv Converse) (Transaction, error) {
	return &fileTransaction{backend: b, username: username, conv: conv}, nil
}

type fileTransaction struct {
	backend  *FileBackend
	username string
	conv     Converse
	env      []string
}

func (t *fileTransaction) Authenticate() types.AuthResult {
	if t.username == "" {
		name, err := t.conv(types.Prompt{Style: types.PromptEcho, Text: "login:"})
		if err != nil {
			return types.AuthCancelled
		}
		t.username = name
	}

	user, known := t.backend.lookup(t.username)
	if known && user.Password == "" {
		t.env = user.Environment
		return types.AuthSuccess
	}

	answer, err := t.conv(types.Prompt{Style: types.PromptSecret, Text: "Password: "})
	if err != nil {
		return types.AuthCancelled
	}
	if !known {
		return types.AuthUserUnknown
	}
	if answer != user.Password {
		return types.AuthFailed
	}
	if user.Expired {
		if result := t.changePassword(); !result.OK() {
			return result
		}
	}
	t.env = user.Environment
	return types.AuthSuccess
}

// changePassword reproduces the expired-credential leg of an account
// check: the login only proceeds once a new password is set.
func (t *fileTransaction) changePassword() types.AuthResult {
	first, err := t.conv(types.Prompt{Style: types.PromptSecret, Text: "New password: "})
	if err != nil {
		return types.AuthCancelled
	}
	second, err := t.conv(types.Prompt{Style: types.PromptSecret, Text: "Retype new password: "})
	if err != nil {
		return types.AuthCancelled
	}
	if first == "" || first != second {
		return types.AuthCredExpired
	}
	t.backend.setPassword(t.username, first)
	return types.AuthSuccess
}

func (t *fileTransaction) Username() string      { return t.username }
func (t *fileTransaction) Environment() []string { return t.env }
func (t *fileTransaction) OpenSession() error    { return nil }
func (t *fileTransaction) CloseSession() error   { return nil }
func (t *fileTransaction) End()                  {}
