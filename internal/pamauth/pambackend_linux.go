//go:build linux && cgo

package pamauth

import (
	"errors"
	"fmt"

	"github.com/msteinert/pam/v2"

	"github.com/lumidm/lumidm/pkg/types"
)

// PAMBackend authenticates against the system PAM stack.
type PAMBackend struct{}

// NewPAMBackend returns the system backend.
func NewPAMBackend() (*PAMBackend, error) {
	return &PAMBackend{}, nil
}

// Open starts a PAM transaction for the service. The conversation
// function is driven from whichever goroutine later calls
// Authenticate.
func (b *PAMBackend) Open(service, username string, conv Converse) (Transaction, error) {
	tx, err := pam.StartFunc(service, username, func(style pam.Style, text string) (string, error) {
		return conv(types.Prompt{Style: promptStyle(style), Text: text})
	})
	if err != nil {
		return nil, fmt.Errorf("starting PAM transaction for %s: %w", service, err)
	}
	return &pamTransaction{tx: tx, username: username}, nil
}

func promptStyle(style pam.Style) types.PromptStyle {
	switch style {
	case pam.PromptEchoOff:
		return types.PromptSecret
	case pam.PromptEchoOn:
		return types.PromptEcho
	case pam.ErrorMsg:
		return types.PromptError
	default:
		return types.PromptInfo
	}
}

type pamTransaction struct {
	tx       *pam.Transaction
	username string
}

func (t *pamTransaction) Authenticate() types.AuthResult {
	if err := t.tx.Authenticate(0); err != nil {
		return authResult(err)
	}
	if err := t.tx.AcctMgmt(0); err != nil {
		if !errors.Is(err, pam.ErrNewAuthtokReqd) {
			return authResult(err)
		}
		// The account is valid but its password has expired; drive the
		// change through the same conversation before letting the
		// login proceed.
		if err := t.tx.ChangeAuthTok(pam.ChangeExpiredAuthtok); err != nil {
			return authResult(err)
		}
	}
	if name, err := t.tx.GetItem(pam.User); err == nil && name != "" {
		t.username = name
	}
	return types.AuthSuccess
}

func authResult(err error) types.AuthResult {
	var pamErr pam.Error
	if !errors.As(err, &pamErr) {
		return types.AuthSystemError
	}
	switch pamErr {
	case pam.ErrUserUnknown:
		return types.AuthUserUnknown
	case pam.ErrMaxtries:
		return types.AuthMaxTries
	case pam.ErrNewAuthtokReqd, pam.ErrAuthtokExpired:
		return types.AuthCredExpired
	case pam.ErrPermDenied:
		return types.AuthPermissionDenied
	case pam.ErrAbort, pam.ErrConv:
		return types.AuthCancelled
	default:
		return types.AuthFailed
	}
}

func (t *pamTransaction) Username() string { return t.username }

func (t *pamTransaction) Environment() []string {
	env, err := t.tx.GetEnvList()
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func (t *pamTransaction) OpenSession() error {
	if err := t.tx.SetCred(pam.EstablishCred); err != nil {
		return fmt.Errorf("establishing credentials: %w", err)
	}
	if err := t.tx.OpenSession(0); err != nil {
		return fmt.Errorf("opening PAM session: %w", err)
	}
	return nil
}

func (t *pamTransaction) CloseSession() error {
	if err := t.tx.CloseSession(0); err != nil {
		return fmt.Errorf("closing PAM session: %w", err)
	}
	return t.tx.SetCred(pam.DeleteCred)
}

func (t *pamTransaction) End() {
	_ = t.tx.End()
}
