// Package tracking records which login sessions exist, so seat
// switching and locking can find them after the processes that created
// them are gone.
package tracking

import (
	"time"

	"github.com/google/uuid"
)

// Entry is one tracked login session.
type Entry struct {
	Cookie      string
	Username    string
	SeatName    string
	DisplayName string
	VT          int
	Greeter     bool
	StartedAt   time.Time
}

// Registry is the session bookkeeping surface.
type Registry interface {
	// OpenSession records a new session under its cookie.
	OpenSession(e Entry) error
	// CloseSession marks the session ended. Closing an unknown cookie
	// is not an error.
	CloseSession(cookie string) error
	// Sessions lists the currently open sessions, oldest first.
	Sessions() ([]Entry, error)
	// SeatSessions lists open sessions on one seat, oldest first.
	SeatSessions(seatName string) ([]Entry, error)
	Close() error
}

// NewCookie mints a session cookie.
func NewCookie() string {
	return uuid.NewString()
}

// Discard returns a registry that records nothing, used when no durable
// store can be opened.
func Discard() Registry { return discard{} }

type discard struct{}

func (discard) OpenSession(Entry) error              { return nil }
func (discard) CloseSession(string) error            { return nil }
func (discard) Sessions() ([]Entry, error)           { return nil, nil }
func (discard) SeatSessions(string) ([]Entry, error) { return nil, nil }
func (discard) Close() error                         { return nil }
