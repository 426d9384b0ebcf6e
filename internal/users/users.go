// Package users resolves account information for privilege transitions.
//
// Components never call os/user directly; they take a Lookup so tests can
// run against a fixed account table without touching the host's passwd
// database.
package users

import (
	"errors"
	"fmt"
	"os/user"
	"strconv"
)

// ErrNotFound is returned when the named account does not exist.
var ErrNotFound = errors.New("user not found")

// User carries the fields needed to demote a child process and populate
// its session environment.
type User struct {
	Name   string
	UID    int
	GID    int
	Groups []int // supplementary groups, primary excluded
	Home   string
	Shell  string
}

// Lookup resolves account names.
type Lookup interface {
	Lookup(name string) (*User, error)
}

// System resolves against the host account database.
type System struct{}

// NewSystem returns the host-backed lookup.
func NewSystem() *System { return &System{} }

func (s *System) Lookup(name string) (*User, error) {
	u, err := user.Lookup(name)
	if err != nil {
		var unknown user.UnknownUserError
		if errors.As(err, &unknown) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("lookup %s: %w", name, err)
	}

	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return nil, fmt.Errorf("parse uid for %s: %w", name, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return nil, fmt.Errorf("parse gid for %s: %w", name, err)
	}

	out := &User{Name: u.Username, UID: uid, GID: gid, Home: u.HomeDir, Shell: "/bin/sh"}

	// Supplementary groups are best-effort: a missing group database
	// must not block login.
	if ids, err := u.GroupIds(); err == nil {
		for _, id := range ids {
			g, err := strconv.Atoi(id)
			if err != nil || g == gid {
				continue
			}
			out.Groups = append(out.Groups, g)
		}
	}

	return out, nil
}

// Static is a fixed account table for tests and the unprivileged test
// mode.
type Static struct {
	byName map[string]*User
}

// NewStatic builds a lookup over the given accounts.
func NewStatic(accounts ...*User) *Static {
	m := make(map[string]*User, len(accounts))
	for _, a := range accounts {
		m[a.Name] = a
	}
	return &Static{byName: m}
}

func (s *Static) Lookup(name string) (*User, error) {
	u, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	cp := *u
	return &cp, nil
}
