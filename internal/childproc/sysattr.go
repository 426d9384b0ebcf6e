package childproc

import (
	"os"
	"syscall"

	"github.com/lumidm/lumidm/internal/users"
)

// sysProcAttr builds the spawn attributes. When a target user is given,
// the kernel applies the credential change before exec: supplementary
// groups, then gid, then uid. Exec is aborted if any step fails, so a
// child can never run with the daemon's uid by accident.
//
// Unprivileged daemons (test mode) may not call setgroups; spawning is
// then restricted to the invoking user anyway, so the call is skipped.
func sysProcAttr(u *users.User) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{Setsid: true}
	if u != nil {
		groups := make([]uint32, 0, len(u.Groups))
		for _, g := range u.Groups {
			groups = append(groups, uint32(g))
		}
		attr.Credential = &syscall.Credential{
			Uid:         uint32(u.UID),
			Gid:         uint32(u.GID),
			Groups:      groups,
			NoSetGroups: os.Geteuid() != 0,
		}
	}
	return attr
}
