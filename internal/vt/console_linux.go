package vt

import (
	"log/slog"
	"os"

	"golang.org/x/sys/unix"
)

// VT ioctl request numbers from <linux/vt.h>; golang.org/x/sys/unix
// does not export them.
const (
	vtGetState   = 0x5603 // VT_GETSTATE
	vtActivate   = 0x5606 // VT_ACTIVATE
	vtWaitActive = 0x5607 // VT_WAITACTIVE
)

// SystemConsole drives VTs through /dev/console ioctls. All of the
// ioctls require root; when the process is unprivileged the methods
// degrade gracefully so a test-mode daemon stays usable.
type SystemConsole struct {
	logger *slog.Logger
}

// NewSystemConsole returns the real console driver.
func NewSystemConsole(logger *slog.Logger) *SystemConsole {
	if logger == nil {
		logger = slog.Default()
	}
	return &SystemConsole{logger: logger}
}

func (c *SystemConsole) open() (*os.File, error) {
	return os.OpenFile("/dev/console", os.O_RDONLY|unix.O_NOCTTY, 0)
}

// Active returns the visible VT number. Unprivileged processes cannot
// open the console, in which case 1 is reported so callers treat the
// first allocated VT as active.
func (c *SystemConsole) Active() int {
	if os.Geteuid() != 0 {
		return 1
	}
	f, err := c.open()
	if err != nil {
		c.logger.Warn("error opening console", "error", err)
		return -1
	}
	defer f.Close()
	state, err := unix.IoctlGetInt(int(f.Fd()), vtGetState)
	if err != nil {
		c.logger.Warn("error getting VT state", "error", err)
		return -1
	}
	// v_active is the low 16 bits of the vt_stat struct.
	return state & 0xffff
}

// Activate switches to the VT and blocks until the switch completes.
func (c *SystemConsole) Activate(number int) error {
	if os.Geteuid() != 0 {
		return nil
	}
	f, err := c.open()
	if err != nil {
		return err
	}
	defer f.Close()
	if err := unix.IoctlSetInt(int(f.Fd()), vtActivate, number); err != nil {
		return err
	}
	if err := unix.IoctlSetInt(int(f.Fd()), vtWaitActive, number); err != nil {
		c.logger.Warn("error waiting for VT switch", "vt", number, "error", err)
	}
	return nil
}

// CanMultiSeat reports whether the kernel exposes a VT subsystem.
func (c *SystemConsole) CanMultiSeat() bool {
	if _, err := os.Stat("/dev/tty0"); err != nil {
		return false
	}
	_, err := os.Stat("/sys/class/tty/tty0/active")
	return err == nil
}
