//go:build !linux

package vt

import "log/slog"

// SystemConsole is inert on platforms without kernel VTs.
type SystemConsole struct{}

func NewSystemConsole(logger *slog.Logger) *SystemConsole { return &SystemConsole{} }

func (c *SystemConsole) Active() int              { return -1 }
func (c *SystemConsole) Activate(number int) error { return nil }
func (c *SystemConsole) CanMultiSeat() bool        { return false }
