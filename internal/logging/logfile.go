package logging

import (
	"os"
)

// Mode selects what happens to an existing log file on open.
type Mode int

const (
	// ModeAppend keeps appending to an existing file.
	ModeAppend Mode = iota
	// ModeBackupAndTruncate renames the existing file to <name>.old and
	// starts fresh.
	ModeBackupAndTruncate
)

// OpenLogFile opens a child-process log destination. With
// ModeBackupAndTruncate the previous file is moved out of the way first;
// a failed rename is ignored, the truncate still happens.
func OpenLogFile(path string, mode Mode, perm os.FileMode) (*os.File, error) {
	flags := os.O_WRONLY | os.O_CREATE
	switch mode {
	case ModeBackupAndTruncate:
		_ = os.Rename(path, path+".old")
		flags |= os.O_TRUNC
	default:
		flags |= os.O_APPEND
	}
	return os.OpenFile(path, flags, perm)
}
