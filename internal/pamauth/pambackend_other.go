//go:build !linux || !cgo

package pamauth

import "errors"

// PAMBackend is unavailable without cgo and libpam; test mode uses
// FileBackend instead.
type PAMBackend struct{}

func NewPAMBackend() (*PAMBackend, error) {
	return nil, errors.New("PAM support is not compiled in")
}

func (b *PAMBackend) Open(service, username string, conv Converse) (Transaction, error) {
	return nil, errors.New("PAM support is not compiled in")
}
