// Package xauth generates and persists X display authentication cookies
// in the .Xauthority binary format.
//
// The on-disk format is fixed by the X ecosystem and must be reproduced
// byte-for-byte: each record is family (uint16), address (uint16 length
// + bytes), display number (uint16 length + string), authorization
// scheme name (uint16 length + string) and authorization data (uint16
// length + bytes), all lengths big-endian.
package xauth

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"os"

	"github.com/lumidm/lumidm/pkg/types"
)

// CookieScheme is the only authorization scheme the daemon issues.
const CookieScheme = "MIT-MAGIC-COOKIE-1"

// Record is one X authority entry.
type Record struct {
	Family  types.XAuthFamily
	Address []byte
	Number  string
	Name    string
	Data    []byte
}

// New builds a record with explicit fields.
func New(family types.XAuthFamily, address []byte, number, name string, data []byte) *Record {
	return &Record{
		Family:  family,
		Address: append([]byte(nil), address...),
		Number:  number,
		Name:    name,
		Data:    append([]byte(nil), data...),
	}
}

// NewCookie builds a record carrying a fresh 16-byte MIT-MAGIC-COOKIE-1.
func NewCookie(family types.XAuthFamily, address []byte, number string) (*Record, error) {
	cookie := make([]byte, 16)
	if _, err := rand.Read(cookie); err != nil {
		return nil, fmt.Errorf("generate cookie: %w", err)
	}
	return New(family, address, number, CookieScheme, cookie), nil
}

// NewLocalCookie builds a cookie record for a local display, addressed
// by hostname as the X server expects.
func NewLocalCookie(number string) (*Record, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("get hostname: %w", err)
	}
	return NewCookie(types.XAuthFamilyLocal, []byte(hostname), number)
}

// matches reports whether the (family, address, number) key of both
// records is identical.
func (r *Record) matches(other *Record) bool {
	return r.Family == other.Family &&
		bytes.Equal(r.Address, other.Address) &&
		r.Number == other.Number
}

func (r *Record) encode(buf *bytes.Buffer) {
	writeUint16(buf, uint16(r.Family))
	writeBlob(buf, r.Address)
	writeBlob(buf, []byte(r.Number))
	writeBlob(buf, []byte(r.Name))
	writeBlob(buf, r.Data)
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	buf.WriteByte(byte(v >> 8))
	buf.WriteByte(byte(v))
}

func writeBlob(buf *bytes.Buffer, b []byte) {
	writeUint16(buf, uint16(len(b)))
	buf.Write(b)
}

type reader struct {
	data []byte
	off  int
}

var errShortRecord = errors.New("truncated xauthority record")

func (rd *reader) uint16() (uint16, error) {
	if len(rd.data)-rd.off < 2 {
		return 0, errShortRecord
	}
	v := uint16(rd.data[rd.off])<<8 | uint16(rd.data[rd.off+1])
	rd.off += 2
	return v, nil
}

func (rd *reader) blob() ([]byte, error) {
	n, err := rd.uint16()
	if err != nil {
		return nil, err
	}
	if len(rd.data)-rd.off < int(n) {
		return nil, errShortRecord
	}
	b := make([]byte, n)
	copy(b, rd.data[rd.off:rd.off+int(n)])
	rd.off += int(n)
	return b, nil
}

func (rd *reader) record() (*Record, error) {
	family, err := rd.uint16()
	if err != nil {
		return nil, err
	}
	address, err := rd.blob()
	if err != nil {
		return nil, err
	}
	number, err := rd.blob()
	if err != nil {
		return nil, err
	}
	name, err := rd.blob()
	if err != nil {
		return nil, err
	}
	data, err := rd.blob()
	if err != nil {
		return nil, err
	}
	return &Record{
		Family:  types.XAuthFamily(family),
		Address: address,
		Number:  string(number),
		Name:    string(name),
		Data:    data,
	}, nil
}

// ParseFile reads every well-formed record from an authority file. A
// trailing malformed record is dropped, not fatal; a missing file reads
// as empty.
func ParseFile(path string) ([]*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	rd := &reader{data: data}
	var records []*Record
	for rd.off < len(rd.data) {
		rec, err := rd.record()
		if err != nil {
			break
		}
		records = append(records, rec)
	}
	return records, nil
}
