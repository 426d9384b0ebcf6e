package xauth

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"

	"github.com/lumidm/lumidm/pkg/types"
)

// Write merges the record into the authority file at path.
//
// Replace and Remove read the existing file first (a missing or
// unparsable file counts as empty, never fatal), scan for the record
// matching this (family, address, number) and replace or delete it in
// place; records keep their original relative order and a Replace with
// no match appends. Set skips the scan and writes only this record.
//
// The destination is truncated before the rewritten contents land; a
// write failure after that point is reported to the caller.
func (r *Record) Write(mode types.XAuthWriteMode, path string, logger *slog.Logger) error {
	var records []*Record
	if mode != types.XAuthSet {
		existing, err := ParseFile(path)
		if err != nil && logger != nil {
			logger.Warn("error reading existing xauthority", "path", path, "error", err)
		}
		records = existing
	}

	matched := false
	out := records[:0]
	for _, rec := range records {
		if !matched && r.matches(rec) {
			matched = true
			if mode == types.XAuthRemove {
				continue
			}
			rec = r
		}
		out = append(out, rec)
	}
	if !matched && mode != types.XAuthRemove {
		out = append(out, r)
	}

	var buf bytes.Buffer
	for _, rec := range out {
		rec.encode(&buf)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open xauthority %s: %w", path, err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("write xauthority %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync xauthority %s: %w", path, err)
	}
	return f.Close()
}
