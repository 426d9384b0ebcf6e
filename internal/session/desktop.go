package session

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/ini.v1"
)

// Desc is a session description loaded from a desktop entry file.
type Desc struct {
	Key  string // file basename without extension, e.g. "xfce"
	Name string
	Exec string
}

// ErrUnknownSession is returned when no directory holds a matching
// desktop entry.
var ErrUnknownSession = fmt.Errorf("unknown session")

// LoadDesc finds <name>.desktop in dirs (first match wins) and reads
// the command to run.
func LoadDesc(dirs []string, name string) (*Desc, error) {
	for _, dir := range dirs {
		path := filepath.Join(dir, name+".desktop")
		if _, err := os.Stat(path); err != nil {
			continue
		}
		f, err := ini.Load(path)
		if err != nil {
			return nil, fmt.Errorf("parsing session file %s: %w", path, err)
		}
		entry := f.Section("Desktop Entry")
		exec := entry.Key("Exec").String()
		if exec == "" {
			return nil, fmt.Errorf("session file %s has no Exec key", path)
		}
		return &Desc{
			Key:  name,
			Name: entry.Key("Name").String(),
			Exec: exec,
		}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownSession, name)
}

// ListDescs returns every session available across dirs, earlier
// directories shadowing later ones.
func ListDescs(dirs []string) []*Desc {
	seen := make(map[string]bool)
	var out []*Desc
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			ext := filepath.Ext(e.Name())
			if ext != ".desktop" {
				continue
			}
			key := e.Name()[:len(e.Name())-len(ext)]
			if seen[key] {
				continue
			}
			d, err := LoadDesc([]string{dir}, key)
			if err != nil {
				continue
			}
			seen[key] = true
			out = append(out, d)
		}
	}
	return out
}
