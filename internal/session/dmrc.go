package session

import (
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/ini.v1"

	"github.com/lumidm/lumidm/internal/users"
)

// Preferences are a user's saved login defaults from their ~/.dmrc.
type Preferences struct {
	Session  string
	Language string
	Layout   string
}

// LoadPreferences reads the user's ~/.dmrc. Home directories can be
// unreadable to the daemon (NFS with root squashing), so a copy cached
// under cacheDir is used as fallback. Missing everywhere is not an
// error; zero preferences come back.
func LoadPreferences(user *users.User, cacheDir string, logger *slog.Logger) Preferences {
	if logger == nil {
		logger = slog.Default()
	}
	paths := []string{filepath.Join(user.Home, ".dmrc")}
	if cacheDir != "" {
		paths = append(paths, cachePath(cacheDir, user.Name))
	}
	for _, path := range paths {
		f, err := ini.Load(path)
		if err != nil {
			if !os.IsNotExist(underlying(err)) {
				logger.Debug("failed to read dmrc", "path", path, "error", err)
			}
			continue
		}
		desktop := f.Section("Desktop")
		return Preferences{
			Session:  desktop.Key("Session").String(),
			Language: desktop.Key("Language").String(),
			Layout:   desktop.Key("Layout").String(),
		}
	}
	return Preferences{}
}

// SavePreferences writes the user's ~/.dmrc and mirrors it into the
// cache so the next load works even if the home copy is unreachable.
func SavePreferences(user *users.User, cacheDir string, prefs Preferences, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	f := ini.Empty()
	desktop := f.Section("Desktop")
	if prefs.Session != "" {
		desktop.Key("Session").SetValue(prefs.Session)
	}
	if prefs.Language != "" {
		desktop.Key("Language").SetValue(prefs.Language)
	}
	if prefs.Layout != "" {
		desktop.Key("Layout").SetValue(prefs.Layout)
	}

	home := filepath.Join(user.Home, ".dmrc")
	if err := f.SaveTo(home); err != nil {
		logger.Debug("failed to write dmrc", "path", home, "error", err)
	} else if os.Geteuid() == 0 {
		if err := os.Chown(home, user.UID, user.GID); err != nil {
			logger.Debug("failed to set dmrc ownership", "path", home, "error", err)
		}
	}

	if cacheDir == "" {
		return
	}
	cached := cachePath(cacheDir, user.Name)
	if err := os.MkdirAll(filepath.Dir(cached), 0o755); err != nil {
		logger.Debug("failed to create dmrc cache directory", "error", err)
		return
	}
	if err := f.SaveTo(cached); err != nil {
		logger.Debug("failed to write dmrc cache", "path", cached, "error", err)
	}
}

func cachePath(cacheDir, username string) string {
	return filepath.Join(cacheDir, "dmrc", username+".dmrc")
}

// underlying unwraps the fs error ini wraps so IsNotExist works.
func underlying(err error) error {
	type unwrapper interface{ Unwrap() error }
	for {
		u, ok := err.(unwrapper)
		if !ok {
			return err
		}
		next := u.Unwrap()
		if next == nil {
			return err
		}
		err = next
	}
}
