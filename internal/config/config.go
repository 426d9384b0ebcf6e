// Package config loads the daemon's hierarchical key-file configuration.
//
// Configuration is assembled from an ordered list of key files; later
// files override earlier ones key-by-key. Sections are [Lumidm],
// [SeatDefaults], [Seat:<name>], [XDMCPServer] and [VNCServer]. Unknown
// and deprecated keys produce warnings, never errors. The rest of the
// daemon consumes the result exclusively through the typed accessors.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
)

// Section names used throughout the daemon.
const (
	SectionDaemon       = "Lumidm"
	SectionSeatDefaults = "SeatDefaults"
	SeatSectionPrefix   = "Seat:"
	SectionXDMCP        = "XDMCPServer"
	SectionVNC          = "VNCServer"
)

// deprecatedKeys maps old key names to their replacement, reported as a
// warning on load.
var deprecatedKeys = map[string]string{
	"greeter-theme":    "greeter-session",
	"default-xserver":  "xserver-command",
	"display-template": "",
}

// knownSections lists the section names that do not trigger an
// unknown-section warning. Seat sections are matched by prefix.
var knownSections = map[string]bool{
	SectionDaemon:       true,
	SectionSeatDefaults: true,
	SectionXDMCP:        true,
	SectionVNC:          true,
}

// Config is an immutable view over the merged key files.
type Config struct {
	file *ini.File
}

// New returns an empty configuration, useful for tests and defaulted
// startup paths.
func New() *Config {
	return &Config{file: ini.Empty()}
}

// Load reads the given files in order, merging each over the previous
// contents. Missing files are skipped silently; parse failures abort.
func Load(paths []string, logger *slog.Logger) (*Config, error) {
	f := ini.Empty(ini.LoadOptions{
		// Keep keys without values ("key=") rather than erroring.
		AllowBooleanKeys: true,
	})
	loaded := 0
	for _, path := range paths {
		if err := f.Append(path); err != nil {
			if isNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
		loaded++
	}
	cfg := &Config{file: f}
	cfg.warnAboutKeys(logger)
	if logger != nil && loaded == 0 {
		logger.Warn("no configuration files found, using defaults")
	}
	return cfg, nil
}

func isNotExist(err error) bool {
	// ini wraps the underlying open error text; the loader treats any
	// unreadable file as absent since config fragments are optional.
	return strings.Contains(err.Error(), "no such file") ||
		strings.Contains(err.Error(), "cannot find")
}

func (c *Config) warnAboutKeys(logger *slog.Logger) {
	if logger == nil {
		return
	}
	for _, section := range c.file.Sections() {
		name := section.Name()
		if name == ini.DefaultSection {
			continue
		}
		if !knownSections[name] && !strings.HasPrefix(name, SeatSectionPrefix) {
			logger.Warn("unknown config section", "section", name)
			continue
		}
		for _, key := range section.Keys() {
			if replacement, ok := deprecatedKeys[key.Name()]; ok {
				if replacement != "" {
					logger.Warn("deprecated config key", "section", name, "key", key.Name(), "use", replacement)
				} else {
					logger.Warn("deprecated config key", "section", name, "key", key.Name())
				}
			}
		}
	}
}

// Set overrides a single value. Used by tests and by command-line
// switches that shadow config keys.
func (c *Config) Set(section, key, value string) {
	c.file.Section(section).Key(key).SetValue(value)
}

// HasKey reports whether the key is present in the section.
func (c *Config) HasKey(section, key string) bool {
	s, err := c.file.GetSection(section)
	if err != nil {
		return false
	}
	return s.HasKey(key)
}

// GetString returns the value or "" when absent.
func (c *Config) GetString(section, key string) string {
	if !c.HasKey(section, key) {
		return ""
	}
	return c.file.Section(section).Key(key).String()
}

// GetInteger returns the value or 0 when absent or malformed.
func (c *Config) GetInteger(section, key string) int {
	v, err := strconv.Atoi(strings.TrimSpace(c.GetString(section, key)))
	if err != nil {
		return 0
	}
	return v
}

// GetBoolean returns the value, treating absent or malformed as false.
func (c *Config) GetBoolean(section, key string) bool {
	switch strings.ToLower(strings.TrimSpace(c.GetString(section, key))) {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}

// GetStringList splits a whitespace- or semicolon-separated value.
func (c *Config) GetStringList(section, key string) []string {
	raw := c.GetString(section, key)
	if raw == "" {
		return nil
	}
	sep := " "
	if strings.Contains(raw, ";") {
		sep = ";"
	}
	var out []string
	for _, item := range strings.Split(raw, sep) {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Dump writes the merged configuration back out in key-file form.
func (c *Config) Dump(w io.Writer) {
	for _, section := range c.file.Sections() {
		keys := section.Keys()
		if len(keys) == 0 {
			continue
		}
		if section.Name() != ini.DefaultSection {
			fmt.Fprintf(w, "[%s]\n", section.Name())
		}
		for _, k := range keys {
			fmt.Fprintf(w, "%s=%s\n", k.Name(), k.Value())
		}
		fmt.Fprintln(w)
	}
}

// SeatSections returns the configured seat names, in file order.
func (c *Config) SeatSections() []string {
	var names []string
	for _, section := range c.file.Sections() {
		if strings.HasPrefix(section.Name(), SeatSectionPrefix) {
			names = append(names, strings.TrimPrefix(section.Name(), SeatSectionPrefix))
		}
	}
	return names
}
