package config

// SeatProperties resolves configuration for one seat: keys in the seat's
// own [Seat:<name>] section shadow [SeatDefaults].
type SeatProperties struct {
	cfg  *Config
	name string
}

// Seat returns the property view for the named seat.
func (c *Config) Seat(name string) *SeatProperties {
	return &SeatProperties{cfg: c, name: name}
}

// Name returns the seat name this view resolves for.
func (p *SeatProperties) Name() string { return p.name }

func (p *SeatProperties) section() string { return SeatSectionPrefix + p.name }

// HasKey reports whether either the seat section or the defaults carry
// the key.
func (p *SeatProperties) HasKey(key string) bool {
	return p.cfg.HasKey(p.section(), key) || p.cfg.HasKey(SectionSeatDefaults, key)
}

// GetString resolves the key, seat section first.
func (p *SeatProperties) GetString(key string) string {
	if p.cfg.HasKey(p.section(), key) {
		return p.cfg.GetString(p.section(), key)
	}
	return p.cfg.GetString(SectionSeatDefaults, key)
}

// GetInteger resolves the key, seat section first.
func (p *SeatProperties) GetInteger(key string) int {
	if p.cfg.HasKey(p.section(), key) {
		return p.cfg.GetInteger(p.section(), key)
	}
	return p.cfg.GetInteger(SectionSeatDefaults, key)
}

// GetBoolean resolves the key, seat section first.
func (p *SeatProperties) GetBoolean(key string) bool {
	if p.cfg.HasKey(p.section(), key) {
		return p.cfg.GetBoolean(p.section(), key)
	}
	return p.cfg.GetBoolean(SectionSeatDefaults, key)
}
