package seat

import (
	"fmt"

	"github.com/lumidm/lumidm/internal/display"
	"github.com/lumidm/lumidm/internal/displayserver"
)

// Driver builds the display servers for one seat type. The type=
// property of a seat section names the driver.
type Driver interface {
	Name() string
	// CanSwitch reports whether this backend can present more than one
	// session per seat.
	CanSwitch() bool
	// UsesVT reports whether displays of this type occupy virtual
	// terminals.
	UsesVT() bool
	// Factory returns the server constructor for one display of this
	// seat, with the terminal already allocated.
	Factory(s *Seat, vtNumber int) display.ServerFactory
}

// DriverRegistry maps seat type names to drivers.
type DriverRegistry struct {
	byName map[string]Driver
}

// NewDriverRegistry returns an empty registry.
func NewDriverRegistry() *DriverRegistry {
	return &DriverRegistry{byName: make(map[string]Driver)}
}

// DefaultDrivers returns a registry with the built-in seat types.
func DefaultDrivers() *DriverRegistry {
	r := NewDriverRegistry()
	r.Register(localXDriver{})
	r.Register(remoteXDriver{})
	return r
}

// Register adds or replaces a driver under its name.
func (r *DriverRegistry) Register(d Driver) {
	r.byName[d.Name()] = d
}

// Get resolves a seat type name.
func (r *DriverRegistry) Get(name string) (Driver, error) {
	d, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("unknown seat type %q", name)
	}
	return d, nil
}

// localXDriver runs a locally spawned X server per display.
type localXDriver struct{}

func (localXDriver) Name() string    { return "xlocal" }
func (localXDriver) CanSwitch() bool { return true }
func (localXDriver) UsesVT() bool    { return true }

func (localXDriver) Factory(s *Seat, vtNumber int) display.ServerFactory {
	props, deps := s.props, s.deps
	logFile := ""
	if deps.LogDir != "" {
		logFile = deps.LogDir + "/x-" + s.Name() + ".log"
	}
	return func(events displayserver.Events) displayserver.DisplayServer {
		cfg := displayserver.LocalXConfig{
			Command:     stringOr(props, "xserver-command", "X"),
			ConfigFile:  props.GetString("xserver-config"),
			Layout:      props.GetString("xserver-layout"),
			SeatName:    s.Name(),
			AllowTCP:    props.GetBoolean("xserver-allow-tcp"),
			XDMCPServer: props.GetString("xdmcp-manager"),
			XDMCPPort:   props.GetInteger("xdmcp-port"),
			XDMCPKey:    props.GetString("xdmcp-key"),
			VT:          vtNumber,
			RunDir:      deps.RunDir,
			LogFile:     logFile,
			LogMode:     deps.LogMode,
		}
		return displayserver.NewLocalX(deps.Monitor, deps.Numbers, cfg, events, s.logger)
	}
}

// remoteXDriver attaches to an X server that is already running
// somewhere else; the seat only probes it and runs sessions against it.
type remoteXDriver struct{}

func (remoteXDriver) Name() string    { return "xremote" }
func (remoteXDriver) CanSwitch() bool { return false }
func (remoteXDriver) UsesVT() bool    { return false }

func (remoteXDriver) Factory(s *Seat, vtNumber int) display.ServerFactory {
	props, deps := s.props, s.deps
	return func(events displayserver.Events) displayserver.DisplayServer {
		return displayserver.NewRemoteX(deps.Monitor,
			props.GetString("xserver-hostname"),
			props.GetInteger("xserver-display-number"),
			events, s.logger)
	}
}
