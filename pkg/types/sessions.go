package types

// SessionType identifies what kind of session a display is currently
// running, if any.
type SessionType string

const (
	SessionTypeNone                 = SessionType("none")
	SessionTypeGreeterPreConnect    = SessionType("greeter-pre-connect") // Greeter process started, protocol not yet connected
	SessionTypeGreeter              = SessionType("greeter")             // Greeter connected, collecting credentials
	SessionTypeGreeterAuthenticated = SessionType("greeter-authenticated")
	SessionTypeUser                 = SessionType("user")
)

// IsGreeter returns true for any greeter-phase session type.
func (t SessionType) IsGreeter() bool {
	switch t {
	case SessionTypeGreeterPreConnect, SessionTypeGreeter, SessionTypeGreeterAuthenticated:
		return true
	default:
		return false
	}
}

// DisplayServerState tracks a supervised display server process.
// STARTING -> STOPPED without passing through READY means the server
// failed to start; READY -> STOPPED means it ran and then exited.
type DisplayServerState string

const (
	DisplayServerNotStarted DisplayServerState = "not-started"
	DisplayServerStarting   DisplayServerState = "starting"
	DisplayServerReady      DisplayServerState = "ready"
	DisplayServerStopping   DisplayServerState = "stopping"
	DisplayServerStopped    DisplayServerState = "stopped"
)

// DisplayState is the Display lifecycle state machine.
type DisplayState string

const (
	DisplayIdle             DisplayState = "idle"
	DisplayServerStartState DisplayState = "server-starting"
	DisplayServerReadyState DisplayState = "server-ready"
	DisplayGreeterStarting  DisplayState = "greeter-starting"
	DisplayUserStarting     DisplayState = "user-starting"
	DisplayUserRunning      DisplayState = "user-running"
	DisplayStoppingState    DisplayState = "stopping"
	DisplayStoppedState     DisplayState = "stopped"
)

// SeatState mirrors the seat lifecycle invariant: a seat never admits a
// new display while stopping.
type SeatState string

const (
	SeatStarting SeatState = "starting"
	SeatRunning  SeatState = "running"
	SeatStopping SeatState = "stopping"
	SeatStopped  SeatState = "stopped"
)
