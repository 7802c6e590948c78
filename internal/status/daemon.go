package status

import "github.com/matheus3301/chatvault/internal/bus"

// Daemon runtime states.
const (
	Booting      State = "BOOTING"
	AuthRequired State = "AUTH_REQUIRED"
	Connecting   State = "CONNECTING"
	Ready        State = "READY"
	Syncing      State = "SYNCING"
	RateLimited  State = "RATE_LIMITED"
	Error        State = "ERROR"
)

// DaemonTransitions defines allowed daemon state transitions.
var DaemonTransitions = Transitions{
	Booting:      {AuthRequired, Connecting, Error},
	AuthRequired: {Connecting, Error},
	Connecting:   {Ready, AuthRequired, Error},
	Ready:        {Syncing, Connecting, AuthRequired, Error},
	Syncing:      {Ready, RateLimited, AuthRequired, Error},
	RateLimited:  {Ready, Syncing, Error},
	Error:        {Booting, Connecting},
}

// NewDaemonMachine creates the daemon state machine starting in Booting.
func NewDaemonMachine(b *bus.Bus) *Machine {
	return New("daemon", Booting, DaemonTransitions, b, bus.KindStatusChanged)
}
