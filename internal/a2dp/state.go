package a2dp

// State is a state of the connection machine.
type State int

const (
	StateIdle State = iota
	StateOpening
	StateOpened
	StateStarted
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpening:
		return "opening"
	case StateOpened:
		return "opened"
	case StateStarted:
		return "started"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Flags resolve races between local and remote stream actions.
type Flags struct {
	// LocalSuspendPending is set while a locally requested suspend awaits its
	// result. It is cleared once any suspend result is processed.
	LocalSuspendPending bool
	// RemoteSuspend is set when the peer suspended the stream on its own.
	RemoteSuspend bool
	// PendingStart is set while a local start awaits its result.
	PendingStart bool
	// PendingStop is set once a stop or close of a running stream is under way.
	PendingStop bool
}

// Reset clears every flag.
func (f *Flags) Reset() { *f = Flags{} }

// Any reports whether some flag is set.
func (f Flags) Any() bool { return f != Flags{} }

// ControlBlock is the per-device connection state.
type ControlBlock struct {
	Peer          Address
	Service       Role
	SessionHandle SessionHandle
	Flags         Flags
	EDR           EDR
	PeerRole      Role
}

// resetIdle returns the block to the shape it has with no association. The
// session handle survives: it belongs to the registration, not the peer.
func (cb *ControlBlock) resetIdle() {
	cb.Peer = Address{}
	cb.Flags.Reset()
	cb.EDR = EDRNone
	cb.PeerRole = RoleUnknown
}

// Status is a point-in-time view of the machine, safe to read from any goroutine.
type Status struct {
	State       State
	Peer        Address
	PeerRole    Role
	EDR         EDR
	Flags       Flags
	Association string
}

// Connected reports whether the signaling channel is up.
func (s Status) Connected() bool {
	return s.State == StateOpened || s.State == StateStarted
}

// StreamReady reports whether a start request would be accepted right now.
func (s Status) StreamReady() bool {
	return s.State == StateOpened && !s.Flags.PendingStart && !s.Flags.PendingStop
}

// StreamStartedReady reports whether the stream is running with no stop or
// suspend in flight.
func (s Status) StreamStartedReady() bool {
	return s.State == StateStarted &&
		!s.Flags.LocalSuspendPending && !s.Flags.RemoteSuspend && !s.Flags.PendingStop
}
