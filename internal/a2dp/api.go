// Package a2dp implements the connection and stream lifecycle of an A2DP-style
// audio distribution profile for a single peer.
//
// All mutation of the connection control block happens inside Machine.Handle,
// which is only ever called from the dispatcher goroutine. Producers on other
// goroutines (transport callbacks, the remote-control channel, the application)
// hand events to the dispatcher through Service.Post or the request methods.
//
// Collaborators (transport, media pipeline, remote-control forwarder, connect
// queue) are injected through Deps; the package never reaches for globals.
package a2dp

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNotStarted is returned by requests issued before Start or after Shutdown.
	ErrNotStarted = errors.New("a2dp: service not started")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("a2dp: service already started")
	// ErrClosed is returned by Post once the dispatcher has stopped.
	ErrClosed = errors.New("a2dp: dispatcher closed")
)

// DefaultReconnectDelay is the grace period between an RC channel opening
// without audio and the proactive audio connect.
const DefaultReconnectDelay = 2 * time.Second

// Address is a Bluetooth device address, most significant byte first.
type Address [6]byte

// ParseAddress parses "AA:BB:CC:DD:EE:FF" (':' or '_' separated).
func ParseAddress(s string) (Address, error) {
	var a Address
	s = strings.ReplaceAll(s, "_", ":")
	parts := strings.Split(s, ":")
	if len(parts) != len(a) {
		return Address{}, fmt.Errorf("a2dp: invalid address %q", s)
	}
	for i, p := range parts {
		if len(p) != 2 {
			return Address{}, fmt.Errorf("a2dp: invalid address %q", s)
		}
		b, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return Address{}, fmt.Errorf("a2dp: invalid address %q: %w", s, err)
		}
		a[i] = byte(b)
	}
	return a, nil
}

// String returns the colon separated upper-case form.
func (a Address) String() string {
	const hex = "0123456789ABCDEF"
	buf := make([]byte, 0, 17)
	for i, b := range a {
		if i > 0 {
			buf = append(buf, ':')
		}
		buf = append(buf, hex[b>>4], hex[b&0x0f])
	}
	return string(buf)
}

// LogValue implements slog.LogValuer.
func (a Address) LogValue() slog.Value { return slog.StringValue(a.String()) }

// IsZero reports whether no peer is set.
func (a Address) IsZero() bool { return a == Address{} }

// Role is the stream-endpoint role of a device: source or sink of audio.
type Role int

const (
	RoleUnknown Role = iota
	RoleSource
	RoleSink
)

func (r Role) String() string {
	switch r {
	case RoleSource:
		return "source"
	case RoleSink:
		return "sink"
	default:
		return "unknown"
	}
}

// EDR is the peer's enhanced data rate capability.
type EDR uint8

const (
	EDRNone EDR = 0
	EDR2M   EDR = 1 << 0
	EDR3M   EDR = 1 << 1
)

// Supported reports whether any EDR rate is available.
func (e EDR) Supported() bool { return e != EDRNone }

// SessionHandle identifies the registered signaling session.
type SessionHandle uint32

// Result is the status carried by transport indications.
type Result int

const (
	ResultSuccess Result = iota
	ResultFailure
)

func (r Result) String() string {
	if r == ResultSuccess {
		return "success"
	}
	return "failure"
}

// DisconnectReason explains a Disconnected connection state.
type DisconnectReason int

const (
	ReasonNone DisconnectReason = iota
	ReasonLocalHost
	ReasonRemoteUser
	ReasonLinkLoss
	ReasonOpenFailed
	ReasonRejected
	ReasonCollision
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonLocalHost:
		return "local_host"
	case ReasonRemoteUser:
		return "remote_user"
	case ReasonLinkLoss:
		return "link_loss"
	case ReasonOpenFailed:
		return "open_failed"
	case ReasonRejected:
		return "rejected"
	case ReasonCollision:
		return "collision"
	default:
		return "none"
	}
}

// ConnectionState is reported to the application on signaling channel changes.
type ConnectionState int

const (
	ConnectionDisconnected ConnectionState = iota
	ConnectionConnecting
	ConnectionConnected
	ConnectionDisconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionConnecting:
		return "connecting"
	case ConnectionConnected:
		return "connected"
	case ConnectionDisconnecting:
		return "disconnecting"
	default:
		return "disconnected"
	}
}

// AudioState is reported to the application on streaming changes.
type AudioState int

const (
	AudioStopped AudioState = iota
	AudioRemoteSuspend
	AudioStarted
)

func (s AudioState) String() string {
	switch s {
	case AudioRemoteSuspend:
		return "remote_suspend"
	case AudioStarted:
		return "started"
	default:
		return "stopped"
	}
}

// ConnectRequest asks for an outbound connection. Service is the role the
// local device intends to serve on the new association.
type ConnectRequest struct {
	Peer    Address
	Service Role
}

// Notification is one of ConnectionStateEvent, AudioStateEvent or AudioConfigEvent.
type Notification interface {
	notification()
}

// ConnectionStateEvent reports a signaling channel state change.
type ConnectionStateEvent struct {
	State       ConnectionState
	Peer        Address
	Reason      DisconnectReason
	Association string
}

// AudioStateEvent reports a streaming state change.
type AudioStateEvent struct {
	State       AudioState
	Peer        Address
	Association string
}

// AudioConfigEvent carries the codec configuration applied by a source peer.
type AudioConfigEvent struct {
	Peer        Address
	Codec       uint8
	Config      []byte
	Association string
}

func (ConnectionStateEvent) notification() {}
func (AudioStateEvent) notification()      {}
func (AudioConfigEvent) notification()     {}

// Callback receives application notifications on the dispatcher goroutine.
// It must not block.
type Callback func(Notification)

// Transport is the signaling/session layer. Calls return immediately; their
// outcome comes back later as indication events.
type Transport interface {
	Open(peer Address, service Role)
	Close(peer Address)
	Start()
	Stop(suspend bool)
	OpenRC()
	CloseRC()
}

// MediaPipeline receives lifecycle hints for the codec/media path.
type MediaPipeline interface {
	Idle()
	Stopped()
	Suspended()
	SetRxFlush(enable bool)
	SetPeerEndpointType(role Role)
	AdjustPriority(elevated bool)
}

// RemoteControl is the sibling remote-control channel. The machine forwards
// RC events to it verbatim and asks it for the RC-connected peer when the
// reconnect timer fires.
type RemoteControl interface {
	Handle(ev RCEvent)
	ConnectedPeer() (Address, bool)
}

// ConnectQueue serializes outbound connection attempts across profiles.
type ConnectQueue interface {
	Enqueue(req ConnectRequest)
	Advance()
}

// Observer is notified of machine activity. Implementations must not block.
type Observer interface {
	Transition(from, to State)
	Unhandled(state State, kind EventKind)
	Notified(n Notification)
}
