package a2dp

import (
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Deps wires a Machine to its collaborators. Transport and Queue are required;
// the rest default to no-ops.
type Deps struct {
	Transport     Transport
	Media         MediaPipeline
	RemoteControl RemoteControl
	Queue         ConnectQueue
	Callback      Callback
	Observer      Observer

	// Scheduler arms the reconnect timer. Defaults to time.AfterFunc.
	Scheduler Scheduler
	// ReconnectDelay defaults to DefaultReconnectDelay.
	ReconnectDelay time.Duration

	Logger *slog.Logger
}

// Machine is the per-peer connection state machine. It is not safe for
// concurrent use: Handle must only be called from one goroutine at a time.
type Machine struct {
	state       State
	cb          ControlBlock
	association string

	transport Transport
	media     MediaPipeline
	rc        RemoteControl
	queue     ConnectQueue
	callback  Callback
	observer  Observer
	reconnect *reconnectTimer
	logger    *slog.Logger
}

// NewMachine creates a machine in the idle state. post is how the reconnect
// timer hands its expiry back to the dispatcher.
func NewMachine(deps Deps, post func(Event) error) (*Machine, error) {
	if deps.Transport == nil {
		return nil, errors.New("a2dp: transport required")
	}
	if deps.Queue == nil {
		return nil, errors.New("a2dp: connect queue required")
	}
	if post == nil {
		return nil, errors.New("a2dp: post function required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	media := deps.Media
	if media == nil {
		media = nopMedia{}
	}
	rc := deps.RemoteControl
	if rc == nil {
		rc = nopRC{}
	}
	callback := deps.Callback
	if callback == nil {
		callback = func(Notification) {}
	}
	observer := deps.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	sched := deps.Scheduler
	if sched == nil {
		sched = SystemScheduler{}
	}
	delay := deps.ReconnectDelay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}

	m := &Machine{
		state:     StateIdle,
		transport: deps.Transport,
		media:     media,
		rc:        rc,
		queue:     deps.Queue,
		callback:  callback,
		observer:  observer,
		logger:    logger,
	}
	m.reconnect = newReconnectTimer(sched, delay, post, logger)
	m.enter(StateIdle)
	return m, nil
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// ControlBlock returns a copy of the control block.
func (m *Machine) ControlBlock() ControlBlock { return m.cb }

// Status returns a snapshot of the machine.
func (m *Machine) Status() Status {
	return Status{
		State:       m.state,
		Peer:        m.cb.Peer,
		PeerRole:    m.cb.PeerRole,
		EDR:         m.cb.EDR,
		Flags:       m.cb.Flags,
		Association: m.association,
	}
}

// Handle delivers one event. It reports false when the current state has no
// rule for the event; nothing is changed in that case.
func (m *Machine) Handle(ev Event) bool {
	if m.state == StateOpened || m.state == StateStarted {
		// A peer resuming playback cancels its own earlier suspend.
		if cmd, ok := ev.(RemoteCmdInd); ok && cmd.Op == RCOpPlay && m.cb.Flags.RemoteSuspend {
			m.logger.Debug("remote play clears remote suspend", "state", m.state)
			m.cb.Flags.RemoteSuspend = false
		}
	}

	var handled bool
	switch m.state {
	case StateIdle:
		handled = m.handleIdle(ev)
	case StateOpening:
		handled = m.handleOpening(ev)
	case StateOpened:
		handled = m.handleOpened(ev)
	case StateStarted:
		handled = m.handleStarted(ev)
	case StateClosing:
		handled = m.handleClosing(ev)
	}
	if !handled {
		m.logger.Debug("unhandled event", "state", m.state, "event", ev.Kind())
		m.observer.Unhandled(m.state, ev.Kind())
	}
	return handled
}

// Shutdown cancels the reconnect timer.
func (m *Machine) Shutdown() {
	m.reconnect.cancel()
}

func (m *Machine) transition(to State) {
	from := m.state
	m.exit(from)
	m.state = to
	m.logger.Info("state transition", "from", from, "to", to, "peer", m.cb.Peer, "association", m.association)
	m.observer.Transition(from, to)
	m.enter(to)
}

func (m *Machine) enter(s State) {
	switch s {
	case StateIdle:
		m.cb.resetIdle()
		m.association = ""
		m.media.Idle()
	case StateOpening:
		m.reconnect.cancel()
		m.reportConnection(ConnectionConnecting, m.cb.Peer, ReasonNone)
	case StateOpened:
		m.cb.Flags.PendingStart = false
		m.cb.Flags.PendingStop = false
	case StateStarted:
		m.cb.Flags.RemoteSuspend = false
		m.reportAudio(AudioStarted)
		m.media.AdjustPriority(true)
	case StateClosing:
		if m.cb.PeerRole == RoleSource {
			m.media.SetRxFlush(true)
		}
	}
}

func (m *Machine) exit(s State) {
	switch s {
	case StateOpened:
		m.cb.Flags.PendingStart = false
	case StateStarted:
		m.media.AdjustPriority(false)
	}
}

func (m *Machine) handleIdle(ev Event) bool {
	switch e := ev.(type) {
	case RegisterInd:
		m.cb.SessionHandle = e.Handle
		m.logger.Info("signaling session registered", "handle", e.Handle)
	case OpenPendingInd:
		m.open(e.Peer, m.cb.Service)
	case ConnectReq:
		m.open(e.Peer, e.Service)
	case RCOpenInd:
		// Some peers bring up remote control first and wait for us to open audio.
		m.reconnect.arm()
		m.rc.Handle(e)
	case RCCloseInd:
		m.reconnect.cancel()
		m.rc.Handle(e)
	case ReconnectTimeout:
		if !m.reconnect.expired(e.generation) {
			m.logger.Debug("stale reconnect timeout ignored")
			return true
		}
		peer, ok := m.rc.ConnectedPeer()
		if !ok {
			m.logger.Info("reconnect timer fired with no rc-connected peer")
			return true
		}
		m.logger.Info("opening audio for rc-connected peer", "peer", peer)
		m.queue.Enqueue(ConnectRequest{Peer: peer, Service: RoleSource})
	case RCEvent:
		m.rc.Handle(e)
	default:
		return false
	}
	return true
}

func (m *Machine) open(peer Address, service Role) {
	m.cb.Peer = peer
	m.cb.Service = service
	m.association = uuid.NewString()
	m.transport.Open(peer, service)
	m.transition(StateOpening)
}

func (m *Machine) handleOpening(ev Event) bool {
	switch e := ev.(type) {
	case OpenRejectInd:
		if m.otherPeer(e.Peer, e.Kind()) {
			return true
		}
		m.reportConnection(ConnectionDisconnected, m.cb.Peer, ReasonRejected)
		m.transition(StateIdle)
		m.queue.Advance()
	case OpenResultInd:
		if m.otherPeer(e.Peer, e.Kind()) {
			return true
		}
		if e.Result != ResultSuccess {
			reason := e.Reason
			if reason == ReasonNone {
				reason = ReasonOpenFailed
			}
			m.logger.Warn("signaling channel open failed", "peer", m.cb.Peer, "reason", reason)
			m.reportConnection(ConnectionDisconnected, m.cb.Peer, reason)
			m.transition(StateIdle)
			m.queue.Advance()
			return true
		}
		m.cb.EDR = e.EDR
		m.cb.PeerRole = e.PeerRole
		m.media.SetPeerEndpointType(e.PeerRole)
		m.reportConnection(ConnectionConnected, m.cb.Peer, ReasonNone)
		m.transition(StateOpened)
		if m.cb.PeerRole == RoleSource {
			m.transport.OpenRC()
		}
		m.queue.Advance()
	case SinkConfigReq:
		m.reportSinkConfig(e)
	case ConnectReq:
		if e.Peer == m.cb.Peer {
			m.logger.Debug("duplicate connect request ignored", "peer", e.Peer)
		} else {
			m.logger.Info("connect request for another peer rejected while opening", "peer", e.Peer, "current", m.cb.Peer)
			m.reportConnection(ConnectionDisconnected, e.Peer, ReasonCollision)
		}
		m.queue.Advance()
	case OpenPendingInd:
		if e.Peer == m.cb.Peer {
			m.logger.Debug("incoming connection from opening peer ignored", "peer", e.Peer)
			return true
		}
		m.logger.Info("incoming connection collides with outgoing open", "peer", e.Peer, "current", m.cb.Peer)
		m.reportConnection(ConnectionDisconnected, e.Peer, ReasonCollision)
		m.transport.Close(e.Peer)
	case RCEvent:
		m.rc.Handle(e)
	default:
		return false
	}
	return true
}

func (m *Machine) handleOpened(ev Event) bool {
	switch e := ev.(type) {
	case StartStreamReq:
		m.transport.Start()
		m.cb.Flags.PendingStart = true
	case StartResultInd:
		if e.Result == ResultSuccess && e.Suspending {
			m.logger.Debug("start result ignored, suspend in progress")
			return true
		}
		if e.Result != ResultSuccess {
			m.logger.Warn("stream start failed", "peer", m.cb.Peer)
			m.cb.Flags.PendingStart = false
			m.reportAudio(AudioStopped)
			return true
		}
		if m.cb.PeerRole == RoleSource {
			m.media.SetRxFlush(false)
		}
		m.transition(StateStarted)
	case DisconnectReq:
		m.closeChannel()
	case CloseInd:
		if m.otherPeer(e.Peer, e.Kind()) {
			return true
		}
		m.media.Stopped()
		m.reportConnection(ConnectionDisconnected, m.cb.Peer, e.Reason)
		m.transition(StateIdle)
	case ReconfigResultInd:
		if m.cb.Flags.PendingStart && e.Result == ResultSuccess {
			m.transport.Start()
		} else {
			m.cb.Flags.PendingStart = false
		}
	case ConnectReq:
		if e.Peer != m.cb.Peer {
			m.logger.Info("connect request for another peer rejected while opened", "peer", e.Peer, "current", m.cb.Peer)
			m.reportConnection(ConnectionDisconnected, e.Peer, ReasonCollision)
		}
		m.queue.Advance()
	case SinkConfigReq:
		m.reportSinkConfig(e)
	case ClearRemoteSuspendReq:
		m.cb.Flags.RemoteSuspend = false
	case RCEvent:
		m.rc.Handle(e)
	default:
		return false
	}
	return true
}

func (m *Machine) handleStarted(ev Event) bool {
	switch e := ev.(type) {
	case StopStreamReq, SuspendStreamReq:
		// Local intent overrides any earlier remote suspend.
		m.cb.Flags.LocalSuspendPending = true
		m.cb.Flags.RemoteSuspend = false
		if m.cb.PeerRole == RoleSource {
			m.media.SetRxFlush(true)
			m.media.Stopped()
		}
		m.transport.Stop(true)
	case SuspendResultInd:
		m.media.Suspended()
		if e.Result != ResultSuccess {
			m.logger.Warn("stream suspend failed", "peer", m.cb.Peer)
			m.cb.Flags.LocalSuspendPending = false
			m.reportAudio(AudioStarted)
			return true
		}
		// A remote suspend that races a pending local one counts as local.
		if !e.Local && !m.cb.Flags.LocalSuspendPending {
			m.cb.Flags.RemoteSuspend = true
			m.reportAudio(AudioRemoteSuspend)
		} else {
			m.reportAudio(AudioStopped)
		}
		m.transition(StateOpened)
		m.cb.Flags.LocalSuspendPending = false
	case StopResultInd:
		m.cb.Flags.PendingStop = true
		m.media.Stopped()
		m.reportAudio(AudioStopped)
		if e.Result == ResultSuccess {
			m.transition(StateOpened)
		}
	case DisconnectReq:
		m.cb.Flags.PendingStop = true
		m.closeChannel()
		m.transition(StateClosing)
	case CloseInd:
		if m.otherPeer(e.Peer, e.Kind()) {
			return true
		}
		m.cb.Flags.PendingStop = true
		m.media.Stopped()
		m.reportConnection(ConnectionDisconnected, m.cb.Peer, e.Reason)
		m.transition(StateIdle)
	case ClearRemoteSuspendReq:
		m.cb.Flags.RemoteSuspend = false
	case RCEvent:
		m.rc.Handle(e)
	default:
		return false
	}
	return true
}

func (m *Machine) handleClosing(ev Event) bool {
	switch e := ev.(type) {
	case StopStreamReq, StopResultInd:
		if m.cb.PeerRole == RoleSource {
			m.media.SetRxFlush(true)
		}
		m.media.Stopped()
	case CloseInd:
		if m.otherPeer(e.Peer, e.Kind()) {
			return true
		}
		m.reportConnection(ConnectionDisconnected, m.cb.Peer, e.Reason)
		m.transition(StateIdle)
	case RCCloseInd:
		m.rc.Handle(e)
	default:
		return false
	}
	return true
}

// otherPeer reports whether an indication names a peer other than the latched
// one. Such indications belong to a rejected collision and are dropped.
func (m *Machine) otherPeer(peer Address, kind EventKind) bool {
	if peer.IsZero() || peer == m.cb.Peer {
		return false
	}
	m.logger.Info("indication for another peer ignored", "event", kind, "peer", peer, "current", m.cb.Peer)
	return true
}

func (m *Machine) closeChannel() {
	m.transport.Close(m.cb.Peer)
	if m.cb.PeerRole == RoleSource {
		m.transport.CloseRC()
	}
	m.reportConnection(ConnectionDisconnecting, m.cb.Peer, ReasonNone)
}

func (m *Machine) reportSinkConfig(e SinkConfigReq) {
	if m.cb.PeerRole != RoleSource {
		m.logger.Debug("sink configuration ignored, peer is not a source", "peer", m.cb.Peer)
		return
	}
	m.notify(AudioConfigEvent{
		Peer:        m.cb.Peer,
		Codec:       e.Codec,
		Config:      e.Config,
		Association: m.association,
	})
}

func (m *Machine) reportConnection(state ConnectionState, peer Address, reason DisconnectReason) {
	m.notify(ConnectionStateEvent{
		State:       state,
		Peer:        peer,
		Reason:      reason,
		Association: m.association,
	})
}

func (m *Machine) reportAudio(state AudioState) {
	m.notify(AudioStateEvent{
		State:       state,
		Peer:        m.cb.Peer,
		Association: m.association,
	})
}

func (m *Machine) notify(n Notification) {
	m.observer.Notified(n)
	m.callback(n)
}

type nopMedia struct{}

func (nopMedia) Idle()                    {}
func (nopMedia) Stopped()                 {}
func (nopMedia) Suspended()               {}
func (nopMedia) SetRxFlush(bool)          {}
func (nopMedia) SetPeerEndpointType(Role) {}
func (nopMedia) AdjustPriority(bool)      {}

type nopRC struct{}

func (nopRC) Handle(RCEvent)                 {}
func (nopRC) ConnectedPeer() (Address, bool) { return Address{}, false }

type nopObserver struct{}

func (nopObserver) Transition(State, State)    {}
func (nopObserver) Unhandled(State, EventKind) {}
func (nopObserver) Notified(Notification)      {}
