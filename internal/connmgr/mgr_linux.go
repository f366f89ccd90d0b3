//go:build linux

package connmgr

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"

	dbus "github.com/godbus/dbus/v5"

	"bluetooth-audio/internal/a2dp"
)

// New creates a manager. post receives every indication the manager produces
// and must not block.
func New(opts Options, post func(a2dp.Event) error) Mgr {
	if opts.Adapter == "" {
		opts.Adapter = "hci0"
	}
	if opts.Role == a2dp.RoleUnknown {
		opts.Role = a2dp.RoleSource
	}
	if len(opts.Codec) == 0 {
		opts.Codec = defaultSBCConfig
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &mgr{
		opts:       opts,
		post:       post,
		logger:     logger.With("adapter", opts.Adapter),
		links:      make(map[a2dp.Address]*link),
		transports: make(map[dbus.ObjectPath]a2dp.Address),
	}
}

var pathCounter uint64

// link is what the manager knows about one peer's media transport.
type link struct {
	transport dbus.ObjectPath // set by SetConfiguration
	state     string          // MediaTransport1.State
	outgoing  bool            // Open issued, configuration not seen yet
	closing   bool            // Close issued
	acquiring bool            // Start issued, Acquire reply pending
	releasing bool            // Stop issued, state change not seen yet
	fd        *os.File
}

func (l *link) closeFD() {
	if l.fd != nil {
		_ = l.fd.Close()
		l.fd = nil
	}
}

type mgr struct {
	mu     sync.Mutex
	closed bool

	bus *dbus.Conn

	opts   Options
	post   func(a2dp.Event) error
	logger *slog.Logger

	registered   bool
	endpointPath dbus.ObjectPath

	links      map[a2dp.Address]*link
	transports map[dbus.ObjectPath]a2dp.Address
	// current is the peer whose transport Start/Stop/OpenRC act on.
	current a2dp.Address

	// cleanup functions to release resources in Close (executed once, in reverse order).
	cleanup []func()
}

// ensureBusLocked connects to the system bus if not yet connected.
func (m *mgr) ensureBusLocked() error {
	if m.bus != nil {
		return nil
	}
	c, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("connmgr: connect system bus: %w", err)
	}
	m.bus = c
	// Close the bus last during cleanup.
	m.cleanup = append(m.cleanup, func() { m.bus.Close() })
	return nil
}

func (m *mgr) emit(ev a2dp.Event) {
	if err := m.post(ev); err != nil {
		m.logger.Warn("indication dropped", "event", ev.Kind(), "error", err)
	}
}

// endpoint implements org.bluez.MediaEndpoint1.
type endpoint struct {
	m *mgr
}

// SelectConfiguration answers with the fixed codec configuration.
func (e *endpoint) SelectConfiguration(caps []byte) ([]byte, *dbus.Error) {
	e.m.logger.Debug("select configuration", "capabilities", hex.EncodeToString(caps))
	return slices.Clone(e.m.opts.Codec), nil
}

func (e *endpoint) SetConfiguration(transport dbus.ObjectPath, props map[string]dbus.Variant) *dbus.Error {
	e.m.setConfiguration(transport, props)
	return nil
}

func (e *endpoint) ClearConfiguration(transport dbus.ObjectPath) *dbus.Error {
	e.m.clearConfiguration(transport)
	return nil
}

// Release is called by BlueZ when the endpoint is unregistered.
func (e *endpoint) Release() *dbus.Error {
	e.m.logger.Info("media endpoint released")
	return nil
}

func (m *mgr) Register(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.registered {
		m.mu.Unlock()
		return errors.New("connmgr: endpoint already registered")
	}
	if err := m.ensureBusLocked(); err != nil {
		m.mu.Unlock()
		return err
	}

	id := atomic.AddUint64(&pathCounter, 1)
	path := dbus.ObjectPath("/org/bluetooth_audio/connmgr/ep" + strconv.FormatUint(id, 10))
	if err := m.bus.Export(&endpoint{m: m}, path, endpointIface); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("connmgr: export endpoint: %w", err)
	}
	m.cleanup = append(m.cleanup, func() { _ = m.bus.Export(nil, path, endpointIface) })

	if err := m.watchLocked(); err != nil {
		m.mu.Unlock()
		return err
	}

	props := map[string]dbus.Variant{
		"UUID":         dbus.MakeVariant(localEndpointUUID(m.opts.Role)),
		"Codec":        dbus.MakeVariant(codecSBC),
		"Capabilities": dbus.MakeVariant(sbcCapabilities),
	}
	media := m.bus.Object(bluezService, adapterPath(m.opts.Adapter))
	if call := media.CallWithContext(ctx, mediaIface+".RegisterEndpoint", 0, path, props); call.Err != nil {
		m.mu.Unlock()
		return fmt.Errorf("connmgr: RegisterEndpoint: %w", call.Err)
	}
	// Unregister before the object is unexported.
	m.cleanup = append(m.cleanup, func() {
		_ = media.Call(mediaIface+".UnregisterEndpoint", 0, path).Err
	})
	m.registered = true
	m.endpointPath = path
	m.mu.Unlock()

	m.logger.Info("media endpoint registered", "path", path, "role", m.opts.Role)
	m.emit(a2dp.RegisterInd{Handle: a2dp.SessionHandle(id)})
	return nil
}

// watchLocked subscribes to BlueZ property changes for the lifetime of the manager.
func (m *mgr) watchLocked() error {
	match := []dbus.MatchOption{
		dbus.WithMatchSender(bluezService),
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
	}
	if err := m.bus.AddMatchSignal(match...); err != nil {
		return fmt.Errorf("connmgr: AddMatchSignal: %w", err)
	}
	ch := make(chan *dbus.Signal, 32)
	m.bus.Signal(ch)
	done := make(chan struct{})
	go m.watch(ch, done)

	m.cleanup = append(m.cleanup, func() {
		m.bus.RemoveSignal(ch)
		_ = m.bus.RemoveMatchSignal(match...)
		close(done)
	})
	return nil
}

func (m *mgr) watch(ch <-chan *dbus.Signal, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case sig, ok := <-ch:
			if !ok {
				return
			}
			m.handleSignal(sig)
		}
	}
}

func (m *mgr) handleSignal(sig *dbus.Signal) {
	if sig == nil || sig.Name != propsIface+".PropertiesChanged" || len(sig.Body) < 2 {
		return
	}
	iface, _ := sig.Body[0].(string)
	changed, _ := sig.Body[1].(map[string]dbus.Variant)
	if changed == nil {
		return
	}

	switch iface {
	case transportIface:
		if state, ok := stringProp(changed, "State"); ok {
			m.transportStateChanged(sig.Path, state)
		}
	case controlIface:
		connected, ok := boolProp(changed, "Connected")
		if !ok {
			return
		}
		peer, ok := addrFromPath(sig.Path)
		if !ok {
			return
		}
		if connected {
			m.emit(a2dp.RCOpenInd{Peer: peer})
		} else {
			m.emit(a2dp.RCCloseInd{Peer: peer})
		}
	case playerIface:
		status, ok := stringProp(changed, "Status")
		if !ok {
			return
		}
		if op, ok := passthroughOp(status); ok {
			m.emit(a2dp.RemoteCmdInd{Op: op})
		}
	}
}

// transportStateChanged reports stream changes the peer made on its own.
// Changes caused by a local Start or Stop are reported by those calls.
func (m *mgr) transportStateChanged(path dbus.ObjectPath, state string) {
	m.mu.Lock()
	peer, ok := m.transports[path]
	if !ok {
		m.mu.Unlock()
		return
	}
	l := m.links[peer]
	prev := l.state
	l.state = state

	var ev a2dp.Event
	switch {
	case peer != m.current:
	case state == "active" && prev != "active":
		if !l.acquiring {
			ev = a2dp.StartResultInd{Result: a2dp.ResultSuccess}
		}
	case state != "active" && prev == "active":
		if l.releasing {
			l.releasing = false
		} else {
			ev = a2dp.SuspendResultInd{Result: a2dp.ResultSuccess, Local: false}
		}
	}
	m.mu.Unlock()

	m.logger.Debug("transport state", "peer", peer, "from", prev, "to", state)
	if ev != nil {
		m.emit(ev)
	}
}

func (m *mgr) linkLocked(peer a2dp.Address) *link {
	l, ok := m.links[peer]
	if !ok {
		l = &link{}
		m.links[peer] = l
	}
	return l
}

func (m *mgr) setConfiguration(transport dbus.ObjectPath, props map[string]dbus.Variant) {
	tc := parseTransportProps(props)
	peer, ok := addrFromPath(tc.Device)
	if !ok {
		m.logger.Warn("set configuration without device", "transport", transport)
		return
	}

	m.mu.Lock()
	l := m.linkLocked(peer)
	incoming := !l.outgoing
	l.outgoing = false
	l.closing = false
	l.transport = transport
	l.state = tc.State
	m.transports[transport] = peer
	// A peer colliding with the one being opened never becomes the stream target.
	if m.current.IsZero() {
		m.current = peer
	}
	m.mu.Unlock()

	peerRole := peerRoleOf(m.opts.Role)
	m.logger.Info("transport configured", "peer", peer, "transport", transport, "incoming", incoming, "config", hex.EncodeToString(tc.Configuration))
	if incoming {
		m.emit(a2dp.OpenPendingInd{Peer: peer})
	}
	m.emit(a2dp.OpenResultInd{
		Peer:     peer,
		Result:   a2dp.ResultSuccess,
		EDR:      a2dp.EDRNone,
		PeerRole: peerRole,
	})
	if peerRole == a2dp.RoleSource {
		m.emit(a2dp.SinkConfigReq{Peer: peer, Codec: tc.Codec, Config: tc.Configuration})
	}
}

func (m *mgr) clearConfiguration(transport dbus.ObjectPath) {
	m.mu.Lock()
	peer, ok := m.transports[transport]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.transports, transport)
	reason := a2dp.ReasonRemoteUser
	if l, ok := m.links[peer]; ok {
		if l.closing {
			reason = a2dp.ReasonLocalHost
		}
		l.closeFD()
		delete(m.links, peer)
	}
	if m.current == peer {
		m.current = a2dp.Address{}
	}
	m.mu.Unlock()

	m.logger.Info("transport cleared", "peer", peer, "reason", reason)
	m.emit(a2dp.CloseInd{Peer: peer, Reason: reason})
}

func (m *mgr) Transport() a2dp.Transport { return signaling{m: m} }

// signaling adapts the manager to a2dp.Transport.
type signaling struct {
	m *mgr
}

func (s signaling) Open(peer a2dp.Address, service a2dp.Role) {
	m := s.m
	local := service
	if local == a2dp.RoleUnknown {
		local = m.opts.Role
	}

	m.mu.Lock()
	bus := m.bus
	if m.closed || bus == nil {
		m.mu.Unlock()
		m.logger.Warn("open without registered endpoint", "peer", peer)
		m.emit(a2dp.OpenResultInd{Peer: peer, Result: a2dp.ResultFailure, Reason: a2dp.ReasonOpenFailed})
		return
	}
	m.current = peer
	l := m.linkLocked(peer)
	if l.transport != "" {
		// Incoming connection: already configured by the peer.
		m.mu.Unlock()
		return
	}
	l.outgoing = true
	m.mu.Unlock()

	dev := bus.Object(bluezService, devicePath(m.opts.Adapter, peer))
	go func() {
		err := dev.Call(deviceIface+".ConnectProfile", 0, remoteProfileUUID(local)).Err
		if err == nil {
			// SetConfiguration reports the result.
			return
		}
		m.mu.Lock()
		l, ok := m.links[peer]
		configured := ok && l.transport != ""
		if ok && !configured {
			delete(m.links, peer)
		}
		if !configured && m.current == peer {
			m.current = a2dp.Address{}
		}
		m.mu.Unlock()
		if configured && isDBusError(err, errAlreadyConnected) {
			return
		}
		m.logger.Warn("connect profile failed", "peer", peer, "error", err)
		m.emit(a2dp.OpenResultInd{Peer: peer, Result: a2dp.ResultFailure, Reason: a2dp.ReasonOpenFailed})
	}()
}

func (s signaling) Close(peer a2dp.Address) {
	m := s.m
	m.mu.Lock()
	bus := m.bus
	if bus == nil {
		m.mu.Unlock()
		return
	}
	configured := false
	if l, ok := m.links[peer]; ok {
		l.closing = true
		configured = l.transport != ""
	}
	m.mu.Unlock()

	dev := bus.Object(bluezService, devicePath(m.opts.Adapter, peer))
	go func() {
		err := dev.Call(deviceIface+".DisconnectProfile", 0, remoteProfileUUID(m.opts.Role)).Err
		if err == nil {
			return
		}
		m.logger.Warn("disconnect profile failed", "peer", peer, "error", err)
		if !configured {
			return
		}
		if err := dev.Call(deviceIface+".Disconnect", 0).Err; err != nil {
			// Nothing will clear the configuration now.
			m.logger.Error("disconnect failed", "peer", peer, "error", err)
			m.emit(a2dp.CloseInd{Peer: peer, Reason: a2dp.ReasonLocalHost})
		}
	}()
}

func (s signaling) Start() {
	m := s.m
	m.mu.Lock()
	peer := m.current
	l, ok := m.links[peer]
	if !ok || l.transport == "" || m.bus == nil {
		m.mu.Unlock()
		m.logger.Warn("start without configured transport")
		m.emit(a2dp.StartResultInd{Result: a2dp.ResultFailure})
		return
	}
	l.acquiring = true
	obj := m.bus.Object(bluezService, l.transport)
	m.mu.Unlock()

	// A sink can only take the stream once the source has started it.
	method := transportIface + ".Acquire"
	if m.opts.Role == a2dp.RoleSink {
		method = transportIface + ".TryAcquire"
	}
	go func() {
		var (
			fd         dbus.UnixFD
			mtuR, mtuW uint16
		)
		err := obj.Call(method, 0).Store(&fd, &mtuR, &mtuW)

		m.mu.Lock()
		l, ok := m.links[peer]
		if ok {
			l.acquiring = false
		}
		if err == nil {
			f := os.NewFile(uintptr(fd), "a2dp-transport")
			if ok {
				l.state = "active"
				l.closeFD()
				l.fd = f
			} else {
				_ = f.Close()
			}
		}
		m.mu.Unlock()

		if err != nil {
			m.logger.Warn("acquire failed", "peer", peer, "error", err)
			m.emit(a2dp.StartResultInd{Result: a2dp.ResultFailure})
			return
		}
		m.logger.Info("transport acquired", "peer", peer, "mtu_read", mtuR, "mtu_write", mtuW)
		m.emit(a2dp.StartResultInd{Result: a2dp.ResultSuccess})
	}()
}

func (s signaling) Stop(suspend bool) {
	m := s.m
	report := func(r a2dp.Result) {
		if suspend {
			m.emit(a2dp.SuspendResultInd{Result: r, Local: true})
		} else {
			m.emit(a2dp.StopResultInd{Result: r})
		}
	}

	m.mu.Lock()
	peer := m.current
	l, ok := m.links[peer]
	if !ok || l.transport == "" || m.bus == nil {
		m.mu.Unlock()
		m.logger.Warn("stop without configured transport")
		report(a2dp.ResultFailure)
		return
	}
	l.releasing = true
	obj := m.bus.Object(bluezService, l.transport)
	m.mu.Unlock()

	go func() {
		err := obj.Call(transportIface+".Release", 0).Err

		m.mu.Lock()
		if l, ok := m.links[peer]; ok {
			if err != nil {
				l.releasing = false
			} else {
				l.closeFD()
			}
		}
		m.mu.Unlock()

		if err != nil {
			m.logger.Warn("release failed", "peer", peer, "error", err)
			report(a2dp.ResultFailure)
			return
		}
		report(a2dp.ResultSuccess)
	}()
}

func (s signaling) OpenRC()  { s.m.remoteControl(deviceIface+".ConnectProfile", "open") }
func (s signaling) CloseRC() { s.m.remoteControl(deviceIface+".DisconnectProfile", "close") }

func (m *mgr) remoteControl(method, op string) {
	m.mu.Lock()
	peer, bus := m.current, m.bus
	m.mu.Unlock()
	if bus == nil || peer.IsZero() {
		return
	}
	dev := bus.Object(bluezService, devicePath(m.opts.Adapter, peer))
	go func() {
		if err := dev.Call(method, 0, AVRCPUUID).Err; err != nil {
			m.logger.Warn("remote control "+op+" failed", "peer", peer, "error", err)
		}
	}()
}

func (m *mgr) ScanAudio(ctx context.Context) ([]Device, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if err := m.ensureBusLocked(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	bus := m.bus
	m.mu.Unlock()

	objs, err := managedObjects(ctx, bus)
	if err != nil {
		return nil, err
	}
	adapter := adapterPath(m.opts.Adapter)
	if _, ok := objs[adapter][adapterIface]; !ok {
		return nil, fmt.Errorf("connmgr: adapter %s not found", m.opts.Adapter)
	}

	sigCh := make(chan *dbus.Signal, 16)
	bus.Signal(sigCh)
	defer bus.RemoveSignal(sigCh)
	match := []dbus.MatchOption{
		dbus.WithMatchInterface(objManagerIface),
		dbus.WithMatchMember("InterfacesAdded"),
	}
	if err := bus.AddMatchSignal(match...); err != nil {
		return nil, fmt.Errorf("connmgr: AddMatchSignal: %w", err)
	}
	defer func() { _ = bus.RemoveMatchSignal(match...) }()

	obj := bus.Object(bluezService, adapter)
	if err := obj.CallWithContext(ctx, adapterIface+".StartDiscovery", 0).Err; err != nil {
		m.logger.Warn("start discovery failed", "error", err)
	} else {
		defer func() { _ = obj.Call(adapterIface+".StopDiscovery", 0).Err }()
	}

	devMap := make(map[string]Device)
	for path, ifaces := range objs {
		if dev, ok := deviceFromIfaces(path, ifaces); ok {
			devMap[dev.Path] = dev
		}
	}

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case sig := <-sigCh:
			if sig == nil || sig.Name != objManagerIface+".InterfacesAdded" || len(sig.Body) < 2 {
				continue
			}
			path, _ := sig.Body[0].(dbus.ObjectPath)
			ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
			if ifaces == nil {
				continue
			}
			if dev, ok := deviceFromIfaces(path, ifaces); ok {
				m.logger.Debug("audio device found", "mac", dev.MAC, "name", dev.Name)
				devMap[dev.Path] = dev
			}
		}
	}

	out := make([]Device, 0, len(devMap))
	for _, d := range devMap {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b Device) int {
		switch {
		case a.Path < b.Path:
			return -1
		case a.Path > b.Path:
			return 1
		}
		return 0
	})
	return out, nil
}

// Close is safe for concurrent and redundant calls (idempotent).
func (m *mgr) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cleanup := m.cleanup
	m.cleanup = nil
	for _, l := range m.links {
		l.closeFD()
	}
	m.mu.Unlock()

	// Run cleanup outside the lock in reverse order of registration.
	for i := len(cleanup) - 1; i >= 0; i-- {
		if cleanup[i] != nil {
			cleanup[i]()
		}
	}
	return nil
}

func managedObjects(ctx context.Context, bus *dbus.Conn) (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	obj := bus.Object(bluezService, dbus.ObjectPath("/"))
	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if call := obj.CallWithContext(ctx, objManagerIface+".GetManagedObjects", 0); call.Err != nil {
		return nil, fmt.Errorf("connmgr: GetManagedObjects: %w", call.Err)
	} else if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("connmgr: decode GetManagedObjects: %w", err)
	}
	return objs, nil
}

func isDBusError(err error, name string) bool {
	var derr dbus.Error
	if errors.As(err, &derr) {
		return derr.Name == name
	}
	var pderr *dbus.Error
	if errors.As(err, &pderr) {
		return pderr.Name == name
	}
	return false
}
