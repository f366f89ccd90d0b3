// Package avrc is the remote-control side channel that runs next to the audio
// connection. The connection machine forwards every remote-control event here
// without looking at it.
package avrc

import (
	"log/slog"
	"sync"

	"bluetooth-audio/internal/a2dp"
)

// CommandFunc receives pass-through commands from the peer.
type CommandFunc func(peer a2dp.Address, cmd a2dp.RemoteCmdInd)

// Forwarder tracks the remote-control connection and hands pass-through
// commands to an optional handler. It satisfies a2dp.RemoteControl.
type Forwarder struct {
	mu        sync.Mutex
	peer      a2dp.Address
	connected bool
	features  map[a2dp.Address]uint32
	vendor    int
	meta      int

	onCommand CommandFunc
	logger    *slog.Logger
}

// New returns a forwarder. onCommand may be nil.
func New(onCommand CommandFunc, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{
		features:  make(map[a2dp.Address]uint32),
		onCommand: onCommand,
		logger:    logger,
	}
}

// Handle implements a2dp.RemoteControl.
func (f *Forwarder) Handle(ev a2dp.RCEvent) {
	switch e := ev.(type) {
	case a2dp.RCOpenInd:
		f.mu.Lock()
		f.peer, f.connected = e.Peer, true
		f.mu.Unlock()
		f.logger.Info("remote control connected", "peer", e.Peer)
	case a2dp.RCCloseInd:
		f.mu.Lock()
		f.peer, f.connected = a2dp.Address{}, false
		f.mu.Unlock()
		f.logger.Info("remote control disconnected", "peer", e.Peer)
	case a2dp.RCFeatureInd:
		f.mu.Lock()
		f.features[e.Peer] = e.Features
		f.mu.Unlock()
		f.logger.Debug("remote control features", "peer", e.Peer, "features", e.Features)
	case a2dp.RemoteCmdInd:
		f.logger.Debug("remote command", "op", e.Op, "released", e.Released)
		if e.Released {
			return
		}
		if peer, ok := f.ConnectedPeer(); ok && f.onCommand != nil {
			f.onCommand(peer, e)
		}
	case a2dp.RemoteRspInd:
		f.logger.Debug("remote response", "op", e.Op, "code", e.Code)
	case a2dp.VendorCmdInd, a2dp.VendorRspInd:
		f.mu.Lock()
		f.vendor++
		f.mu.Unlock()
		f.logger.Debug("vendor message", "event", ev.Kind())
	case a2dp.MetaMsgInd:
		f.mu.Lock()
		f.meta++
		f.mu.Unlock()
		f.logger.Debug("metadata message", "bytes", len(e.Payload))
	}
}

// ConnectedPeer implements a2dp.RemoteControl.
func (f *Forwarder) ConnectedPeer() (a2dp.Address, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peer, f.connected
}

// Features returns the last feature mask reported for peer.
func (f *Forwarder) Features(peer a2dp.Address) (uint32, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.features[peer]
	return v, ok
}

// Stats returns how many vendor and metadata messages went by.
func (f *Forwarder) Stats() (vendor, meta int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.vendor, f.meta
}
