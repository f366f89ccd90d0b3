//go:build linux

package connmgr

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	dbus "github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bluetooth-audio/internal/a2dp"
)

type postRecorder struct {
	mu     sync.Mutex
	events []a2dp.Event
}

func (r *postRecorder) post(ev a2dp.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *postRecorder) take() []a2dp.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.events
	r.events = nil
	return out
}

const (
	transportPath = dbus.ObjectPath("/org/bluez/hci0/dev_00_11_22_33_44_55/sep1/fd0")
	peerPath      = dbus.ObjectPath("/org/bluez/hci0/dev_00_11_22_33_44_55")
)

func newTestMgr(t *testing.T, role a2dp.Role) (*mgr, *endpoint, *postRecorder) {
	t.Helper()
	rec := &postRecorder{}
	m := New(Options{
		Role:   role,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, rec.post).(*mgr)
	return m, &endpoint{m: m}, rec
}

func configProps(state string) map[string]dbus.Variant {
	return map[string]dbus.Variant{
		"Device":        dbus.MakeVariant(peerPath),
		"UUID":          dbus.MakeVariant(A2DPSinkUUID),
		"Codec":         dbus.MakeVariant(byte(0)),
		"Configuration": dbus.MakeVariant([]byte{0x21, 0x15, 2, 53}),
		"State":         dbus.MakeVariant(state),
	}
}

func propsChanged(path dbus.ObjectPath, iface string, changed map[string]dbus.Variant) *dbus.Signal {
	return &dbus.Signal{
		Path: path,
		Name: propsIface + ".PropertiesChanged",
		Body: []interface{}{iface, changed, []string{}},
	}
}

func TestNew_Defaults(t *testing.T) {
	m, ep, _ := newTestMgr(t, a2dp.RoleUnknown)

	assert.Equal(t, "hci0", m.opts.Adapter)
	assert.Equal(t, a2dp.RoleSource, m.opts.Role)

	cfg, derr := ep.SelectConfiguration(sbcCapabilities)
	require.Nil(t, derr)
	assert.Equal(t, defaultSBCConfig, cfg)
}

func TestSetConfiguration_Incoming(t *testing.T) {
	m, ep, rec := newTestMgr(t, a2dp.RoleSource)

	require.Nil(t, ep.SetConfiguration(transportPath, configProps("idle")))

	assert.Equal(t, []a2dp.Event{
		a2dp.OpenPendingInd{Peer: peer},
		a2dp.OpenResultInd{Peer: peer, Result: a2dp.ResultSuccess, PeerRole: a2dp.RoleSink},
	}, rec.take())
	assert.Equal(t, peer, m.current)
}

func TestSetConfiguration_OutgoingSink(t *testing.T) {
	m, ep, rec := newTestMgr(t, a2dp.RoleSink)
	m.linkLocked(peer).outgoing = true

	require.Nil(t, ep.SetConfiguration(transportPath, configProps("idle")))

	assert.Equal(t, []a2dp.Event{
		a2dp.OpenResultInd{Peer: peer, Result: a2dp.ResultSuccess, PeerRole: a2dp.RoleSource},
		a2dp.SinkConfigReq{Peer: peer, Codec: 0, Config: []byte{0x21, 0x15, 2, 53}},
	}, rec.take())
}

func TestSetConfiguration_WithoutDevice(t *testing.T) {
	_, ep, rec := newTestMgr(t, a2dp.RoleSource)

	require.Nil(t, ep.SetConfiguration(transportPath, map[string]dbus.Variant{}))
	assert.Empty(t, rec.take())
}

type nopTransport struct{}

func (nopTransport) Open(a2dp.Address, a2dp.Role) {}
func (nopTransport) Close(a2dp.Address)           {}
func (nopTransport) Start()                       {}
func (nopTransport) Stop(bool)                    {}
func (nopTransport) OpenRC()                      {}
func (nopTransport) CloseRC()                     {}

type nopQueue struct{}

func (nopQueue) Enqueue(a2dp.ConnectRequest) {}
func (nopQueue) Advance()                    {}

func TestSetConfiguration_CollidingPeer(t *testing.T) {
	m, ep, rec := newTestMgr(t, a2dp.RoleSource)
	opening := a2dp.Address{0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA}
	m.current = opening
	m.linkLocked(opening).outgoing = true

	require.Nil(t, ep.SetConfiguration(transportPath, configProps("idle")))
	m.handleSignal(propsChanged(transportPath, transportIface, map[string]dbus.Variant{"State": dbus.MakeVariant("active")}))
	require.Nil(t, ep.ClearConfiguration(transportPath))

	assert.Equal(t, opening, m.current)
	events := rec.take()
	assert.Equal(t, []a2dp.Event{
		a2dp.OpenPendingInd{Peer: peer},
		a2dp.OpenResultInd{Peer: peer, Result: a2dp.ResultSuccess, PeerRole: a2dp.RoleSink},
		a2dp.CloseInd{Peer: peer, Reason: a2dp.ReasonRemoteUser},
	}, events)

	// The machine opening the other peer stays on it.
	machine, err := a2dp.NewMachine(a2dp.Deps{
		Transport: nopTransport{},
		Queue:     nopQueue{},
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, func(a2dp.Event) error { return nil })
	require.NoError(t, err)
	require.True(t, machine.Handle(a2dp.ConnectReq{Peer: opening, Service: a2dp.RoleSource}))
	for _, ev := range events {
		machine.Handle(ev)
	}
	assert.Equal(t, a2dp.StateOpening, machine.State())
	assert.Equal(t, opening, machine.ControlBlock().Peer)
}

func TestClearConfiguration(t *testing.T) {
	t.Run("remote", func(t *testing.T) {
		m, ep, rec := newTestMgr(t, a2dp.RoleSource)
		require.Nil(t, ep.SetConfiguration(transportPath, configProps("idle")))
		rec.take()

		require.Nil(t, ep.ClearConfiguration(transportPath))
		assert.Equal(t, []a2dp.Event{a2dp.CloseInd{Peer: peer, Reason: a2dp.ReasonRemoteUser}}, rec.take())
		assert.True(t, m.current.IsZero())
		assert.Empty(t, m.links)

		// Unknown transports are ignored.
		require.Nil(t, ep.ClearConfiguration(transportPath))
		assert.Empty(t, rec.take())
	})

	t.Run("local", func(t *testing.T) {
		m, ep, rec := newTestMgr(t, a2dp.RoleSource)
		require.Nil(t, ep.SetConfiguration(transportPath, configProps("idle")))
		rec.take()
		m.links[peer].closing = true

		require.Nil(t, ep.ClearConfiguration(transportPath))
		assert.Equal(t, []a2dp.Event{a2dp.CloseInd{Peer: peer, Reason: a2dp.ReasonLocalHost}}, rec.take())
	})
}

func TestTransportState_RemoteChanges(t *testing.T) {
	m, ep, rec := newTestMgr(t, a2dp.RoleSink)
	require.Nil(t, ep.SetConfiguration(transportPath, configProps("idle")))
	rec.take()

	m.handleSignal(propsChanged(transportPath, transportIface, map[string]dbus.Variant{"State": dbus.MakeVariant("pending")}))
	assert.Empty(t, rec.take())

	m.handleSignal(propsChanged(transportPath, transportIface, map[string]dbus.Variant{"State": dbus.MakeVariant("active")}))
	assert.Equal(t, []a2dp.Event{a2dp.StartResultInd{Result: a2dp.ResultSuccess}}, rec.take())

	m.handleSignal(propsChanged(transportPath, transportIface, map[string]dbus.Variant{"State": dbus.MakeVariant("idle")}))
	assert.Equal(t, []a2dp.Event{a2dp.SuspendResultInd{Result: a2dp.ResultSuccess, Local: false}}, rec.take())
}

func TestTransportState_LocalChangesNotReported(t *testing.T) {
	m, ep, rec := newTestMgr(t, a2dp.RoleSource)
	require.Nil(t, ep.SetConfiguration(transportPath, configProps("idle")))
	rec.take()

	m.links[peer].acquiring = true
	m.handleSignal(propsChanged(transportPath, transportIface, map[string]dbus.Variant{"State": dbus.MakeVariant("active")}))
	assert.Empty(t, rec.take())

	m.links[peer].acquiring = false
	m.links[peer].releasing = true
	m.handleSignal(propsChanged(transportPath, transportIface, map[string]dbus.Variant{"State": dbus.MakeVariant("idle")}))
	assert.Empty(t, rec.take())
	assert.False(t, m.links[peer].releasing)
}

func TestHandleSignal_RemoteControl(t *testing.T) {
	m, _, rec := newTestMgr(t, a2dp.RoleSink)

	m.handleSignal(propsChanged(peerPath, controlIface, map[string]dbus.Variant{"Connected": dbus.MakeVariant(true)}))
	m.handleSignal(propsChanged(peerPath+"/player0", playerIface, map[string]dbus.Variant{"Status": dbus.MakeVariant("playing")}))
	m.handleSignal(propsChanged(peerPath+"/player0", playerIface, map[string]dbus.Variant{"Track": dbus.MakeVariant("x")}))
	m.handleSignal(propsChanged(peerPath, controlIface, map[string]dbus.Variant{"Connected": dbus.MakeVariant(false)}))

	assert.Equal(t, []a2dp.Event{
		a2dp.RCOpenInd{Peer: peer},
		a2dp.RemoteCmdInd{Op: a2dp.RCOpPlay},
		a2dp.RCCloseInd{Peer: peer},
	}, rec.take())
}

func TestHandleSignal_IgnoresNoise(t *testing.T) {
	m, _, rec := newTestMgr(t, a2dp.RoleSink)

	m.handleSignal(nil)
	m.handleSignal(&dbus.Signal{Name: objManagerIface + ".InterfacesAdded"})
	m.handleSignal(&dbus.Signal{Name: propsIface + ".PropertiesChanged", Body: []interface{}{transportIface}})
	m.handleSignal(propsChanged(transportPath, transportIface, map[string]dbus.Variant{"State": dbus.MakeVariant("active")}))

	assert.Empty(t, rec.take())
}

func TestTransportWithoutBus(t *testing.T) {
	m, _, rec := newTestMgr(t, a2dp.RoleSource)
	tr := m.Transport()

	tr.Open(peer, a2dp.RoleSource)
	tr.Start()
	tr.Stop(true)
	tr.Stop(false)
	tr.Close(peer)
	tr.OpenRC()
	tr.CloseRC()

	assert.Equal(t, []a2dp.Event{
		a2dp.OpenResultInd{Peer: peer, Result: a2dp.ResultFailure, Reason: a2dp.ReasonOpenFailed},
		a2dp.StartResultInd{Result: a2dp.ResultFailure},
		a2dp.SuspendResultInd{Result: a2dp.ResultFailure, Local: true},
		a2dp.StopResultInd{Result: a2dp.ResultFailure},
	}, rec.take())
}

func TestCloseIsIdempotent(t *testing.T) {
	m, _, _ := newTestMgr(t, a2dp.RoleSource)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	assert.ErrorIs(t, m.Register(ctx), ErrClosed)
}

func TestIsDBusError(t *testing.T) {
	assert.True(t, isDBusError(dbus.Error{Name: errAlreadyConnected}, errAlreadyConnected))
	assert.True(t, isDBusError(&dbus.Error{Name: errAlreadyConnected}, errAlreadyConnected))
	assert.False(t, isDBusError(dbus.Error{Name: "org.bluez.Error.Failed"}, errAlreadyConnected))
	assert.False(t, isDBusError(assert.AnError, errAlreadyConnected))
}
