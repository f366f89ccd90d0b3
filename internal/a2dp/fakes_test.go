package a2dp

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	peerA = Address{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	peerB = Address{0x66, 0x77, 0x88, 0x99, 0xAA, 0xBB}
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTransport struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeTransport) record(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeTransport) Open(peer Address, service Role) { f.record("open %s %s", peer, service) }
func (f *fakeTransport) Close(peer Address)              { f.record("close %s", peer) }
func (f *fakeTransport) Start()                          { f.record("start") }
func (f *fakeTransport) Stop(suspend bool)               { f.record("stop suspend=%t", suspend) }
func (f *fakeTransport) OpenRC()                         { f.record("open_rc") }
func (f *fakeTransport) CloseRC()                        { f.record("close_rc") }

func (f *fakeTransport) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeTransport) count(call string) int {
	n := 0
	for _, c := range f.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

type fakeMedia struct {
	calls []string
}

func (f *fakeMedia) Idle()      { f.calls = append(f.calls, "idle") }
func (f *fakeMedia) Stopped()   { f.calls = append(f.calls, "stopped") }
func (f *fakeMedia) Suspended() { f.calls = append(f.calls, "suspended") }

func (f *fakeMedia) SetRxFlush(enable bool) {
	f.calls = append(f.calls, fmt.Sprintf("rx_flush=%t", enable))
}

func (f *fakeMedia) SetPeerEndpointType(r Role) {
	f.calls = append(f.calls, "peer_sep="+r.String())
}

func (f *fakeMedia) AdjustPriority(elevated bool) {
	f.calls = append(f.calls, fmt.Sprintf("priority=%t", elevated))
}

type fakeRC struct {
	events []RCEvent
	peer   Address
	ok     bool
}

func (f *fakeRC) Handle(ev RCEvent) {
	f.events = append(f.events, ev)
	switch e := ev.(type) {
	case RCOpenInd:
		f.peer, f.ok = e.Peer, true
	case RCCloseInd:
		f.peer, f.ok = Address{}, false
	}
}

func (f *fakeRC) ConnectedPeer() (Address, bool) { return f.peer, f.ok }

type fakeQueue struct {
	mu       sync.Mutex
	enqueued []ConnectRequest
	advances int
	onSubmit func(ConnectRequest)
}

func (f *fakeQueue) Enqueue(req ConnectRequest) {
	f.mu.Lock()
	f.enqueued = append(f.enqueued, req)
	submit := f.onSubmit
	f.mu.Unlock()
	if submit != nil {
		submit(req)
	}
}

func (f *fakeQueue) Advance() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advances++
}

func (f *fakeQueue) Advances() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.advances
}

type manualTimer struct {
	delay   time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

func (t *manualTimer) fire() {
	if t.stopped || t.fired {
		return
	}
	t.fired = true
	t.f()
}

type manualScheduler struct {
	timers []*manualTimer
}

func (s *manualScheduler) AfterFunc(d time.Duration, f func()) Timer {
	t := &manualTimer{delay: d, f: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *manualScheduler) last() *manualTimer {
	if len(s.timers) == 0 {
		return nil
	}
	return s.timers[len(s.timers)-1]
}

type recorder struct {
	mu    sync.Mutex
	notes []Notification
}

func (r *recorder) callback(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recorder) all() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.notes...)
}

func (r *recorder) connection() []ConnectionStateEvent {
	var out []ConnectionStateEvent
	for _, n := range r.all() {
		if e, ok := n.(ConnectionStateEvent); ok {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) audio() []AudioStateEvent {
	var out []AudioStateEvent
	for _, n := range r.all() {
		if e, ok := n.(AudioStateEvent); ok {
			out = append(out, e)
		}
	}
	return out
}

// harness drives a Machine synchronously. Events the machine posts to itself
// (reconnect timeouts) collect in posted until drain is called.
type harness struct {
	t         *testing.T
	m         *Machine
	transport *fakeTransport
	media     *fakeMedia
	rc        *fakeRC
	queue     *fakeQueue
	sched     *manualScheduler
	rec       *recorder
	posted    []Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		transport: &fakeTransport{},
		media:     &fakeMedia{},
		rc:        &fakeRC{},
		queue:     &fakeQueue{},
		sched:     &manualScheduler{},
		rec:       &recorder{},
	}
	m, err := NewMachine(Deps{
		Transport:      h.transport,
		Media:          h.media,
		RemoteControl:  h.rc,
		Queue:          h.queue,
		Callback:       h.rec.callback,
		Scheduler:      h.sched,
		ReconnectDelay: 2 * time.Second,
		Logger:         discardLogger(),
	}, func(ev Event) error {
		h.posted = append(h.posted, ev)
		return nil
	})
	require.NoError(t, err)
	h.m = m
	return h
}

func (h *harness) handle(ev Event) bool {
	h.t.Helper()
	return h.m.Handle(ev)
}

func (h *harness) drain() {
	h.t.Helper()
	for len(h.posted) > 0 {
		ev := h.posted[0]
		h.posted = h.posted[1:]
		h.m.Handle(ev)
	}
}

// toOpened connects peerA with the given peer role.
func (h *harness) toOpened(role Role) {
	h.t.Helper()
	require.True(h.t, h.handle(ConnectReq{Peer: peerA, Service: RoleSource}))
	require.True(h.t, h.handle(OpenResultInd{Peer: peerA, Result: ResultSuccess, EDR: EDR2M, PeerRole: role}))
	require.Equal(h.t, StateOpened, h.m.State())
}

func (h *harness) toStarted(role Role) {
	h.t.Helper()
	h.toOpened(role)
	require.True(h.t, h.handle(StartStreamReq{}))
	require.True(h.t, h.handle(StartResultInd{Result: ResultSuccess}))
	require.Equal(h.t, StateStarted, h.m.State())
}

func (h *harness) toClosing(role Role) {
	h.t.Helper()
	h.toStarted(role)
	require.True(h.t, h.handle(DisconnectReq{}))
	require.Equal(h.t, StateClosing, h.m.State())
}
