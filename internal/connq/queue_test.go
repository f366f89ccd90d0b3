package connq

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"bluetooth-audio/internal/a2dp"
)

var (
	peerA = a2dp.Address{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	peerB = a2dp.Address{0x66, 0x77, 0x88, 0x99, 0xAA, 0xBB}
	peerC = a2dp.Address{0xCC, 0xDD, 0xEE, 0xFF, 0x00, 0x11}
)

type mockSubmitter struct {
	mock.Mock
}

func (m *mockSubmitter) submit(req a2dp.ConnectRequest) {
	m.Called(req)
}

func newQueue(t *testing.T) (*Queue, *mockSubmitter) {
	t.Helper()
	s := &mockSubmitter{}
	t.Cleanup(func() { s.AssertExpectations(t) })
	return New(s.submit, slog.New(slog.NewTextHandler(io.Discard, nil))), s
}

func TestQueue_SubmitsImmediatelyWhenIdle(t *testing.T) {
	q, s := newQueue(t)
	req := a2dp.ConnectRequest{Peer: peerA, Service: a2dp.RoleSource}
	s.On("submit", req).Once()

	q.Enqueue(req)

	got, ok := q.InFlight()
	require.True(t, ok)
	assert.Equal(t, req, got)
	assert.Zero(t, q.Len())
}

func TestQueue_OneInFlight(t *testing.T) {
	q, s := newQueue(t)
	a := a2dp.ConnectRequest{Peer: peerA, Service: a2dp.RoleSource}
	b := a2dp.ConnectRequest{Peer: peerB, Service: a2dp.RoleSource}
	c := a2dp.ConnectRequest{Peer: peerC, Service: a2dp.RoleSink}
	s.On("submit", a).Once()

	q.Enqueue(a)
	q.Enqueue(b)
	q.Enqueue(c)
	assert.Equal(t, 2, q.Len())
	s.AssertNumberOfCalls(t, "submit", 1)

	s.On("submit", b).Once()
	q.Advance()
	got, _ := q.InFlight()
	assert.Equal(t, b, got)

	s.On("submit", c).Once()
	q.Advance()
	assert.Zero(t, q.Len())

	q.Advance()
	_, ok := q.InFlight()
	assert.False(t, ok)
	s.AssertNumberOfCalls(t, "submit", 3)
}

func TestQueue_DropsDuplicateWaitingRequest(t *testing.T) {
	q, s := newQueue(t)
	a := a2dp.ConnectRequest{Peer: peerA, Service: a2dp.RoleSource}
	b := a2dp.ConnectRequest{Peer: peerB, Service: a2dp.RoleSource}
	s.On("submit", a).Once()

	q.Enqueue(a)
	q.Enqueue(b)
	q.Enqueue(b)

	assert.Equal(t, 1, q.Len())
}

func TestQueue_AdvanceWhenEmpty(t *testing.T) {
	q, _ := newQueue(t)

	q.Advance()

	_, ok := q.InFlight()
	assert.False(t, ok)
}

func TestQueue_Clear(t *testing.T) {
	q, s := newQueue(t)
	a := a2dp.ConnectRequest{Peer: peerA}
	b := a2dp.ConnectRequest{Peer: peerB}
	s.On("submit", a).Twice()

	q.Enqueue(a)
	q.Enqueue(b)
	q.Clear()
	assert.Zero(t, q.Len())

	q.Enqueue(a)
}

func TestQueue_SubmitMayReenter(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []a2dp.Address
		q    *Queue
	)
	q = New(func(req a2dp.ConnectRequest) {
		mu.Lock()
		seen = append(seen, req.Peer)
		mu.Unlock()
		// The attempt fails immediately and releases the next one.
		q.Advance()
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	q.Enqueue(a2dp.ConnectRequest{Peer: peerA})

	assert.Equal(t, []a2dp.Address{peerA}, seen)
	_, ok := q.InFlight()
	assert.False(t, ok)
}
