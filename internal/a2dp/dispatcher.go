package a2dp

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// dispatcher owns the single goroutine allowed to touch the Machine. Post may
// be called from anywhere; every event is copied into the queue so producers
// keep ownership of their own buffers.
//
// The queue is unbounded: handlers post back into it (the connect queue
// submits the next request from inside Advance) and must never block on it.
type dispatcher struct {
	mu      sync.Mutex
	pending []Event
	closed  bool
	wake    chan struct{}

	machine *Machine
	status  atomic.Pointer[Status]
	logger  *slog.Logger
}

func newDispatcher(logger *slog.Logger) *dispatcher {
	return &dispatcher{
		wake:   make(chan struct{}, 1),
		logger: logger,
	}
}

// bind attaches the machine and publishes its initial status.
func (d *dispatcher) bind(m *Machine) {
	d.machine = m
	d.publish()
}

func (d *dispatcher) post(ev Event) error {
	ev = cloneEvent(ev)
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.pending = append(d.pending, ev)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return nil
}

// run delivers events until ctx is done or close is called.
func (d *dispatcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.close()
			return
		case <-d.wake:
		}
		for {
			ev, ok := d.next()
			if !ok {
				break
			}
			d.machine.Handle(ev)
			d.publish()
		}
		d.mu.Lock()
		closed := d.closed
		d.mu.Unlock()
		if closed {
			return
		}
	}
}

func (d *dispatcher) next() (Event, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) == 0 {
		return nil, false
	}
	ev := d.pending[0]
	d.pending[0] = nil
	d.pending = d.pending[1:]
	return ev, true
}

// close stops accepting events. Events already queued are discarded.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	dropped := len(d.pending)
	d.pending = nil
	d.mu.Unlock()
	if dropped > 0 {
		d.logger.Debug("dispatcher closed with pending events", "dropped", dropped)
	}
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) publish() {
	st := d.machine.Status()
	d.status.Store(&st)
}

func (d *dispatcher) snapshot() Status {
	if st := d.status.Load(); st != nil {
		return *st
	}
	return Status{}
}
