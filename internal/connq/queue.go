// Package connq serializes outbound connection attempts so that at most one is
// in flight at a time.
package connq

import (
	"log/slog"
	"sync"

	"bluetooth-audio/internal/a2dp"
)

// Queue holds connect requests until the previous attempt has finished. The
// state machine calls Advance once an attempt reaches a terminal outcome.
type Queue struct {
	mu       sync.Mutex
	pending  []a2dp.ConnectRequest
	inFlight *a2dp.ConnectRequest
	submit   func(a2dp.ConnectRequest)
	logger   *slog.Logger
}

// New creates a queue that hands released requests to submit. submit is
// always called without the queue lock held.
func New(submit func(a2dp.ConnectRequest), logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{submit: submit, logger: logger}
}

// Enqueue adds a request. It is submitted at once if nothing is in flight.
// A request identical to one already waiting is dropped.
func (q *Queue) Enqueue(req a2dp.ConnectRequest) {
	q.mu.Lock()
	if q.inFlight == nil {
		q.inFlight = &req
		q.mu.Unlock()
		q.logger.Debug("connect request submitted", "peer", req.Peer, "service", req.Service)
		q.submit(req)
		return
	}
	for _, p := range q.pending {
		if p == req {
			q.mu.Unlock()
			q.logger.Debug("duplicate connect request dropped", "peer", req.Peer)
			return
		}
	}
	q.pending = append(q.pending, req)
	depth := len(q.pending)
	q.mu.Unlock()
	q.logger.Debug("connect request queued", "peer", req.Peer, "depth", depth)
}

// Advance releases the next waiting request, if any.
func (q *Queue) Advance() {
	q.mu.Lock()
	if len(q.pending) == 0 {
		q.inFlight = nil
		q.mu.Unlock()
		return
	}
	next := q.pending[0]
	q.pending = q.pending[1:]
	q.inFlight = &next
	q.mu.Unlock()

	q.logger.Debug("connect request submitted", "peer", next.Peer, "service", next.Service)
	q.submit(next)
}

// InFlight returns the request currently being attempted.
func (q *Queue) InFlight() (a2dp.ConnectRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inFlight == nil {
		return a2dp.ConnectRequest{}, false
	}
	return *q.inFlight, true
}

// Len returns the number of waiting requests, excluding the one in flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Clear drops every waiting request and forgets the one in flight.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = nil
	q.inFlight = nil
}
