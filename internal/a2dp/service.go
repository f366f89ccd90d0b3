package a2dp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Service is the application-facing entry point. It owns the machine and the
// dispatcher goroutine that drives it.
//
// Start/Shutdown may be called from any goroutine. Requests and Post are safe
// for concurrent use; they only enqueue work for the dispatcher.
type Service struct {
	deps   Deps
	logger *slog.Logger

	mu      sync.Mutex
	disp    *dispatcher // nil while not started
	machine *Machine
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewService returns a stopped service.
func NewService(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	deps.Logger = logger
	return &Service{deps: deps, logger: logger}
}

// Start creates the control block and begins dispatching. The dispatcher
// stops when ctx is cancelled or Shutdown is called.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disp != nil {
		return ErrAlreadyStarted
	}

	d := newDispatcher(s.logger)
	m, err := NewMachine(s.deps, d.post)
	if err != nil {
		return fmt.Errorf("a2dp: start: %w", err)
	}
	d.bind(m)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.run(runCtx)
		m.Shutdown()
	}()

	s.disp = d
	s.machine = m
	s.cancel = cancel
	s.done = done
	s.logger.Info("a2dp service started")
	return nil
}

// Shutdown stops the dispatcher and releases the machine. Redundant calls are
// allowed.
func (s *Service) Shutdown() error {
	s.mu.Lock()
	d, cancel, done := s.disp, s.cancel, s.done
	s.disp = nil
	s.machine = nil
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if d == nil {
		return nil
	}
	d.close()
	cancel()
	<-done
	s.logger.Info("a2dp service stopped")
	return nil
}

// Started reports whether the machine exists.
func (s *Service) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disp != nil
}

// Post hands an event to the dispatcher. Transport and remote-control
// producers deliver their indications through it.
func (s *Service) Post(ev Event) error {
	s.mu.Lock()
	d := s.disp
	s.mu.Unlock()
	if d == nil {
		return ErrNotStarted
	}
	return d.post(ev)
}

// Connect queues an outbound connection to peer, serving the given local role.
func (s *Service) Connect(peer Address, service Role) error {
	if !s.Started() {
		return ErrNotStarted
	}
	if peer.IsZero() {
		return errors.New("a2dp: connect: peer address required")
	}
	s.deps.Queue.Enqueue(ConnectRequest{Peer: peer, Service: service})
	return nil
}

// Disconnect closes the signaling channel to the current peer.
func (s *Service) Disconnect() error { return s.Post(DisconnectReq{}) }

// StartStream starts streaming on an open channel.
func (s *Service) StartStream() error { return s.Post(StartStreamReq{}) }

// StopStream stops streaming. The transport is asked to suspend.
func (s *Service) StopStream() error { return s.Post(StopStreamReq{}) }

// SuspendStream suspends streaming.
func (s *Service) SuspendStream() error { return s.Post(SuspendStreamReq{}) }

// ClearRemoteSuspend acknowledges a remote suspend so the stream can be restarted.
func (s *Service) ClearRemoteSuspend() error { return s.Post(ClearRemoteSuspendReq{}) }

// Status returns the state published after the last handled event.
func (s *Service) Status() Status {
	s.mu.Lock()
	d := s.disp
	s.mu.Unlock()
	if d == nil {
		return Status{}
	}
	return d.snapshot()
}

// IsConnected reports whether the signaling channel is up.
func (s *Service) IsConnected() bool { return s.Status().Connected() }

// PeerIsEDR reports whether the connected peer supports enhanced data rate.
func (s *Service) PeerIsEDR() bool { return s.Status().EDR.Supported() }

// PeerRole returns the connected peer's stream-endpoint role.
func (s *Service) PeerRole() Role { return s.Status().PeerRole }

// StreamReady reports whether StartStream would be accepted.
func (s *Service) StreamReady() bool { return s.Status().StreamReady() }

// StreamStartedReady reports whether the stream is running undisturbed.
func (s *Service) StreamStartedReady() bool { return s.Status().StreamStartedReady() }
