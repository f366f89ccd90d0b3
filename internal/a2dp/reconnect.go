package a2dp

import (
	"log/slog"
	"time"
)

// Timer is a cancellable one-shot timer.
type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d on a goroutine of its choosing.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// SystemScheduler schedules with time.AfterFunc.
type SystemScheduler struct{}

// AfterFunc implements Scheduler.
func (SystemScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// reconnectTimer opens the audio channel when a peer connects remote control
// first and then waits. Its callback only posts ReconnectTimeout; the machine
// decides what to do with it on the dispatcher goroutine.
//
// Each arm bumps the generation so a timeout posted just before cancel is
// recognised as stale.
type reconnectTimer struct {
	sched      Scheduler
	delay      time.Duration
	post       func(Event) error
	logger     *slog.Logger
	timer      Timer
	generation uint64
}

func newReconnectTimer(sched Scheduler, delay time.Duration, post func(Event) error, logger *slog.Logger) *reconnectTimer {
	return &reconnectTimer{
		sched:  sched,
		delay:  delay,
		post:   post,
		logger: logger,
	}
}

func (r *reconnectTimer) arm() {
	r.cancel()
	r.generation++
	gen := r.generation
	r.timer = r.sched.AfterFunc(r.delay, func() {
		if err := r.post(ReconnectTimeout{generation: gen}); err != nil {
			r.logger.Warn("reconnect timeout dropped", "error", err)
		}
	})
	r.logger.Debug("reconnect timer armed", "delay", r.delay)
}

func (r *reconnectTimer) cancel() {
	if r.timer == nil {
		return
	}
	r.timer.Stop()
	r.timer = nil
	r.generation++
	r.logger.Debug("reconnect timer cancelled")
}

func (r *reconnectTimer) armed() bool { return r.timer != nil }

// expired consumes a timeout. It reports false for a timeout from a timer that
// has since been cancelled or re-armed.
func (r *reconnectTimer) expired(gen uint64) bool {
	if r.timer == nil || gen != r.generation {
		return false
	}
	r.timer = nil
	return true
}
