package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"bluetooth-audio/internal/a2dp"
)

var (
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "a2dp_state_transitions_total",
			Help: "Total number of connection state machine transitions",
		},
		[]string{"from", "to"},
	)

	UnhandledEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "a2dp_unhandled_events_total",
			Help: "Total number of events the current state had no rule for",
		},
		[]string{"state", "event"},
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "a2dp_notifications_total",
			Help: "Total number of notifications delivered to the application",
		},
		[]string{"kind", "state"},
	)

	CurrentState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "a2dp_state",
			Help: "1 for the state the connection machine is in, 0 otherwise",
		},
		[]string{"state"},
	)
)

var allStates = []a2dp.State{
	a2dp.StateIdle,
	a2dp.StateOpening,
	a2dp.StateOpened,
	a2dp.StateStarted,
	a2dp.StateClosing,
}

func RecordTransition(from, to a2dp.State) {
	TransitionsTotal.WithLabelValues(from.String(), to.String()).Inc()
	SetState(to)
}

func RecordUnhandled(state a2dp.State, kind a2dp.EventKind) {
	UnhandledEventsTotal.WithLabelValues(state.String(), kind.String()).Inc()
}

func RecordNotification(n a2dp.Notification) {
	switch e := n.(type) {
	case a2dp.ConnectionStateEvent:
		NotificationsTotal.WithLabelValues("connection", e.State.String()).Inc()
	case a2dp.AudioStateEvent:
		NotificationsTotal.WithLabelValues("audio", e.State.String()).Inc()
	case a2dp.AudioConfigEvent:
		NotificationsTotal.WithLabelValues("audio_config", "").Inc()
	}
}

func SetState(current a2dp.State) {
	for _, s := range allStates {
		v := 0.0
		if s == current {
			v = 1
		}
		CurrentState.WithLabelValues(s.String()).Set(v)
	}
}

// Observer feeds machine activity into the package collectors.
type Observer struct{}

func (Observer) Transition(from, to a2dp.State)           { RecordTransition(from, to) }
func (Observer) Unhandled(s a2dp.State, k a2dp.EventKind) { RecordUnhandled(s, k) }
func (Observer) Notified(n a2dp.Notification)             { RecordNotification(n) }
