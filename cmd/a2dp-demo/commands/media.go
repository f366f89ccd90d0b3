package commands

import (
	"log/slog"

	"bluetooth-audio/internal/a2dp"
)

// loggingMedia stands in for an audio pipeline: the demo moves no samples, it
// only shows what the connection machine asks of the pipeline.
type loggingMedia struct {
	logger *slog.Logger
}

func (m loggingMedia) Idle()      { m.logger.Debug("media idle") }
func (m loggingMedia) Stopped()   { m.logger.Debug("media stopped") }
func (m loggingMedia) Suspended() { m.logger.Debug("media suspended") }

func (m loggingMedia) SetRxFlush(enable bool) {
	m.logger.Debug("media rx flush", "enable", enable)
}

func (m loggingMedia) SetPeerEndpointType(r a2dp.Role) {
	m.logger.Debug("media peer endpoint", "role", r)
}

func (m loggingMedia) AdjustPriority(elevated bool) {
	m.logger.Debug("media priority", "elevated", elevated)
}
