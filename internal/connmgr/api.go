// Package connmgr is the BlueZ D-Bus side of the audio connection: it
// registers a media endpoint, drives Device1/MediaTransport1 on behalf of the
// state machine and turns BlueZ callbacks and property changes into
// a2dp indications.
//
// Thread-safety: all methods are safe for concurrent use. Transport methods
// never block on D-Bus; their outcome arrives later as an indication.
package connmgr

import (
	"context"
	"errors"
	"log/slog"

	"bluetooth-audio/internal/a2dp"
)

const (
	// A2DPSourceUUID is the Audio Source service class.
	A2DPSourceUUID = "0000110a-0000-1000-8000-00805f9b34fb"
	// A2DPSinkUUID is the Audio Sink service class.
	A2DPSinkUUID = "0000110b-0000-1000-8000-00805f9b34fb"
	// AVRCPUUID is the A/V Remote Control service class.
	AVRCPUUID = "0000110e-0000-1000-8000-00805f9b34fb"
)

// ErrClosed is returned by every method once Close has run.
var ErrClosed = errors.New("connmgr: closed")

// Device is an audio-capable device found by ScanAudio.
type Device struct {
	Path  string // D-Bus object path, e.g. /org/bluez/hci0/dev_XX_XX_XX_XX_XX_XX
	MAC   string
	Name  string
	Alias string
	// Roles lists the stream-endpoint roles the device advertises.
	Roles []a2dp.Role
}

// Options configures a manager.
type Options struct {
	// Adapter is the controller name. Defaults to "hci0".
	Adapter string
	// Role is the local stream-endpoint role. Defaults to source.
	Role a2dp.Role
	// Codec is the SBC configuration returned from SelectConfiguration.
	Codec  []byte
	Logger *slog.Logger
}

// Mgr owns the D-Bus connection and the exported media endpoint.
type Mgr interface {
	// Register exports the media endpoint and registers it with the adapter.
	// On success a RegisterInd is posted. Calling it twice returns an error.
	Register(ctx context.Context) error

	// Transport returns the primitives the state machine drives.
	Transport() a2dp.Transport

	// ScanAudio discovers devices advertising A2DP source or sink until ctx
	// is done and returns a snapshot.
	ScanAudio(ctx context.Context) ([]Device, error)

	// Close unregisters the endpoint and releases the bus. Redundant calls
	// are allowed.
	Close() error
}
