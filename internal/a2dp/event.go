package a2dp

import (
	"fmt"
	"slices"
)

// EventKind names an event for logging and metrics.
type EventKind int

const (
	// Transport indications.
	KindRegister EventKind = iota
	KindOpenPending
	KindOpenResult
	KindOpenReject
	KindClose
	KindStartResult
	KindSuspendResult
	KindStopResult
	KindReconfigResult

	// Remote-control channel indications.
	KindRCOpen
	KindRCClose
	KindRemoteCmd
	KindRemoteRsp
	KindVendorCmd
	KindVendorRsp
	KindMetaMsg
	KindRCFeature

	// Application requests.
	KindConnect
	KindDisconnect
	KindStartStream
	KindStopStream
	KindSuspendStream
	KindSinkConfig
	KindClearRemoteSuspend

	// Internal.
	KindReconnectTimeout
)

var kindNames = [...]string{
	KindRegister:           "register",
	KindOpenPending:        "open_pending",
	KindOpenResult:         "open_result",
	KindOpenReject:         "open_reject",
	KindClose:              "close",
	KindStartResult:        "start_result",
	KindSuspendResult:      "suspend_result",
	KindStopResult:         "stop_result",
	KindReconfigResult:     "reconfig_result",
	KindRCOpen:             "rc_open",
	KindRCClose:            "rc_close",
	KindRemoteCmd:          "remote_cmd",
	KindRemoteRsp:          "remote_rsp",
	KindVendorCmd:          "vendor_cmd",
	KindVendorRsp:          "vendor_rsp",
	KindMetaMsg:            "meta_msg",
	KindRCFeature:          "rc_feature",
	KindConnect:            "connect_req",
	KindDisconnect:         "disconnect_req",
	KindStartStream:        "start_stream_req",
	KindStopStream:         "stop_stream_req",
	KindSuspendStream:      "suspend_stream_req",
	KindSinkConfig:         "sink_config_req",
	KindClearRemoteSuspend: "clear_remote_suspend_req",
	KindReconnectTimeout:   "reconnect_timeout",
}

func (k EventKind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Event is anything the machine can be handed.
type Event interface {
	Kind() EventKind
}

// RCEvent is an event owned by the remote-control co-channel.
type RCEvent interface {
	Event
	rcEvent()
}

// RegisterInd reports the signaling session was registered.
type RegisterInd struct{ Handle SessionHandle }

// OpenPendingInd reports an incoming connection from Peer.
type OpenPendingInd struct{ Peer Address }

// OpenResultInd reports the outcome of a signaling channel open.
type OpenResultInd struct {
	Peer     Address
	Result   Result
	EDR      EDR
	PeerRole Role
	Reason   DisconnectReason
}

// OpenRejectInd reports the open was rejected before it started.
type OpenRejectInd struct{ Peer Address }

// CloseInd reports the signaling channel closed.
type CloseInd struct {
	Peer   Address
	Reason DisconnectReason
}

// StartResultInd reports the outcome of a stream start. Suspending is set when
// the transport already has a suspend in progress for this stream.
type StartResultInd struct {
	Result     Result
	Suspending bool
}

// SuspendResultInd reports a stream suspend. Local is set when the local side
// initiated it.
type SuspendResultInd struct {
	Result Result
	Local  bool
}

// StopResultInd reports a stream stop.
type StopResultInd struct{ Result Result }

// ReconfigResultInd reports the outcome of a stream reconfiguration.
type ReconfigResultInd struct{ Result Result }

// RCOpenInd reports the remote-control channel opened.
type RCOpenInd struct{ Peer Address }

// RCCloseInd reports the remote-control channel closed.
type RCCloseInd struct{ Peer Address }

// RCOp is a pass-through remote-control operation.
type RCOp uint8

const (
	RCOpPlay    RCOp = 0x44
	RCOpStop    RCOp = 0x45
	RCOpPause   RCOp = 0x46
	RCOpForward RCOp = 0x4B
	RCOpBack    RCOp = 0x4C
)

func (op RCOp) String() string {
	switch op {
	case RCOpPlay:
		return "play"
	case RCOpStop:
		return "stop"
	case RCOpPause:
		return "pause"
	case RCOpForward:
		return "forward"
	case RCOpBack:
		return "backward"
	default:
		return fmt.Sprintf("op(0x%02x)", uint8(op))
	}
}

// RemoteCmdInd is a pass-through command received from the peer.
type RemoteCmdInd struct {
	Op       RCOp
	Released bool
}

// RemoteRspInd is the peer's response to a local pass-through command.
type RemoteRspInd struct {
	Op   RCOp
	Code uint8
}

// VendorCmdInd carries a vendor-dependent command payload.
type VendorCmdInd struct{ Payload []byte }

// VendorRspInd carries a vendor-dependent response payload.
type VendorRspInd struct{ Payload []byte }

// MetaMsgInd carries a metadata message payload.
type MetaMsgInd struct{ Payload []byte }

// RCFeatureInd reports the peer's remote-control feature mask.
type RCFeatureInd struct {
	Peer     Address
	Features uint32
}

// ConnectReq asks the machine to open the signaling channel.
type ConnectReq struct {
	Peer    Address
	Service Role
}

// DisconnectReq asks the machine to close the signaling channel.
type DisconnectReq struct{}

// StartStreamReq asks the machine to start streaming.
type StartStreamReq struct{}

// StopStreamReq asks the machine to stop streaming. It is handled as a suspend.
type StopStreamReq struct{}

// SuspendStreamReq asks the machine to suspend streaming.
type SuspendStreamReq struct{}

// SinkConfigReq carries the codec configuration a source peer applied to the
// local sink endpoint.
type SinkConfigReq struct {
	Peer   Address
	Codec  uint8
	Config []byte
}

// ClearRemoteSuspendReq acknowledges a remote suspend.
type ClearRemoteSuspendReq struct{}

// ReconnectTimeout is posted by the reconnect timer.
type ReconnectTimeout struct{ generation uint64 }

func (RegisterInd) Kind() EventKind           { return KindRegister }
func (OpenPendingInd) Kind() EventKind        { return KindOpenPending }
func (OpenResultInd) Kind() EventKind         { return KindOpenResult }
func (OpenRejectInd) Kind() EventKind         { return KindOpenReject }
func (CloseInd) Kind() EventKind              { return KindClose }
func (StartResultInd) Kind() EventKind        { return KindStartResult }
func (SuspendResultInd) Kind() EventKind      { return KindSuspendResult }
func (StopResultInd) Kind() EventKind         { return KindStopResult }
func (ReconfigResultInd) Kind() EventKind     { return KindReconfigResult }
func (RCOpenInd) Kind() EventKind             { return KindRCOpen }
func (RCCloseInd) Kind() EventKind            { return KindRCClose }
func (RemoteCmdInd) Kind() EventKind          { return KindRemoteCmd }
func (RemoteRspInd) Kind() EventKind          { return KindRemoteRsp }
func (VendorCmdInd) Kind() EventKind          { return KindVendorCmd }
func (VendorRspInd) Kind() EventKind          { return KindVendorRsp }
func (MetaMsgInd) Kind() EventKind            { return KindMetaMsg }
func (RCFeatureInd) Kind() EventKind          { return KindRCFeature }
func (ConnectReq) Kind() EventKind            { return KindConnect }
func (DisconnectReq) Kind() EventKind         { return KindDisconnect }
func (StartStreamReq) Kind() EventKind        { return KindStartStream }
func (StopStreamReq) Kind() EventKind         { return KindStopStream }
func (SuspendStreamReq) Kind() EventKind      { return KindSuspendStream }
func (SinkConfigReq) Kind() EventKind         { return KindSinkConfig }
func (ClearRemoteSuspendReq) Kind() EventKind { return KindClearRemoteSuspend }
func (ReconnectTimeout) Kind() EventKind      { return KindReconnectTimeout }

func (RCOpenInd) rcEvent()    {}
func (RCCloseInd) rcEvent()   {}
func (RemoteCmdInd) rcEvent() {}
func (RemoteRspInd) rcEvent() {}
func (VendorCmdInd) rcEvent() {}
func (VendorRspInd) rcEvent() {}
func (MetaMsgInd) rcEvent()   {}
func (RCFeatureInd) rcEvent() {}

// cloneEvent returns ev with every payload buffer copied, so the dispatcher
// never shares memory with the producer.
func cloneEvent(ev Event) Event {
	switch e := ev.(type) {
	case VendorCmdInd:
		e.Payload = slices.Clone(e.Payload)
		return e
	case VendorRspInd:
		e.Payload = slices.Clone(e.Payload)
		return e
	case MetaMsgInd:
		e.Payload = slices.Clone(e.Payload)
		return e
	case SinkConfigReq:
		e.Config = slices.Clone(e.Config)
		return e
	default:
		return ev
	}
}
