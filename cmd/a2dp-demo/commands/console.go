package commands

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"bluetooth-audio/internal/a2dp"
)

// controller is the part of a2dp.Service the console drives.
type controller interface {
	Connect(peer a2dp.Address, service a2dp.Role) error
	Disconnect() error
	StartStream() error
	StopStream() error
	SuspendStream() error
	ClearRemoteSuspend() error
	Status() a2dp.Status
}

// requestQueue is the inspection side of connq.Queue.
type requestQueue interface {
	InFlight() (a2dp.ConnectRequest, bool)
	Len() int
	Clear()
}

// remoteControl is the inspection side of avrc.Forwarder.
type remoteControl interface {
	ConnectedPeer() (a2dp.Address, bool)
	Features(peer a2dp.Address) (uint32, bool)
	Stats() (vendor, meta int)
}

const consoleHelp = `commands:
  connect <mac>   open an audio connection
  disconnect      close the current connection
  cancel          drop queued connect requests
  start           start streaming
  stop            stop streaming
  suspend         suspend streaming
  resume          acknowledge a remote suspend
  status          show the connection state
  help            show this text`

// console runs interactive commands against a service. queue and rc are
// optional.
type console struct {
	ctl   controller
	role  a2dp.Role
	queue requestQueue
	rc    remoteControl
	out   io.Writer
}

// exec runs one console command and writes any reply to out.
func (c *console) exec(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	switch cmd := strings.ToLower(fields[0]); cmd {
	case "connect":
		if len(fields) != 2 {
			return fmt.Errorf("usage: connect <mac>")
		}
		peer, err := a2dp.ParseAddress(fields[1])
		if err != nil {
			return err
		}
		return c.ctl.Connect(peer, c.role)
	case "disconnect":
		return c.ctl.Disconnect()
	case "cancel":
		if c.queue == nil {
			return fmt.Errorf("no connect queue")
		}
		c.queue.Clear()
		fmt.Fprintln(c.out, "connect queue cleared")
		return nil
	case "start":
		return c.ctl.StartStream()
	case "stop":
		return c.ctl.StopStream()
	case "suspend":
		return c.ctl.SuspendStream()
	case "resume":
		return c.ctl.ClearRemoteSuspend()
	case "status":
		fmt.Fprintln(c.out, formatStatus(c.ctl.Status()))
		if c.queue != nil {
			fmt.Fprintln(c.out, formatQueue(c.queue))
		}
		if c.rc != nil {
			fmt.Fprintln(c.out, formatRC(c.rc))
		}
		return nil
	case "help", "?":
		fmt.Fprintln(c.out, consoleHelp)
		return nil
	default:
		return fmt.Errorf("unknown command %q (try help)", cmd)
	}
}

// run reads commands from in until it is exhausted.
func (c *console) run(in io.Reader) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if err := c.exec(sc.Text()); err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
	}
}

func formatStatus(s a2dp.Status) string {
	if s.Peer.IsZero() {
		return fmt.Sprintf("state=%s", s.State)
	}
	var flags []string
	if s.Flags.Any() {
		if s.Flags.LocalSuspendPending {
			flags = append(flags, "local_suspend_pending")
		}
		if s.Flags.RemoteSuspend {
			flags = append(flags, "remote_suspend")
		}
		if s.Flags.PendingStart {
			flags = append(flags, "pending_start")
		}
		if s.Flags.PendingStop {
			flags = append(flags, "pending_stop")
		}
	}
	return fmt.Sprintf("state=%s peer=%s peer_role=%s edr=%t flags=[%s] association=%s",
		s.State, s.Peer, s.PeerRole, s.EDR.Supported(), strings.Join(flags, ","), s.Association)
}

func formatQueue(q requestQueue) string {
	inFlight := "none"
	if req, ok := q.InFlight(); ok {
		inFlight = req.Peer.String()
	}
	return fmt.Sprintf("queue in_flight=%s waiting=%d", inFlight, q.Len())
}

func formatRC(rc remoteControl) string {
	vendor, meta := rc.Stats()
	peer, ok := rc.ConnectedPeer()
	if !ok {
		return fmt.Sprintf("rc disconnected vendor=%d meta=%d", vendor, meta)
	}
	features, _ := rc.Features(peer)
	return fmt.Sprintf("rc peer=%s features=0x%x vendor=%d meta=%d", peer, features, vendor, meta)
}

func formatNotification(n a2dp.Notification) string {
	switch e := n.(type) {
	case a2dp.ConnectionStateEvent:
		if e.State == a2dp.ConnectionDisconnected {
			return fmt.Sprintf("connection %s %s (%s)", e.State, e.Peer, e.Reason)
		}
		return fmt.Sprintf("connection %s %s", e.State, e.Peer)
	case a2dp.AudioStateEvent:
		return fmt.Sprintf("audio %s %s", e.State, e.Peer)
	case a2dp.AudioConfigEvent:
		return fmt.Sprintf("audio config %s codec=%d config=%s", e.Peer, e.Codec, hex.EncodeToString(e.Config))
	default:
		return fmt.Sprintf("%T", n)
	}
}
