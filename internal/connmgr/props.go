package connmgr

import (
	"strings"

	dbus "github.com/godbus/dbus/v5"

	"bluetooth-audio/internal/a2dp"
)

const (
	bluezService    = "org.bluez"
	mediaIface      = "org.bluez.Media1"
	endpointIface   = "org.bluez.MediaEndpoint1"
	transportIface  = "org.bluez.MediaTransport1"
	controlIface    = "org.bluez.MediaControl1"
	playerIface     = "org.bluez.MediaPlayer1"
	deviceIface     = "org.bluez.Device1"
	adapterIface    = "org.bluez.Adapter1"
	objManagerIface = "org.freedesktop.DBus.ObjectManager"
	propsIface      = "org.freedesktop.DBus.Properties"

	errAlreadyConnected = "org.bluez.Error.AlreadyConnected"
)

const codecSBC byte = 0x00

// sbcCapabilities advertises every SBC mode with bitpool 2..53.
var sbcCapabilities = []byte{0xff, 0xff, 2, 53}

// defaultSBCConfig is 44.1kHz joint stereo, 16 blocks, 8 subbands, loudness,
// bitpool 2..53.
var defaultSBCConfig = []byte{0x21, 0x15, 2, 53}

// transportConfig is what BlueZ hands over in SetConfiguration.
type transportConfig struct {
	Device        dbus.ObjectPath
	UUID          string
	Codec         uint8
	Configuration []byte
	State         string
}

func parseTransportProps(props map[string]dbus.Variant) transportConfig {
	var tc transportConfig
	if v, ok := props["Device"]; ok {
		tc.Device, _ = v.Value().(dbus.ObjectPath)
	}
	tc.UUID, _ = stringProp(props, "UUID")
	if v, ok := props["Codec"]; ok {
		tc.Codec, _ = v.Value().(byte)
	}
	if v, ok := props["Configuration"]; ok {
		tc.Configuration, _ = v.Value().([]byte)
	}
	tc.State, _ = stringProp(props, "State")
	return tc
}

func stringProp(props map[string]dbus.Variant, key string) (string, bool) {
	v, ok := props[key]
	if !ok {
		return "", false
	}
	s, ok := v.Value().(string)
	return s, ok
}

func boolProp(props map[string]dbus.Variant, key string) (bool, bool) {
	v, ok := props[key]
	if !ok {
		return false, false
	}
	b, ok := v.Value().(bool)
	return b, ok
}

// localEndpointUUID is the UUID the exported endpoint registers under.
func localEndpointUUID(local a2dp.Role) string {
	if local == a2dp.RoleSink {
		return A2DPSinkUUID
	}
	return A2DPSourceUUID
}

// remoteProfileUUID is the profile to connect on the peer: the opposite role.
func remoteProfileUUID(local a2dp.Role) string {
	if local == a2dp.RoleSink {
		return A2DPSourceUUID
	}
	return A2DPSinkUUID
}

func peerRoleOf(local a2dp.Role) a2dp.Role {
	if local == a2dp.RoleSink {
		return a2dp.RoleSource
	}
	return a2dp.RoleSink
}

func rolesFromUUIDs(list []string) []a2dp.Role {
	var roles []a2dp.Role
	if containsUUID(list, A2DPSourceUUID) {
		roles = append(roles, a2dp.RoleSource)
	}
	if containsUUID(list, A2DPSinkUUID) {
		roles = append(roles, a2dp.RoleSink)
	}
	return roles
}

// passthroughOp maps MediaPlayer1.Status to the command a peer sent.
func passthroughOp(status string) (a2dp.RCOp, bool) {
	switch status {
	case "playing":
		return a2dp.RCOpPlay, true
	case "paused":
		return a2dp.RCOpPause, true
	case "stopped":
		return a2dp.RCOpStop, true
	default:
		return 0, false
	}
}

func deviceFromIfaces(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant) (Device, bool) {
	props, ok := ifaces[deviceIface]
	if !ok {
		return Device{}, false
	}
	vUUIDs, ok := props["UUIDs"]
	if !ok {
		return Device{}, false
	}
	uu, _ := vUUIDs.Value().([]string)
	roles := rolesFromUUIDs(uu)
	if len(roles) == 0 {
		return Device{}, false
	}
	mac, _ := stringProp(props, "Address")
	name, _ := stringProp(props, "Name")
	alias, _ := stringProp(props, "Alias")
	if mac == "" {
		mac = macFromPath(path)
	}
	return Device{
		Path:  string(path),
		MAC:   mac,
		Name:  name,
		Alias: alias,
		Roles: roles,
	}, true
}

func containsUUID(list []string, target string) bool {
	for _, s := range list {
		if strings.EqualFold(s, target) {
			return true
		}
	}
	return false
}

// macFromPath extracts XX:XX:... from .../dev_XX_XX_XX_XX_XX_XX[/...].
func macFromPath(p dbus.ObjectPath) string {
	s := string(p)
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	mac := s[idx+5:]
	if end := strings.IndexByte(mac, '/'); end >= 0 {
		mac = mac[:end]
	}
	return strings.ReplaceAll(mac, "_", ":")
}

func addrFromPath(p dbus.ObjectPath) (a2dp.Address, bool) {
	mac := macFromPath(p)
	if mac == "" {
		return a2dp.Address{}, false
	}
	addr, err := a2dp.ParseAddress(mac)
	if err != nil {
		return a2dp.Address{}, false
	}
	return addr, true
}

func adapterPath(adapter string) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + adapter)
}

func devicePath(adapter string, addr a2dp.Address) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + adapter + "/dev_" + strings.ReplaceAll(addr.String(), ":", "_"))
}
