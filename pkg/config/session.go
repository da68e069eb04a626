// Package config loads device session files.
//
// A session file is an ini file describing one device: where its CAN matrix
// and parameter hierarchy live, how node ids are adjusted, how the NV frames
// are named and which bus to open.
//
//	[device]
//	name = Inverter
//	can_path = inverter.dbc
//	parameter_hierarchy = parameters.yaml
//	node_id = 9
//
//	[bus]
//	interface = socketcan
//	channel = can0
package config

import (
	"fmt"
	"path/filepath"
	"time"

	epyq "github.com/epcpower/goepyq"
	"github.com/epcpower/goepyq/pkg/monitor"
	"github.com/epcpower/goepyq/pkg/nodeid"
	"github.com/epcpower/goepyq/pkg/nv"
	"gopkg.in/ini.v1"
)

const (
	DefaultPeriod       = time.Second
	DefaultTimeout      = time.Second
	DefaultBitrate      = 500000
	DefaultMonitorFrame = "StatusBits"
)

// CAN layouts known to devices, both use the same liveness frame
var CanConfigurations = map[string]string{
	"original": DefaultMonitorFrame,
	"j1939":    DefaultMonitorFrame,
}

type Device struct {
	Name                  string
	SerialNumber          string
	CanPath               string
	ParameterHierarchy    string
	NodeIDType            string
	NodeID                uint8
	ControllerID          uint8
	CanConfiguration      string
	Extension             string
	RangeCheckOverridable bool
}

type NV struct {
	nv.Configuration
	Timeout time.Duration
	Retries int
}

type Monitor struct {
	Frame    string
	Absolute time.Duration
	Relative float64
}

type Bus struct {
	Interface string
	Channel   string
	Bitrate   int
	Transmit  bool
}

type Poll struct {
	Period time.Duration
}

// Session as described by a session file
type Session struct {
	// Directory relative paths are resolved against
	Dir     string
	Device  Device
	NV      NV
	Monitor Monitor
	Bus     Bus
	Poll    Poll
	// Raw [device] keys, handed to extensions
	Raw map[string]string
}

// Default returns a session with every default applied
func Default() *Session {
	return &Session{
		Device: Device{
			NodeIDType:       nodeid.TypeJ1939,
			ControllerID:     nodeid.DefaultControllerID,
			CanConfiguration: "original",
		},
		NV:      NV{Configuration: nv.DefaultConfiguration(), Timeout: DefaultTimeout},
		Monitor: Monitor{Frame: DefaultMonitorFrame, Absolute: monitor.DefaultAbsolute, Relative: monitor.DefaultRelative},
		Bus:     Bus{Interface: "socketcan", Channel: "can0", Bitrate: DefaultBitrate, Transmit: true},
		Poll:    Poll{Period: DefaultPeriod},
		Raw:     map[string]string{},
	}
}

// Load a session file
// file can be either a path, an *os.File or []byte
func Load(file any) (*Session, error) {
	cfg, err := ini.Load(file)
	if err != nil {
		return nil, err
	}
	s := Default()
	if path, ok := file.(string); ok {
		s.Dir = filepath.Dir(path)
	}
	if err := s.parse(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

func milliseconds(key *ini.Key, def time.Duration) time.Duration {
	return time.Duration(key.MustInt64(def.Milliseconds())) * time.Millisecond
}

func (s *Session) parse(cfg *ini.File) error {
	device := cfg.Section("device")
	for _, key := range device.Keys() {
		s.Raw[key.Name()] = key.String()
	}
	s.Device.Name = device.Key("name").String()
	s.Device.SerialNumber = device.Key("serial_number").String()
	s.Device.CanPath = device.Key("can_path").String()
	s.Device.ParameterHierarchy = device.Key("parameter_hierarchy").String()
	s.Device.NodeIDType = device.Key("node_id_type").MustString(s.Device.NodeIDType)
	s.Device.Extension = device.Key("extension").String()
	s.Device.RangeCheckOverridable = device.Key("nv_range_check_overridable").MustBool(false)
	s.Device.CanConfiguration = device.Key("can_configuration").MustString(s.Device.CanConfiguration)

	if _, err := nodeid.Lookup(s.Device.NodeIDType); err != nil {
		return err
	}
	monitorFrame, ok := CanConfigurations[s.Device.CanConfiguration]
	if !ok {
		return fmt.Errorf("%w: can configuration %v", epyq.ErrIllegalArgument, s.Device.CanConfiguration)
	}
	switch {
	case device.HasKey("node_id"):
		nodeID, err := device.Key("node_id").Uint()
		if err != nil || nodeID > 255 {
			return fmt.Errorf("%w: node_id %v", epyq.ErrIllegalArgument, device.Key("node_id").String())
		}
		s.Device.NodeID = uint8(nodeID)
	case s.Device.NodeIDType == nodeid.TypeJ1939:
		// j1939 addressing cannot guess the device address
		return fmt.Errorf("%w: node_id is required for %v", epyq.ErrIllegalArgument, nodeid.TypeJ1939)
	}
	controllerID := device.Key("controller_id").MustUint(uint(s.Device.ControllerID))
	if controllerID > 255 {
		return fmt.Errorf("%w: controller_id %v", epyq.ErrIllegalArgument, controllerID)
	}
	s.Device.ControllerID = uint8(controllerID)

	section := cfg.Section("nv")
	c := &s.NV.Configuration
	c.SetFrame = section.Key("set_frame").MustString(c.SetFrame)
	c.StatusFrame = section.Key("status_frame").MustString(c.StatusFrame)
	c.Multiplexer = section.Key("multiplexer").MustString(c.Multiplexer)
	c.MetaSignal = section.Key("meta_signal").MustString(c.MetaSignal)
	c.ReadWriteSignal = section.Key("read_write_signal").MustString(c.ReadWriteSignal)
	s.NV.Timeout = milliseconds(section.Key("timeout_ms"), s.NV.Timeout)
	s.NV.Retries = section.Key("retries").MustInt(0)
	if s.NV.Timeout <= 0 || s.NV.Retries < 0 {
		return fmt.Errorf("%w: nv timeout %v retries %v", epyq.ErrIllegalArgument, s.NV.Timeout, s.NV.Retries)
	}

	section = cfg.Section("monitor")
	s.Monitor.Frame = section.Key("frame").MustString(monitorFrame)
	s.Monitor.Absolute = milliseconds(section.Key("absolute_ms"), s.Monitor.Absolute)
	s.Monitor.Relative = section.Key("relative").MustFloat64(s.Monitor.Relative)

	section = cfg.Section("bus")
	s.Bus.Interface = section.Key("interface").MustString(s.Bus.Interface)
	s.Bus.Channel = section.Key("channel").MustString(s.Bus.Channel)
	s.Bus.Bitrate = section.Key("bitrate").MustInt(s.Bus.Bitrate)
	s.Bus.Transmit = section.Key("transmit").MustBool(s.Bus.Transmit)

	section = cfg.Section("poll")
	s.Poll.Period = milliseconds(section.Key("period_ms"), s.Poll.Period)
	if s.Poll.Period <= 0 {
		return fmt.Errorf("%w: poll period %v", epyq.ErrIllegalArgument, s.Poll.Period)
	}
	return nil
}

// Resolve returns path relative to the session file directory
func (s *Session) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || s.Dir == "" {
		return path
	}
	return filepath.Join(s.Dir, path)
}

// IDs returns the node id binding of the device
func (s *Session) IDs() (nodeid.Bound, error) {
	adjust, err := nodeid.Lookup(s.Device.NodeIDType)
	if err != nil {
		return nodeid.Bound{}, err
	}
	return nodeid.Bound{Adjust: adjust, DeviceID: s.Device.NodeID, ControllerID: s.Device.ControllerID}, nil
}

// MonitorConfig returns the liveness monitor settings, frame details are
// filled in from the matrix by the caller
func (s *Session) MonitorConfig() monitor.Config {
	return monitor.Config{Absolute: s.Monitor.Absolute, Relative: s.Monitor.Relative}
}
