// Package nodeid maps logical frame ids to wire ids for a given device address.
package nodeid

import (
	"fmt"
	"sort"

	epyq "github.com/epcpower/goepyq"
)

const (
	TypeJ1939  = "j1939"
	TypeSimple = "simple"
)

// Default controller address used when a device configuration omits it
const DefaultControllerID uint8 = 65

// Adjuster rewrites a logical frame id into the id seen on the wire
// Implementations must be pure.
type Adjuster func(id uint32, deviceID uint8, toDevice bool, controllerID uint8) uint32

// SimpleAdjust offsets the id by the device id
func SimpleAdjust(id uint32, deviceID uint8, toDevice bool, controllerID uint8) uint32 {
	return id + uint32(deviceID)
}

var adjusters = map[string]Adjuster{
	TypeJ1939:  J1939Adjust,
	TypeSimple: SimpleAdjust,
}

// Lookup returns the adjuster registered under name, empty selects j1939
func Lookup(name string) (Adjuster, error) {
	if name == "" {
		name = TypeJ1939
	}
	adjuster, ok := adjusters[name]
	if !ok {
		return nil, fmt.Errorf("%w: node id type %q, available %v", epyq.ErrIllegalArgument, name, Types())
	}
	return adjuster, nil
}

func Types() []string {
	names := make([]string, 0, len(adjusters))
	for name := range adjusters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Bound fixes device and controller ids of an adjuster
type Bound struct {
	Adjust       Adjuster
	DeviceID     uint8
	ControllerID uint8
}

// ToDevice returns the wire id of a frame transmitted to the device
func (b Bound) ToDevice(id uint32) uint32 {
	if b.Adjust == nil {
		return id
	}
	return b.Adjust(id, b.DeviceID, true, b.ControllerID)
}

// FromDevice returns the wire id of a frame transmitted by the device
func (b Bound) FromDevice(id uint32) uint32 {
	if b.Adjust == nil {
		return id
	}
	return b.Adjust(id, b.DeviceID, false, b.ControllerID)
}
