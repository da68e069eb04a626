//go:build linux

package socketcan

import (
	sockcan "github.com/brutella/can"
	epyq "github.com/epcpower/goepyq"
	can "github.com/epcpower/goepyq/pkg/can"
	log "github.com/sirupsen/logrus"
)

// Basic wrapper for socketcan it uses the implementation
// that can be found here : https://github.com/brutella/can

func init() {
	can.RegisterInterface("socketcan", NewSocketCanBus)
}

type SocketcanBus struct {
	bus        *sockcan.Bus
	rxCallback epyq.FrameListener
	logger     *log.Entry
}

// "Connect" implementation of Bus interface
func (socketcan *SocketcanBus) Connect(...any) error {
	go func() {
		err := socketcan.bus.ConnectAndPublish()
		if err != nil {
			socketcan.logger.Errorf("reception stopped : %v", err)
		}
	}()
	return nil
}

// "Disconnect" implementation of Bus interface
func (socketcan *SocketcanBus) Disconnect() error {
	return socketcan.bus.Disconnect()
}

// "Send" implementation of Bus interface
func (socketcan *SocketcanBus) Send(frame epyq.Frame) error {
	return socketcan.bus.Publish(toBrutella(frame))
}

// "Subscribe" implementation of Bus interface
func (socketcan *SocketcanBus) Subscribe(rxCallback epyq.FrameListener) error {
	socketcan.rxCallback = rxCallback
	// brutella/can defines a "Handle" interface for handling received CAN frames
	socketcan.bus.Subscribe(socketcan)
	return nil
}

// brutella/can specific "Handle" implementation
func (socketcan *SocketcanBus) Handle(frame sockcan.Frame) {
	if socketcan.rxCallback == nil {
		return
	}
	socketcan.rxCallback.Handle(fromBrutella(frame))
}

func toBrutella(frame epyq.Frame) sockcan.Frame {
	id := frame.ID
	if frame.Extended {
		id |= epyq.CanEffFlag
	}
	return sockcan.Frame{
		ID:     id,
		Length: frame.DLC,
		Flags:  0,
		Res0:   0,
		Res1:   0,
		Data:   frame.Data,
	}
}

func fromBrutella(frame sockcan.Frame) epyq.Frame {
	converted := epyq.Frame{DLC: frame.Length, Data: frame.Data}
	if frame.ID&epyq.CanEffFlag != 0 {
		converted.Extended = true
		converted.ID = frame.ID & epyq.CanEffMask
	} else {
		converted.ID = frame.ID & epyq.CanSffMask
	}
	return converted
}

func NewSocketCanBus(name string, bitrate int) (epyq.Bus, error) {
	bus, err := sockcan.NewBusForInterfaceWithName(name)
	if err != nil {
		return nil, err
	}
	return &SocketcanBus{bus: bus, logger: log.WithField("service", "[SOCKETCAN]")}, nil
}
