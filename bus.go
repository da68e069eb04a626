package epyq

import "fmt"

const (
	CanEffFlag uint32 = 0x80000000
	CanRtrFlag uint32 = 0x40000000
	CanSffMask uint32 = 0x000007FF
	CanEffMask uint32 = 0x1FFFFFFF
)

// A CAN frame as seen by the transport boundary
type Frame struct {
	ID       uint32
	Extended bool
	DLC      uint8
	Data     [8]byte
}

func NewFrame(id uint32, extended bool, dlc uint8) Frame {
	return Frame{ID: id, Extended: extended, DLC: dlc}
}

// Payload returns the DLC bytes of the frame
func (f Frame) Payload() []byte {
	n := int(f.DLC)
	if n > len(f.Data) {
		n = len(f.Data)
	}
	return f.Data[:n]
}

func (f Frame) String() string {
	if f.Extended {
		return fmt.Sprintf("%08X [%d] % X", f.ID, f.DLC, f.Payload())
	}
	return fmt.Sprintf("%03X [%d] % X", f.ID, f.DLC, f.Payload())
}

// Interface for handling a received CAN frame
type FrameListener interface {
	Handle(frame Frame)
}

// FrameListenerFunc adapts a plain function to [FrameListener]
type FrameListenerFunc func(frame Frame)

func (f FrameListenerFunc) Handle(frame Frame) {
	f(frame)
}

// A CAN Bus interface
type Bus interface {
	Connect(...any) error                   // Connect to the CAN bus
	Disconnect() error                      // Disconnect from CAN bus
	Send(frame Frame) error                 // Send a frame on the bus
	Subscribe(callback FrameListener) error // Subscribe to all received CAN frames
}
