package epyq

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

type subscription struct {
	listener FrameListener
}

// BusStatusCallback is called whenever bus online or transmit state changes
type BusStatusCallback func(online bool, transmit bool)

// Bus manager is a wrapper around the CAN bus interface
// Used by the NV stack to dispatch frames per id, gate transmission
// and report bus status.
type BusManager struct {
	mu             sync.Mutex
	logger         *log.Entry
	bus            Bus // Bus interface that can be adapted
	frameListeners map[uint64][]*subscription
	taps           []*subscription
	online         bool
	transmit       bool
	statusCallback []*BusStatusCallback
}

func listenerKey(id uint32, extended bool) uint64 {
	key := uint64(id)
	if extended {
		key |= 1 << 32
	}
	return key
}

// Implements the FrameListener interface
// This handles all received CAN frames from Bus
func (bm *BusManager) Handle(frame Frame) {
	bm.mu.Lock()
	listeners := append([]*subscription{}, bm.frameListeners[listenerKey(frame.ID, frame.Extended)]...)
	taps := append([]*subscription{}, bm.taps...)
	bm.mu.Unlock()

	// Listeners may subscribe or cancel from within Handle
	for _, tap := range taps {
		tap.listener.Handle(frame)
	}
	for _, sub := range listeners {
		sub.listener.Handle(frame)
	}
}

// Set bus
func (bm *BusManager) SetBus(bus Bus) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.bus = bus
}

func (bm *BusManager) Bus() Bus {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.bus
}

// Send a CAN message
// Any transport error is reported wrapped in [ErrSendFailed]
func (bm *BusManager) Send(frame Frame) error {
	bm.mu.Lock()
	bus := bm.bus
	transmit := bm.transmit
	bm.mu.Unlock()

	if bus == nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, ErrBusClosed)
	}
	if !transmit {
		return fmt.Errorf("%w: %w", ErrSendFailed, ErrTxDisabled)
	}
	err := bus.Send(frame)
	if err != nil {
		bm.logger.Warnf("send %v failed : %v", frame, err)
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	return nil
}

// Subscribe to a specific CAN ID
// The returned function removes the subscription
func (bm *BusManager) Subscribe(ident uint32, extended bool, callback FrameListener) (func(), error) {
	if callback == nil {
		return nil, ErrIllegalArgument
	}
	if extended {
		ident &= CanEffMask
	} else {
		ident &= CanSffMask
	}
	bm.mu.Lock()
	defer bm.mu.Unlock()
	key := listenerKey(ident, extended)
	sub := &subscription{listener: callback}
	bm.frameListeners[key] = append(bm.frameListeners[key], sub)
	return func() { bm.unsubscribe(key, sub) }, nil
}

func (bm *BusManager) unsubscribe(key uint64, sub *subscription) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	listeners := bm.frameListeners[key]
	for i, s := range listeners {
		if s == sub {
			bm.frameListeners[key] = append(listeners[:i:i], listeners[i+1:]...)
			break
		}
	}
	if len(bm.frameListeners[key]) == 0 {
		delete(bm.frameListeners, key)
	}
}

// SubscribeAll registers a listener receiving every frame regardless of id
func (bm *BusManager) SubscribeAll(callback FrameListener) func() {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	sub := &subscription{listener: callback}
	bm.taps = append(bm.taps, sub)
	return func() {
		bm.mu.Lock()
		defer bm.mu.Unlock()
		for i, s := range bm.taps {
			if s == sub {
				bm.taps = append(bm.taps[:i:i], bm.taps[i+1:]...)
				return
			}
		}
	}
}

// Callback on bus online / transmit changes
// The returned function removes the callback
func (bm *BusManager) OnStatus(callback BusStatusCallback) func() {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	registered := &callback
	bm.statusCallback = append(bm.statusCallback, registered)
	return func() {
		bm.mu.Lock()
		defer bm.mu.Unlock()
		for i, c := range bm.statusCallback {
			if c == registered {
				bm.statusCallback = append(bm.statusCallback[:i:i], bm.statusCallback[i+1:]...)
				return
			}
		}
	}
}

func (bm *BusManager) SetOnline(online bool) {
	bm.setStatus(&online, nil)
}

// SetTransmit enables or disables transmission (passive mode when false)
func (bm *BusManager) SetTransmit(transmit bool) {
	bm.setStatus(nil, &transmit)
}

func (bm *BusManager) setStatus(online *bool, transmit *bool) {
	bm.mu.Lock()
	changed := false
	if online != nil && *online != bm.online {
		bm.online = *online
		changed = true
	}
	if transmit != nil && *transmit != bm.transmit {
		bm.transmit = *transmit
		changed = true
	}
	currentOnline, currentTransmit := bm.online, bm.transmit
	callbacks := append([]*BusStatusCallback{}, bm.statusCallback...)
	bm.mu.Unlock()

	if !changed {
		return
	}
	bm.logger.Infof("bus status online : %v, transmit : %v", currentOnline, currentTransmit)
	for _, callback := range callbacks {
		(*callback)(currentOnline, currentTransmit)
	}
}

// Status returns the current bus online and transmit states
func (bm *BusManager) Status() (online bool, transmit bool) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.online, bm.transmit
}

// Connect the underlying bus and route received frames to the manager
func (bm *BusManager) Connect(args ...any) error {
	bus := bm.Bus()
	if bus == nil {
		return ErrBusClosed
	}
	err := bus.Connect(args...)
	if err != nil {
		return err
	}
	err = bus.Subscribe(bm)
	if err != nil {
		return err
	}
	bm.SetOnline(true)
	return nil
}

func (bm *BusManager) Disconnect() error {
	bus := bm.Bus()
	if bus == nil {
		return nil
	}
	bm.SetOnline(false)
	return bus.Disconnect()
}

func NewBusManager(bus Bus, logger *log.Entry) *BusManager {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	bm := &BusManager{
		logger:         logger.WithField("service", "[BUS]"),
		bus:            bus,
		frameListeners: make(map[uint64][]*subscription),
		transmit:       true,
	}
	return bm
}
