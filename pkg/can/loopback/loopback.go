package loopback

import (
	"sync"

	epyq "github.com/epcpower/goepyq"
	can "github.com/epcpower/goepyq/pkg/can"
)

// In-process CAN bus. Every [Bus] attached to the same [Hub] receives the
// frames sent by the others, in send order, on its own dispatch goroutine.
// Used for tests and for running against the simulator.

func init() {
	can.RegisterInterface("loopback", func(channel string, bitrate int) (epyq.Bus, error) {
		return SharedHub(channel).NewBus(), nil
	})
}

var (
	hubsMu sync.Mutex
	hubs   = make(map[string]*Hub)
)

// SharedHub returns the process wide hub registered under name
func SharedHub(name string) *Hub {
	hubsMu.Lock()
	defer hubsMu.Unlock()
	hub, ok := hubs[name]
	if !ok {
		hub = NewHub()
		hubs[name] = hub
	}
	return hub
}

type Hub struct {
	mu        sync.Mutex
	endpoints []*Bus
}

func NewHub() *Hub {
	return &Hub{}
}

// NewBus creates a new endpoint on the hub, it must be connected before use
func (h *Hub) NewBus() *Bus {
	return &Bus{hub: h, wake: make(chan struct{}, 1)}
}

func (h *Hub) attach(b *Bus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.endpoints = append(h.endpoints, b)
}

func (h *Hub) detach(b *Bus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, ep := range h.endpoints {
		if ep == b {
			h.endpoints = append(h.endpoints[:i:i], h.endpoints[i+1:]...)
			return
		}
	}
}

func (h *Hub) broadcast(from *Bus, frame epyq.Frame) {
	h.mu.Lock()
	endpoints := append([]*Bus{}, h.endpoints...)
	h.mu.Unlock()
	for _, ep := range endpoints {
		if ep == from && !from.ReceiveOwn() {
			continue
		}
		ep.deliver(frame)
	}
}

type Bus struct {
	hub        *Hub
	mu         sync.Mutex
	handler    epyq.FrameListener
	pending    []epyq.Frame
	wake       chan struct{}
	stop       chan struct{}
	wg         sync.WaitGroup
	connected  bool
	receiveOwn bool
}

// "Connect" implementation of Bus interface
func (b *Bus) Connect(...any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}
	b.connected = true
	b.stop = make(chan struct{})
	b.wg.Add(1)
	go b.dispatch(b.stop)
	b.hub.attach(b)
	return nil
}

// "Disconnect" implementation of Bus interface
func (b *Bus) Disconnect() error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil
	}
	b.connected = false
	close(b.stop)
	b.pending = nil
	b.mu.Unlock()
	b.hub.detach(b)
	b.wg.Wait()
	return nil
}

// "Send" implementation of Bus interface
func (b *Bus) Send(frame epyq.Frame) error {
	b.mu.Lock()
	connected := b.connected
	b.mu.Unlock()
	if !connected {
		return epyq.ErrBusClosed
	}
	b.hub.broadcast(b, frame)
	return nil
}

// "Subscribe" implementation of Bus interface
func (b *Bus) Subscribe(handler epyq.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = handler
	return nil
}

func (b *Bus) SetReceiveOwn(receiveOwn bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receiveOwn = receiveOwn
}

func (b *Bus) ReceiveOwn() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.receiveOwn
}

func (b *Bus) deliver(frame epyq.Frame) {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return
	}
	b.pending = append(b.pending, frame)
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Bus) dispatch(stop chan struct{}) {
	defer b.wg.Done()
	for {
		select {
		case <-stop:
			return
		case <-b.wake:
		}
		for {
			b.mu.Lock()
			frames := b.pending
			b.pending = nil
			handler := b.handler
			b.mu.Unlock()
			if len(frames) == 0 {
				break
			}
			for _, frame := range frames {
				select {
				case <-stop:
					return
				default:
				}
				if handler != nil {
					handler.Handle(frame)
				}
			}
		}
	}
}
