//go:build linux

package socketcanv2

import (
	"context"
	"net"
	"sync"

	epyq "github.com/epcpower/goepyq"
	can "github.com/epcpower/goepyq/pkg/can"
	log "github.com/sirupsen/logrus"
	einride "go.einride.tech/can"
	"go.einride.tech/can/pkg/socketcan"
)

// SocketCAN transport built on einride's socketcan package.

func init() {
	can.RegisterInterface("socketcanv2", NewSocketCanBus)
}

type SocketcanBus struct {
	mu         sync.Mutex
	logger     *log.Entry
	channel    string
	conn       net.Conn
	tx         *socketcan.Transmitter
	rx         *socketcan.Receiver
	rxCallback epyq.FrameListener
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func NewSocketCanBus(channel string, bitrate int) (epyq.Bus, error) {
	return &SocketcanBus{channel: channel, logger: log.WithField("service", "[SOCKETCANV2]")}, nil
}

// "Connect" implementation of Bus interface
func (b *SocketcanBus) Connect(...any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ctx, cancel := context.WithCancel(context.Background())
	conn, err := socketcan.DialContext(ctx, "can", b.channel)
	if err != nil {
		cancel()
		return err
	}
	b.conn = conn
	b.cancel = cancel
	b.tx = socketcan.NewTransmitter(conn)
	b.rx = socketcan.NewReceiver(conn)
	b.wg.Add(1)
	go b.handleReception(b.rx)
	return nil
}

// "Disconnect" implementation of Bus interface
func (b *SocketcanBus) Disconnect() error {
	b.mu.Lock()
	conn := b.conn
	if b.cancel != nil {
		b.cancel()
	}
	b.conn = nil
	b.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Close()
	b.wg.Wait()
	return err
}

// "Send" implementation of Bus interface
func (b *SocketcanBus) Send(frame epyq.Frame) error {
	b.mu.Lock()
	tx := b.tx
	b.mu.Unlock()
	if tx == nil {
		return epyq.ErrBusClosed
	}
	return tx.TransmitFrame(context.Background(), ToEinride(frame))
}

// "Subscribe" implementation of Bus interface
func (b *SocketcanBus) Subscribe(rxCallback epyq.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rxCallback = rxCallback
	return nil
}

func (b *SocketcanBus) handleReception(rx *socketcan.Receiver) {
	defer b.wg.Done()
	for rx.Receive() {
		if rx.HasErrorFrame() {
			b.logger.Debugf("error frame : %v", rx.ErrorFrame())
			continue
		}
		b.mu.Lock()
		callback := b.rxCallback
		b.mu.Unlock()
		if callback != nil {
			callback.Handle(FromEinride(rx.Frame()))
		}
	}
	if err := rx.Err(); err != nil {
		b.logger.Debugf("reception stopped : %v", err)
	}
}

func ToEinride(frame epyq.Frame) einride.Frame {
	return einride.Frame{
		ID:         frame.ID,
		Length:     frame.DLC,
		Data:       einride.Data(frame.Data),
		IsExtended: frame.Extended,
	}
}

func FromEinride(frame einride.Frame) epyq.Frame {
	return epyq.Frame{
		ID:       frame.ID,
		Extended: frame.IsExtended,
		DLC:      frame.Length,
		Data:     [8]byte(frame.Data),
	}
}
