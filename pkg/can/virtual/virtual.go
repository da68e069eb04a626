package virtual

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	epyq "github.com/epcpower/goepyq"
	can "github.com/epcpower/goepyq/pkg/can"
	log "github.com/sirupsen/logrus"
)

// Virtual CAN bus over TCP, for tests and for sharing a bus between
// processes. A broker relays every frame to all connected clients.
// More information : https://github.com/windelbouwman/virtualcan

func init() {
	can.RegisterInterface("virtual", NewVirtualCanBus)
	can.RegisterInterface("virtualcan", NewVirtualCanBus)
}

// Size of a serialized frame : id, flags, dlc and data
const frameSize = 4 + 1 + 1 + 8

var ErrBadLength = errors.New("unexpected virtual can frame length")

type Bus struct {
	logger     *log.Entry
	mu         sync.Mutex
	channel    string
	conn       net.Conn
	receiveOwn bool
	handler    epyq.FrameListener
	stop       chan struct{}
	wg         sync.WaitGroup
}

// NewVirtualCanBus creates a client of the broker at channel e.g. localhost:18888
func NewVirtualCanBus(channel string, bitrate int) (epyq.Bus, error) {
	return &Bus{channel: channel, logger: log.WithField("service", "[VCAN]")}, nil
}

// Serialize a frame, prefixed by its big endian length
func serializeFrame(frame epyq.Frame) []byte {
	buffer := make([]byte, 4+frameSize)
	binary.BigEndian.PutUint32(buffer, frameSize)
	id := frame.ID
	if frame.Extended {
		id = (id & epyq.CanEffMask) | epyq.CanEffFlag
	}
	binary.BigEndian.PutUint32(buffer[4:], id)
	buffer[9] = frame.DLC
	copy(buffer[10:], frame.Data[:])
	return buffer
}

func deserializeFrame(payload []byte) (epyq.Frame, error) {
	if len(payload) != frameSize {
		return epyq.Frame{}, fmt.Errorf("%w : %v", ErrBadLength, len(payload))
	}
	var frame epyq.Frame
	id := binary.BigEndian.Uint32(payload)
	if id&epyq.CanEffFlag != 0 {
		frame.Extended = true
		frame.ID = id & epyq.CanEffMask
	} else {
		frame.ID = id & epyq.CanSffMask
	}
	frame.DLC = payload[5]
	copy(frame.Data[:], payload[6:])
	return frame, nil
}

// readFrame reads one length prefixed frame
func readFrame(r io.Reader) (epyq.Frame, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return epyq.Frame{}, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > 64 {
		return epyq.Frame{}, fmt.Errorf("%w : %v", ErrBadLength, length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return epyq.Frame{}, err
	}
	return deserializeFrame(payload)
}

// "Connect" to the broker e.g. localhost:18888
func (b *Bus) Connect(...any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		return nil
	}
	conn, err := net.DialTimeout("tcp", b.channel, 2*time.Second)
	if err != nil {
		return err
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			conn.Close()
			return err
		}
	}
	b.conn = conn
	b.stop = make(chan struct{})
	b.wg.Add(1)
	go b.handleReception(conn, b.stop)
	return nil
}

// "Disconnect" from the broker
func (b *Bus) Disconnect() error {
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	if conn != nil {
		close(b.stop)
	}
	b.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Close()
	b.wg.Wait()
	return err
}

// "Send" implementation of Bus interface
func (b *Bus) Send(frame epyq.Frame) error {
	b.mu.Lock()
	conn := b.conn
	handler := b.handler
	receiveOwn := b.receiveOwn
	b.mu.Unlock()
	if conn == nil {
		return epyq.ErrBusClosed
	}
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Millisecond))
	if _, err := conn.Write(serializeFrame(frame)); err != nil {
		return err
	}
	if receiveOwn && handler != nil {
		handler.Handle(frame)
	}
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

// Handle incoming traffic until the connection closes
func (b *Bus) handleReception(conn net.Conn, stop chan struct{}) {
	defer b.wg.Done()
	reader := bufio.NewReader(conn)
	for {
		frame, err := readFrame(reader)
		if err != nil {
			select {
			case <-stop:
			default:
				b.logger.Errorf("listening routine has closed because : %v", err)
			}
			return
		}
		b.mu.Lock()
		handler := b.handler
		b.mu.Unlock()
		if handler != nil {
			handler.Handle(frame)
		}
	}
}
