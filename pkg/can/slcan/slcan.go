package slcan

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	epyq "github.com/epcpower/goepyq"
	can "github.com/epcpower/goepyq/pkg/can"
	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

// Serial line CAN adapters (Lawicel ASCII protocol) over a serial port
// channel is the port name e.g. /dev/ttyACM0

func init() {
	can.RegisterInterface("slcan", NewSlcanBus)
}

const serialBaudRate = 115200

var ErrBadLine = errors.New("malformed slcan line")

var bitrateCommands = map[int]string{
	10000:   "S0",
	20000:   "S1",
	50000:   "S2",
	100000:  "S3",
	125000:  "S4",
	250000:  "S5",
	500000:  "S6",
	800000:  "S7",
	1000000: "S8",
}

type Bus struct {
	mu         sync.Mutex
	logger     *log.Entry
	channel    string
	bitrate    int
	port       io.ReadWriteCloser
	rxCallback epyq.FrameListener
	wg         sync.WaitGroup
}

func NewSlcanBus(channel string, bitrate int) (epyq.Bus, error) {
	if bitrate == 0 {
		bitrate = 500000
	}
	if _, ok := bitrateCommands[bitrate]; !ok {
		return nil, fmt.Errorf("unsupported slcan bitrate : %v", bitrate)
	}
	return &Bus{channel: channel, bitrate: bitrate, logger: log.WithField("service", "[SLCAN]")}, nil
}

// "Connect" implementation of Bus interface
func (b *Bus) Connect(...any) error {
	mode := &serial.Mode{
		BaudRate: serialBaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(b.channel, mode)
	if err != nil {
		return err
	}
	if err = port.SetReadTimeout(200 * time.Millisecond); err != nil {
		port.Close()
		return err
	}
	return b.open(port)
}

func (b *Bus) open(port io.ReadWriteCloser) error {
	// Close any previously opened channel, then configure and open
	for _, command := range []string{"C", bitrateCommands[b.bitrate], "O"} {
		if _, err := port.Write([]byte(command + "\r")); err != nil {
			port.Close()
			return err
		}
	}
	b.mu.Lock()
	b.port = port
	b.mu.Unlock()
	b.wg.Add(1)
	go b.handleReception(port)
	return nil
}

// "Disconnect" implementation of Bus interface
func (b *Bus) Disconnect() error {
	b.mu.Lock()
	port := b.port
	b.port = nil
	b.mu.Unlock()
	if port == nil {
		return nil
	}
	_, _ = port.Write([]byte("C\r"))
	err := port.Close()
	b.wg.Wait()
	return err
}

// "Send" implementation of Bus interface
func (b *Bus) Send(frame epyq.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.port == nil {
		return epyq.ErrBusClosed
	}
	_, err := b.port.Write([]byte(EncodeFrame(frame)))
	return err
}

// "Subscribe" implementation of Bus interface
func (b *Bus) Subscribe(rxCallback epyq.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rxCallback = rxCallback
	return nil
}

func (b *Bus) handleReception(port io.Reader) {
	defer b.wg.Done()
	reader := bufio.NewReader(port)
	var line strings.Builder
	for {
		c, err := reader.ReadByte()
		if err == io.EOF {
			// Read timeout on serial ports surfaces as a zero length read
			b.mu.Lock()
			closed := b.port == nil
			b.mu.Unlock()
			if closed {
				return
			}
			continue
		}
		if err != nil {
			b.logger.Debugf("reception stopped : %v", err)
			return
		}
		switch c {
		case '\r':
			text := line.String()
			line.Reset()
			if len(text) == 0 || (text[0] != 't' && text[0] != 'T') {
				// Acknowledges and status replies
				continue
			}
			frame, err := DecodeFrame(text)
			if err != nil {
				b.logger.Warnf("dropping %q : %v", text, err)
				continue
			}
			b.mu.Lock()
			callback := b.rxCallback
			b.mu.Unlock()
			if callback != nil {
				callback.Handle(frame)
			}
		case '\a':
			line.Reset()
			b.logger.Debug("adapter reported an error")
		default:
			line.WriteByte(c)
		}
	}
}

// EncodeFrame converts a frame to its ASCII representation, including the
// trailing carriage return
func EncodeFrame(frame epyq.Frame) string {
	var builder strings.Builder
	if frame.Extended {
		builder.WriteByte('T')
		builder.WriteString(fmt.Sprintf("%08X", frame.ID&epyq.CanEffMask))
	} else {
		builder.WriteByte('t')
		builder.WriteString(fmt.Sprintf("%03X", frame.ID&epyq.CanSffMask))
	}
	dlc := frame.DLC
	if dlc > 8 {
		dlc = 8
	}
	builder.WriteByte('0' + dlc)
	for i := uint8(0); i < dlc; i++ {
		builder.WriteString(fmt.Sprintf("%02X", frame.Data[i]))
	}
	builder.WriteByte('\r')
	return builder.String()
}

// DecodeFrame parses a received data frame line, without carriage return.
// An optional 4 digit timestamp suffix is ignored.
func DecodeFrame(line string) (epyq.Frame, error) {
	var frame epyq.Frame
	if len(line) < 1 {
		return frame, ErrBadLine
	}
	idLength := 3
	switch line[0] {
	case 't':
	case 'T':
		idLength = 8
		frame.Extended = true
	default:
		return frame, ErrBadLine
	}
	if len(line) < 1+idLength+1 {
		return frame, ErrBadLine
	}
	id, err := strconv.ParseUint(line[1:1+idLength], 16, 32)
	if err != nil {
		return frame, fmt.Errorf("%w: %v", ErrBadLine, err)
	}
	frame.ID = uint32(id)
	dlc := line[1+idLength] - '0'
	if dlc > 8 {
		return frame, ErrBadLine
	}
	frame.DLC = dlc
	data := line[2+idLength:]
	if len(data) != int(dlc)*2 && len(data) != int(dlc)*2+4 {
		return frame, ErrBadLine
	}
	for i := 0; i < int(dlc); i++ {
		value, err := strconv.ParseUint(data[2*i:2*i+2], 16, 8)
		if err != nil {
			return frame, fmt.Errorf("%w: %v", ErrBadLine, err)
		}
		frame.Data[i] = uint8(value)
	}
	return frame, nil
}
