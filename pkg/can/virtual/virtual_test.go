package virtual

import (
	"bytes"
	"net"
	"sync"
	"testing"
	"time"

	epyq "github.com/epcpower/goepyq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// broker relays every message to every other client
func broker(t *testing.T) string {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var mu sync.Mutex
	var clients []net.Conn
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			clients = append(clients, conn)
			mu.Unlock()
			go func() {
				for {
					frame, err := readFrame(conn)
					if err != nil {
						return
					}
					mu.Lock()
					for _, c := range clients {
						if c != conn {
							c.Write(serializeFrame(frame))
						}
					}
					mu.Unlock()
				}
			}()
		}
	}()
	t.Cleanup(func() {
		listener.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range clients {
			c.Close()
		}
	})
	return listener.Addr().String()
}

type frameReceiver struct {
	mu     sync.Mutex
	frames []epyq.Frame
}

func (r *frameReceiver) Handle(frame epyq.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
}

func (r *frameReceiver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func newVcan(t *testing.T, channel string) *Bus {
	bus, err := NewVirtualCanBus(channel, 0)
	require.NoError(t, err)
	vcan := bus.(*Bus)
	require.NoError(t, vcan.Connect())
	t.Cleanup(func() { vcan.Disconnect() })
	return vcan
}

func TestSerialization(t *testing.T) {
	frame := epyq.Frame{ID: 0x18EF0941, Extended: true, DLC: 8, Data: [8]byte{0, 1, 2, 3, 4, 5, 6, 7}}
	serialized := serializeFrame(frame)
	assert.Len(t, serialized, 18)
	assert.Equal(t, []byte{0, 0, 0, 14, 0x98, 0xEF, 0x09, 0x41, 0, 8}, serialized[:10])
	decoded, err := readFrame(bytes.NewReader(serialized))
	assert.Nil(t, err)
	assert.Equal(t, frame, decoded)

	_, err = deserializeFrame([]byte{1, 2})
	assert.ErrorIs(t, err, ErrBadLength)
}

func TestSendAndSubscribe(t *testing.T) {
	channel := broker(t)
	vcan1 := newVcan(t, channel)
	vcan2 := newVcan(t, channel)
	receiver := &frameReceiver{}
	require.NoError(t, vcan2.Subscribe(receiver))
	// Let the broker register both clients
	time.Sleep(50 * time.Millisecond)

	frame := epyq.Frame{ID: 0x111, DLC: 8, Data: [8]byte{0, 1, 2, 3, 4, 5, 6, 7}}
	for i := 0; i < 10; i++ {
		frame.Data[0] = uint8(i)
		assert.Nil(t, vcan1.Send(frame))
	}
	assert.Eventually(t, func() bool { return receiver.Len() == 10 }, time.Second, 10*time.Millisecond)
	receiver.mu.Lock()
	defer receiver.mu.Unlock()
	for i, frame := range receiver.frames {
		assert.EqualValues(t, 0x111, frame.ID)
		assert.EqualValues(t, i, frame.Data[0])
	}
}

func TestReceiveOwn(t *testing.T) {
	vcan := newVcan(t, broker(t))
	receiver := &frameReceiver{}
	require.NoError(t, vcan.Subscribe(receiver))
	frame := epyq.Frame{ID: 0x111, DLC: 8}
	assert.Nil(t, vcan.Send(frame))
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, receiver.Len())

	vcan.SetReceiveOwn(true)
	assert.Nil(t, vcan.Send(frame))
	assert.Equal(t, 1, receiver.Len())
}

func TestDisconnected(t *testing.T) {
	bus, _ := NewVirtualCanBus("127.0.0.1:1", 0)
	assert.ErrorIs(t, bus.Send(epyq.Frame{}), epyq.ErrBusClosed)
	assert.Nil(t, bus.Disconnect())
}
