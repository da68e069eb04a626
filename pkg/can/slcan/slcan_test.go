package slcan

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"

	epyq "github.com/epcpower/goepyq"
	"github.com/stretchr/testify/assert"
)

func TestEncodeFrame(t *testing.T) {
	assert.Equal(t, "t1232AABB\r", EncodeFrame(epyq.Frame{ID: 0x123, DLC: 2, Data: [8]byte{0xAA, 0xBB}}))
	assert.Equal(t, "T18EF41F70\r", EncodeFrame(epyq.Frame{ID: 0x18EF41F7, Extended: true}))
}

func TestDecodeFrame(t *testing.T) {
	frame, err := DecodeFrame("t1232AABB")
	assert.Nil(t, err)
	assert.Equal(t, epyq.Frame{ID: 0x123, DLC: 2, Data: [8]byte{0xAA, 0xBB}}, frame)

	// With timestamp
	frame, err = DecodeFrame("T18EF41F7101FFFF")
	assert.Nil(t, err)
	assert.True(t, frame.Extended)
	assert.EqualValues(t, 0x18EF41F7, frame.ID)
	assert.EqualValues(t, 0x01, frame.Data[0])

	for _, bad := range []string{"", "x123", "t12", "t1239", "t1232AAB", "t12G1AA"} {
		_, err = DecodeFrame(bad)
		assert.ErrorIs(t, err, ErrBadLine, bad)
	}
}

type fakePort struct {
	mu      sync.Mutex
	written bytes.Buffer
	reader  *io.PipeReader
	writer  *io.PipeWriter
}

func newFakePort() *fakePort {
	r, w := io.Pipe()
	return &fakePort{reader: r, writer: w}
}

func (p *fakePort) Read(b []byte) (int, error) { return p.reader.Read(b) }
func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}
func (p *fakePort) Close() error { return p.reader.Close() }
func (p *fakePort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

func TestBusOverPort(t *testing.T) {
	bus, err := NewSlcanBus("fake", 250000)
	assert.Nil(t, err)
	slcan := bus.(*Bus)
	port := newFakePort()
	received := make(chan epyq.Frame, 1)
	assert.Nil(t, slcan.Subscribe(epyq.FrameListenerFunc(func(f epyq.Frame) { received <- f })))
	assert.Nil(t, slcan.open(port))
	assert.Equal(t, "C\rS5\rO\r", port.Written())

	assert.Nil(t, slcan.Send(epyq.Frame{ID: 0x100, DLC: 1, Data: [8]byte{0x08}}))
	assert.Contains(t, port.Written(), "t100108\r")

	go port.writer.Write([]byte("\rt2001FF\r"))
	select {
	case frame := <-received:
		assert.EqualValues(t, 0x200, frame.ID)
		assert.EqualValues(t, 0xFF, frame.Data[0])
	case <-time.After(time.Second):
		t.Fatal("no frame received")
	}
	assert.Nil(t, slcan.Disconnect())
}

func TestUnsupportedBitrate(t *testing.T) {
	_, err := NewSlcanBus("fake", 33333)
	assert.NotNil(t, err)
}
