package simulator

import (
	"testing"
	"time"

	epyq "github.com/epcpower/goepyq"
	"github.com/epcpower/goepyq/internal/demo"
	"github.com/epcpower/goepyq/pkg/can/loopback"
	"github.com/epcpower/goepyq/pkg/matrix"
	"github.com/epcpower/goepyq/pkg/nodeid"
	"github.com/epcpower/goepyq/pkg/nv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testIDs = nodeid.Bound{Adjust: nodeid.J1939Adjust, DeviceID: 9, ControllerID: nodeid.DefaultControllerID}

type controller struct {
	m      *matrix.Matrix
	bm     *epyq.BusManager
	device *Device
	frames chan epyq.Frame
}

func newController(t *testing.T, id uint32) *controller {
	hub := loopback.NewHub()
	device, err := New(hub.NewBus(), demo.Matrix(), nv.DefaultConfiguration(), testIDs, nil)
	require.NoError(t, err)
	bm := epyq.NewBusManager(hub.NewBus(), nil)
	require.NoError(t, bm.Connect())
	c := &controller{m: demo.Matrix(), bm: bm, device: device, frames: make(chan epyq.Frame, 16)}
	_, err = bm.Subscribe(testIDs.FromDevice(id), true, epyq.FrameListenerFunc(func(frame epyq.Frame) {
		c.frames <- frame
	}))
	require.NoError(t, err)
	t.Cleanup(func() {
		bm.Disconnect()
		device.Close()
	})
	return c
}

func (c *controller) request(t *testing.T, mux uint32, meta nv.Meta, write bool, values map[string]float64) {
	set, err := c.m.Variant(demo.SetFrame, mux)
	require.NoError(t, err)
	if values == nil {
		values = map[string]float64{}
	}
	values["Meta"] = float64(meta)
	values["ReadParam_command"] = 1
	if write {
		values["ReadParam_command"] = 0
	}
	payload, err := set.Pack(values)
	require.NoError(t, err)
	frame := epyq.NewFrame(testIDs.ToDevice(set.ID), true, set.Length)
	copy(frame.Data[:], payload)
	require.NoError(t, c.bm.Send(frame))
}

func (c *controller) receive(t *testing.T) (epyq.Frame, bool) {
	select {
	case frame := <-c.frames:
		return frame, true
	case <-time.After(200 * time.Millisecond):
		return epyq.Frame{}, false
	}
}

func TestWriteThenRead(t *testing.T) {
	c := newController(t, demo.StatusID)
	c.request(t, 2, nv.Value, true, map[string]float64{"CurrentLimit": 450, "DroopEnabled": 1})
	frame, ok := c.receive(t)
	require.True(t, ok)
	assert.EqualValues(t, 0x18EE4109, frame.ID)

	status, values, err := c.m.DecodeAs(demo.StatusFrame, frame.Payload())
	require.NoError(t, err)
	assert.EqualValues(t, 2, *status.MultiplexerValue)
	assert.EqualValues(t, 450, values["CurrentLimit"])
	assert.EqualValues(t, 1, values["DroopEnabled"])

	stored, err := c.device.Get("CurrentLimit", nv.Value)
	assert.Nil(t, err)
	assert.EqualValues(t, 450, stored)
	unchanged, _ := c.device.Get("CurrentLimit", nv.UserDefault)
	assert.EqualValues(t, 0, unchanged)

	c.request(t, 2, nv.Value, false, nil)
	frame, ok = c.receive(t)
	require.True(t, ok)
	_, values, err = c.m.DecodeAs(demo.StatusFrame, frame.Payload())
	require.NoError(t, err)
	assert.EqualValues(t, 450, values["CurrentLimit"])

	requests := c.device.Requests()
	assert.Equal(t, []Request{{Mux: 2, Meta: nv.Value, Write: true}, {Mux: 2, Meta: nv.Value}}, requests)
}

func TestDrop(t *testing.T) {
	c := newController(t, demo.StatusID)
	c.device.SetDrop(func(r Request) bool { return r.Mux == 1 })
	c.request(t, 1, nv.Value, false, nil)
	_, ok := c.receive(t)
	assert.False(t, ok)

	c.request(t, 2, nv.Maximum, false, nil)
	frame, ok := c.receive(t)
	require.True(t, ok)
	_, values, err := c.m.DecodeAs(demo.StatusFrame, frame.Payload())
	require.NoError(t, err)
	assert.EqualValues(t, nv.Maximum, values["Meta"])
}

func TestUnknownParameter(t *testing.T) {
	c := newController(t, demo.StatusID)
	assert.ErrorIs(t, c.device.Set("Missing", nv.Value, 1), epyq.ErrNotFound)
}

func TestMonitor(t *testing.T) {
	c := newController(t, demo.MonitorID)
	c.device.SetMonitorSignal("Recording", 1)
	require.NoError(t, c.device.StartMonitor(demo.MonitorFrame))
	for i := 0; i < 2; i++ {
		frame, ok := c.receive(t)
		require.True(t, ok)
		assert.EqualValues(t, 0x18FF0009, frame.ID)
		assert.EqualValues(t, 0x08, frame.Data[0])
	}
	c.device.StopMonitor()
	time.Sleep(20 * time.Millisecond)
	for len(c.frames) > 0 {
		<-c.frames
	}
	_, ok := c.receive(t)
	assert.False(t, ok)
}
