package protocol

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	epyq "github.com/epcpower/goepyq"
	"github.com/epcpower/goepyq/internal/demo"
	"github.com/epcpower/goepyq/pkg/can/loopback"
	"github.com/epcpower/goepyq/pkg/nodeid"
	"github.com/epcpower/goepyq/pkg/nv"
	"github.com/epcpower/goepyq/pkg/simulator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 100 * time.Millisecond

var testIDs = nodeid.Bound{Adjust: nodeid.J1939Adjust, DeviceID: 9, ControllerID: nodeid.DefaultControllerID}

type fixture struct {
	hub    *loopback.Hub
	bm     *epyq.BusManager
	tree   *nv.Tree
	proto  *Protocol
	device *simulator.Device
}

func newFixture(t *testing.T, options Options) *fixture {
	hub := loopback.NewHub()
	device, err := simulator.New(hub.NewBus(), demo.Matrix(), nv.DefaultConfiguration(), testIDs, nil)
	require.NoError(t, err)

	m := demo.Matrix()
	tree, err := nv.NewTree(m, nv.DefaultConfiguration(), nil, nil)
	require.NoError(t, err)
	bm := epyq.NewBusManager(hub.NewBus(), nil)
	require.NoError(t, bm.Connect())
	if options.Timeout == 0 {
		options.Timeout = testTimeout
	}
	options.IDs = testIDs
	proto, err := New(bm, m, tree, options, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		proto.Close()
		bm.Disconnect()
		device.Close()
	})
	return &fixture{hub: hub, bm: bm, tree: tree, proto: proto, device: device}
}

func (f *fixture) param(t *testing.T, name string) *nv.Parameter {
	p, err := f.tree.ByName(name)
	require.NoError(t, err)
	return p
}

func wait[T any](t *testing.T, result interface {
	Wait(context.Context) (T, error)
}) (T, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	value, err := result.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return value, err
}

func TestRead(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.device.Set("CurrentLimit", nv.Value, 120))
	require.NoError(t, f.device.Set("DroopEnabled", nv.Value, 1))
	limit := f.param(t, "CurrentLimit")

	value, err := wait[float64](t, f.proto.Read(limit, nv.Value))
	assert.Nil(t, err)
	assert.EqualValues(t, 120, value)

	// The whole group is updated by the response
	droop, ok := f.tree.Get(f.param(t, "DroopEnabled"), nv.Value)
	assert.True(t, ok)
	assert.EqualValues(t, 1, droop)
	assert.Equal(t, 0, f.proto.Pending())
	assert.Equal(t, []simulator.Request{{Mux: 2, Meta: nv.Value}}, f.device.Requests())
}

func TestReadMetas(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.device.Set("GridFrequency", nv.Minimum, 47.5))
	require.NoError(t, f.device.Set("GridFrequency", nv.Maximum, 62.5))
	frequency := f.param(t, "GridFrequency")

	lo := f.proto.Read(frequency, nv.Minimum)
	hi := f.proto.Read(frequency, nv.Maximum)
	value, err := wait[float64](t, lo)
	assert.Nil(t, err)
	assert.InDelta(t, 47.5, value, 0.005)
	value, err = wait[float64](t, hi)
	assert.Nil(t, err)
	assert.InDelta(t, 62.5, value, 0.005)
}

func TestReadTimeoutIgnoresLateResponse(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.device.Set("GridVoltage", nv.Value, 230))
	f.device.SetDelay(3 * testTimeout)
	voltage := f.param(t, "GridVoltage")

	start := time.Now()
	result := f.proto.Read(voltage, nv.Value)
	_, err := wait[float64](t, result)
	assert.ErrorIs(t, err, epyq.ErrRequestTimeout)
	assert.True(t, epyq.IsExpected(err))
	assert.GreaterOrEqual(t, time.Since(start), testTimeout)
	assert.Equal(t, 0, f.proto.Pending())

	// The late response is still telemetry for the tree
	assert.Eventually(t, func() bool {
		value, ok := f.tree.Get(voltage, nv.Value)
		return ok && value > 229
	}, time.Second, 10*time.Millisecond)
	_, err = result.Result()
	assert.ErrorIs(t, err, epyq.ErrRequestTimeout)
}

func TestReadRetries(t *testing.T) {
	f := newFixture(t, Options{Retries: 2})
	var dropped atomic.Int32
	f.device.SetDrop(func(simulator.Request) bool { return dropped.Add(1) <= 2 })
	require.NoError(t, f.device.Set("CurrentLimit", nv.Value, 7))

	value, err := wait[float64](t, f.proto.Read(f.param(t, "CurrentLimit"), nv.Value))
	assert.Nil(t, err)
	assert.EqualValues(t, 7, value)
	assert.Len(t, f.device.Requests(), 3)
}

func TestWriteReadsUnknownSiblingsFirst(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.device.Set("DroopEnabled", nv.Value, 1))
	require.NoError(t, f.device.Set("Calibration", nv.Value, -2.5))

	value, err := wait[float64](t, f.proto.Write(f.param(t, "CurrentLimit"), nv.Value, 250))
	assert.Nil(t, err)
	assert.EqualValues(t, 250, value)

	assert.Equal(t, []simulator.Request{
		{Mux: 2, Meta: nv.Value},
		{Mux: 2, Meta: nv.Value, Write: true},
	}, f.device.Requests())
	written, _ := f.device.Get("CurrentLimit", nv.Value)
	assert.EqualValues(t, 250, written)
	droop, _ := f.device.Get("DroopEnabled", nv.Value)
	assert.EqualValues(t, 1, droop)
	calibration, _ := f.device.Get("Calibration", nv.Value)
	assert.InDelta(t, -2.5, calibration, 0.001)

	// Siblings are now known, the next write goes out directly
	_, err = wait[float64](t, f.proto.Write(f.param(t, "CurrentLimit"), nv.Value, 300))
	assert.Nil(t, err)
	assert.Len(t, f.device.Requests(), 3)
}

func TestWriteRejected(t *testing.T) {
	f := newFixture(t, Options{})
	limit := f.param(t, "CurrentLimit")

	_, err := wait[float64](t, f.proto.Write(limit, nv.Value, 600))
	assert.ErrorIs(t, err, epyq.ErrRange)

	f.tree.ApplyStatus(limit, nv.Minimum, 10)
	f.tree.ApplyStatus(limit, nv.Maximum, 100)
	_, err = wait[float64](t, f.proto.Write(limit, nv.Value, 200))
	assert.ErrorIs(t, err, epyq.ErrRange)
	assert.Empty(t, f.device.Requests())

	for _, p := range f.tree.Group(2) {
		f.tree.ApplyStatus(p, nv.Value, 0)
	}
	f.bm.SetTransmit(false)
	_, err = wait[float64](t, f.proto.Write(limit, nv.Value, 50))
	assert.ErrorIs(t, err, epyq.ErrSendFailed)
	assert.ErrorIs(t, err, epyq.ErrTxDisabled)
	assert.Equal(t, 0, f.proto.Pending())
}

func TestWriteClampedByDevice(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.device.Set("CurrentLimit", nv.Minimum, 10))
	require.NoError(t, f.device.Set("CurrentLimit", nv.Maximum, 100))
	limit := f.param(t, "CurrentLimit")
	for _, p := range f.tree.Group(2) {
		f.tree.ApplyStatus(p, nv.Value, 0)
	}

	value, err := wait[float64](t, f.proto.Write(limit, nv.Value, 200))
	assert.ErrorIs(t, err, epyq.ErrWriteMismatch)
	var mismatch Mismatch
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, limit, mismatch.Parameter)
	assert.EqualValues(t, 200, mismatch.Written)
	assert.EqualValues(t, 100, mismatch.Echoed)
	assert.EqualValues(t, 0, value)
	stored, _ := f.tree.Get(limit, nv.Value)
	assert.EqualValues(t, 100, stored)

	value, err = wait[float64](t, f.proto.Write(limit, nv.Value, 80))
	assert.Nil(t, err)
	assert.EqualValues(t, 80, value)
}

func TestReadMultiplePartial(t *testing.T) {
	f := newFixture(t, Options{})
	f.device.SetDrop(func(r simulator.Request) bool { return r.Mux == 2 })
	require.NoError(t, f.device.Set("GridVoltage", nv.Value, 480))

	voltage, limit, droop := f.param(t, "GridVoltage"), f.param(t, "CurrentLimit"), f.param(t, "DroopEnabled")
	result, err := wait[MultipleResult](t, f.proto.ReadMultiple([]*nv.Parameter{voltage, limit, droop}, nv.Value))
	assert.Nil(t, err)
	assert.Len(t, result.Values, 1)
	assert.InDelta(t, 480, result.Values[voltage], 0.05)
	assert.Len(t, result.Failed, 2)
	assert.ErrorIs(t, result.Failed[limit], epyq.ErrRequestTimeout)
	assert.ErrorIs(t, result.Failed[droop], epyq.ErrRequestTimeout)
}

func TestWriteAllReportsFailures(t *testing.T) {
	f := newFixture(t, Options{})
	f.device.SetDrop(func(r simulator.Request) bool { return r.Write && r.Mux == 2 })
	values := map[string]float64{
		"GridVoltage": 400, "GridFrequency": 60,
		"CurrentLimit": 100, "DroopEnabled": 1, "Calibration": 0.5,
	}
	for name, value := range values {
		require.NoError(t, f.tree.SetMeta(f.param(t, name), nv.Value, value, true))
	}

	var mu sync.Mutex
	var progress []Progress
	result, err := wait[BulkResult](t, f.proto.WriteAll(BulkOptions{Progress: func(p Progress) {
		mu.Lock()
		defer mu.Unlock()
		progress = append(progress, p)
	}}))
	assert.Nil(t, err)
	assert.Equal(t, 1, result.Completed)
	require.Len(t, result.Failures, 1)
	assert.EqualValues(t, 2, result.Failures[0].Mux)
	assert.Len(t, result.Failures[0].Parameters, 3)
	assert.ErrorIs(t, result.Err(), epyq.ErrRequestTimeout)

	voltage, _ := f.device.Get("GridVoltage", nv.Value)
	assert.InDelta(t, 400, voltage, 0.05)
	frequency, _ := f.device.Get("GridFrequency", nv.Value)
	assert.InDelta(t, 60, frequency, 0.005)
	limit, _ := f.device.Get("CurrentLimit", nv.Value)
	assert.EqualValues(t, 0, limit)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, progress, 2)
	assert.Equal(t, 2, progress[1].Total)
	assert.Nil(t, progress[0].Err)
	assert.Error(t, progress[1].Err)
	assert.False(t, f.tree.IsDirty(f.param(t, "GridVoltage"), nv.Value))
	assert.True(t, f.tree.IsDirty(f.param(t, "CurrentLimit"), nv.Value))
}

func TestReadAll(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.device.Set("CurrentLimit", nv.Maximum, 450))
	require.NoError(t, f.device.Set("CurrentLimit", nv.FactoryDefault, 200))

	var steps atomic.Int32
	result, err := wait[BulkResult](t, f.proto.ReadAll(BulkOptions{Progress: func(Progress) { steps.Add(1) }}))
	assert.Nil(t, err)
	assert.Equal(t, 10, result.Completed)
	assert.Nil(t, result.Err())
	assert.EqualValues(t, 10, steps.Load())

	limit := f.param(t, "CurrentLimit")
	maximum, ok := f.tree.Get(limit, nv.Maximum)
	assert.True(t, ok)
	assert.EqualValues(t, 450, maximum)
	assert.EqualValues(t, 200, result.Values[nv.FactoryDefault][limit])

	only, err := wait[BulkResult](t, f.proto.ReadAll(BulkOptions{
		Metas: []nv.Meta{nv.Value},
		Only:  []*nv.Parameter{limit},
	}))
	assert.Nil(t, err)
	assert.Equal(t, 1, only.Completed)
}

func TestCancel(t *testing.T) {
	f := newFixture(t, Options{Timeout: time.Hour})
	f.device.SetDrop(func(simulator.Request) bool { return true })
	limit := f.param(t, "CurrentLimit")

	read := f.proto.Read(limit, nv.Value)
	assert.Equal(t, 1, f.proto.Pending())
	read.Cancel()
	_, err := wait[float64](t, read)
	assert.ErrorIs(t, err, epyq.ErrCanceled)
	assert.Equal(t, 0, f.proto.Pending())

	first := f.proto.Read(limit, nv.Value)
	second := f.proto.Read(limit, nv.Minimum)
	f.proto.CancelAll()
	_, err = wait[float64](t, first)
	assert.ErrorIs(t, err, epyq.ErrCanceled)
	_, err = wait[float64](t, second)
	assert.ErrorIs(t, err, epyq.ErrCanceled)

	bulk := f.proto.ReadAll(BulkOptions{})
	assert.Eventually(t, func() bool { return f.proto.Pending() == 1 }, time.Second, time.Millisecond)
	bulk.Cancel()
	_, err = wait[BulkResult](t, bulk)
	assert.ErrorIs(t, err, epyq.ErrCanceled)
	assert.Eventually(t, func() bool { return f.proto.Pending() == 0 }, time.Second, time.Millisecond)
}

func TestUnsolicitedStatus(t *testing.T) {
	f := newFixture(t, Options{})
	sender := f.hub.NewBus()
	require.NoError(t, sender.Connect())
	defer sender.Disconnect()

	m := demo.Matrix()
	status, err := m.Variant(demo.StatusFrame, 1)
	require.NoError(t, err)
	payload, err := status.Pack(map[string]float64{"Meta": float64(nv.UserDefault), "GridVoltage": 240})
	require.NoError(t, err)
	frame := epyq.NewFrame(testIDs.FromDevice(demo.StatusID), true, 8)
	copy(frame.Data[:], payload)

	// Malformed frames are dropped
	short := epyq.NewFrame(frame.ID, true, 3)
	require.NoError(t, sender.Send(short))
	require.NoError(t, sender.Send(frame))

	voltage := f.param(t, "GridVoltage")
	assert.Eventually(t, func() bool {
		value, ok := f.tree.Get(voltage, nv.UserDefault)
		return ok && value > 239
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, f.proto.Pending())
}
