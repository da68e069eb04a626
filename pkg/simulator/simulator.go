// Package simulator emulates an NV capable device on a CAN bus.
//
// The device answers parameter read and write requests and can emit its
// periodic status frame, so the protocol and the liveness monitor can be
// exercised without hardware.
package simulator

import (
	"sync"
	"time"

	epyq "github.com/epcpower/goepyq"
	"github.com/epcpower/goepyq/pkg/matrix"
	"github.com/epcpower/goepyq/pkg/nodeid"
	"github.com/epcpower/goepyq/pkg/nv"
	log "github.com/sirupsen/logrus"
)

// Request as decoded by the simulated device
type Request struct {
	Mux   uint32
	Meta  nv.Meta
	Write bool
}

// DropFunc returns true when the device should ignore a request
type DropFunc func(Request) bool

type Device struct {
	mu       sync.Mutex
	logger   *log.Entry
	bm       *epyq.BusManager
	matrix   *matrix.Matrix
	config   nv.Configuration
	ids      nodeid.Bound
	store    *nv.Tree
	drop     DropFunc
	delay    time.Duration
	requests []Request
	rxCancel func()

	monitor       *matrix.Frame
	monitorValues map[string]float64
	monitorStop   chan struct{}
}

// New attaches a simulated device to bus, the bus is connected by New
// ids must describe the device as seen by the controller.
func New(bus epyq.Bus, m *matrix.Matrix, config nv.Configuration, ids nodeid.Bound, logger *log.Entry) (*Device, error) {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	logger = logger.WithField("service", "[SIM]")
	store, err := nv.NewTree(m, config, nil, logger)
	if err != nil {
		return nil, err
	}
	set, err := m.FrameByName(config.SetFrame)
	if err != nil {
		return nil, err
	}
	d := &Device{
		logger:        logger,
		bm:            epyq.NewBusManager(bus, logger),
		matrix:        m,
		config:        config,
		ids:           ids,
		store:         store,
		monitorValues: make(map[string]float64),
	}
	if err := d.bm.Connect(); err != nil {
		return nil, err
	}
	d.rxCancel, err = d.bm.Subscribe(ids.ToDevice(set.ID), set.Extended, d)
	if err != nil {
		return nil, err
	}
	// Zero is the power up value of every meta
	for _, p := range store.Parameters() {
		for _, meta := range nv.Metas {
			store.ApplyStatus(p, meta, 0)
		}
	}
	return d, nil
}

// Set stores a meta value of a parameter
func (d *Device) Set(name string, meta nv.Meta, value float64) error {
	p, err := d.store.ByName(name)
	if err != nil {
		return err
	}
	d.store.ApplyStatus(p, meta, value)
	return nil
}

func (d *Device) Get(name string, meta nv.Meta) (float64, error) {
	p, err := d.store.ByName(name)
	if err != nil {
		return 0, err
	}
	value, _ := d.store.Get(p, meta)
	return value, nil
}

// SetDrop installs a filter of requests left unanswered
func (d *Device) SetDrop(drop DropFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.drop = drop
}

// SetDelay postpones every answer
func (d *Device) SetDelay(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delay = delay
}

// Requests returns the requests received so far
func (d *Device) Requests() []Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Request{}, d.requests...)
}

// Handle parameter requests
func (d *Device) Handle(frame epyq.Frame) {
	definition, values, err := d.matrix.DecodeAs(d.config.SetFrame, frame.Payload())
	if err != nil {
		d.logger.Debugf("ignoring %v : %v", frame, err)
		return
	}
	request := Request{Meta: nv.Meta(values[d.config.MetaSignal])}
	if definition.MultiplexerValue != nil {
		request.Mux = *definition.MultiplexerValue
	}
	request.Write = d.config.ReadWriteSignal != "" && values[d.config.ReadWriteSignal] == 0

	d.mu.Lock()
	d.requests = append(d.requests, request)
	drop := d.drop
	delay := d.delay
	d.mu.Unlock()

	if !request.Meta.Valid() || (drop != nil && drop(request)) {
		d.logger.Debugf("dropping %+v", request)
		return
	}
	if request.Write {
		written := make(map[*nv.Parameter]float64)
		for p, value := range d.store.Matching(values) {
			lo, hi := d.limits(p, request.Meta)
			written[p] = min(max(value, lo), hi)
		}
		d.store.ApplyStatusValues(request.Meta, written)
	}
	if delay > 0 {
		time.AfterFunc(delay, func() { d.respond(request) })
		return
	}
	d.respond(request)
}

// limits a written meta is clamped to, the stored minimum and maximum
// when they describe a range, else the signal limits
func (d *Device) limits(p *nv.Parameter, meta nv.Meta) (float64, float64) {
	lo, hi := p.Set.Limits()
	if meta == nv.Minimum || meta == nv.Maximum {
		return lo, hi
	}
	minimum, _ := d.store.Get(p, nv.Minimum)
	maximum, _ := d.store.Get(p, nv.Maximum)
	if maximum > minimum {
		return max(lo, minimum), min(hi, maximum)
	}
	return lo, hi
}

func (d *Device) respond(request Request) {
	status, err := d.matrix.Variant(d.config.StatusFrame, request.Mux)
	if err != nil {
		status, err = d.matrix.FrameByName(d.config.StatusFrame)
		if err != nil {
			d.logger.Warnf("no status frame for mux %v", request.Mux)
			return
		}
	}
	values, _ := d.store.GroupValues(request.Mux, request.Meta)
	values[d.config.MetaSignal] = float64(request.Meta)
	payload, err := status.PackClamped(values)
	if err != nil {
		d.logger.Warnf("packing %v : %v", status, err)
		return
	}
	frame := epyq.NewFrame(d.ids.FromDevice(status.ID), status.Extended, status.Length)
	copy(frame.Data[:], payload)
	if err := d.bm.Send(frame); err != nil {
		d.logger.Warnf("answering %+v : %v", request, err)
	}
}

// SetMonitorSignal sets a signal of the periodic status frame
func (d *Device) SetMonitorSignal(name string, value float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.monitorValues[name] = value
}

// StartMonitor emits the named frame at its cycle time (100ms when unset)
func (d *Device) StartMonitor(name string) error {
	frame, err := d.matrix.FrameByName(name)
	if err != nil {
		return err
	}
	cycle := frame.CycleTime
	if cycle <= 0 {
		cycle = 100 * time.Millisecond
	}
	d.StopMonitor()
	d.mu.Lock()
	d.monitor = frame
	stop := make(chan struct{})
	d.monitorStop = stop
	d.mu.Unlock()

	go func() {
		ticker := time.NewTicker(cycle)
		defer ticker.Stop()
		for {
			d.sendMonitor()
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
		}
	}()
	return nil
}

func (d *Device) sendMonitor() {
	d.mu.Lock()
	frame := d.monitor
	values := make(map[string]float64, len(d.monitorValues))
	for name, value := range d.monitorValues {
		if _, err := frame.Signal(name); err == nil {
			values[name] = value
		}
	}
	d.mu.Unlock()
	payload, err := frame.PackClamped(values)
	if err != nil {
		d.logger.Warnf("packing %v : %v", frame, err)
		return
	}
	out := epyq.NewFrame(d.ids.FromDevice(frame.ID), frame.Extended, frame.Length)
	copy(out.Data[:], payload)
	if err := d.bm.Send(out); err != nil {
		d.logger.Debugf("monitor frame : %v", err)
	}
}

func (d *Device) StopMonitor() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.monitorStop != nil {
		close(d.monitorStop)
		d.monitorStop = nil
	}
}

// Close stops the device and disconnects its bus
func (d *Device) Close() error {
	d.StopMonitor()
	if d.rxCancel != nil {
		d.rxCancel()
	}
	return d.bm.Disconnect()
}
