// Package device ties the NV stack of one device together.
//
// A [Device] owns the parameter tree and protocol of a device, keeps
// watched parameters refreshed through two polling sets and follows the
// liveness of the device to refresh parameter limits when it shows up.
package device

import (
	"errors"
	"fmt"
	"sync"

	epyq "github.com/epcpower/goepyq"
	"github.com/epcpower/goepyq/pkg/canlog"
	"github.com/epcpower/goepyq/pkg/config"
	"github.com/epcpower/goepyq/pkg/extension"
	"github.com/epcpower/goepyq/pkg/future"
	"github.com/epcpower/goepyq/pkg/loopingset"
	"github.com/epcpower/goepyq/pkg/matrix"
	"github.com/epcpower/goepyq/pkg/monitor"
	"github.com/epcpower/goepyq/pkg/nodeid"
	"github.com/epcpower/goepyq/pkg/nv"
	"github.com/epcpower/goepyq/pkg/protocol"
	log "github.com/sirupsen/logrus"
)

type Options struct {
	Session *config.Session
	// Loaded from the session can_path when nil
	Matrix *matrix.Matrix
	// Loaded from the session parameter_hierarchy when nil, optional
	Hierarchy *nv.Hierarchy
	Logger    *log.Entry
}

type watch struct {
	param *nv.Parameter
	onTab bool
}

type Device struct {
	mu         sync.Mutex
	logger     *log.Entry
	session    *config.Session
	bm         *epyq.BusManager
	matrix     *matrix.Matrix
	ids        nodeid.Bound
	tree       *nv.Tree
	proto      *protocol.Protocol
	visible    *loopingset.LoopingSet
	tab        *loopingset.LoopingSet
	monitor    *monitor.FrameTimeout
	log        *canlog.Log
	logCancel  func()
	stCancel   func()
	extension  extension.Extension
	watches    map[any]watch
	reads      map[uint32]func() future.Waiter
	nvTab      bool
	terminated bool
}

// New builds a device session on top of bm
// The bus manager is not connected by New.
func New(bm *epyq.BusManager, options Options) (*Device, error) {
	if bm == nil || options.Session == nil {
		return nil, epyq.ErrIllegalArgument
	}
	logger := options.Logger
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	s := options.Session
	logger = logger.WithField("service", "[DEV]")
	if s.Device.Name != "" {
		logger = logger.WithField("device", s.Device.Name)
	}

	m := options.Matrix
	if m == nil {
		if s.Device.CanPath == "" {
			return nil, fmt.Errorf("%w: no can_path in session", epyq.ErrIllegalArgument)
		}
		loaded, err := matrix.LoadDBC(s.Resolve(s.Device.CanPath))
		if err != nil {
			return nil, err
		}
		m = loaded
	}
	hierarchy := options.Hierarchy
	if hierarchy == nil && s.Device.ParameterHierarchy != "" {
		loaded, err := nv.LoadHierarchy(s.Resolve(s.Device.ParameterHierarchy))
		if err != nil {
			return nil, err
		}
		hierarchy = loaded
	}
	ids, err := s.IDs()
	if err != nil {
		return nil, err
	}
	ext, err := extension.New(s.Device.Extension)
	if err != nil {
		return nil, err
	}
	tree, err := nv.NewTree(m, s.NV.Configuration, hierarchy, logger)
	if err != nil {
		return nil, err
	}
	proto, err := protocol.New(bm, m, tree, protocol.Options{Timeout: s.NV.Timeout, Retries: s.NV.Retries, IDs: ids}, logger)
	if err != nil {
		return nil, err
	}

	d := &Device{
		logger:    logger,
		session:   s,
		bm:        bm,
		matrix:    m,
		ids:       ids,
		tree:      tree,
		proto:     proto,
		visible:   loopingset.New("visible", logger),
		tab:       loopingset.New("tab", logger),
		log:       canlog.New(s.Device.Name, canlog.DefaultCapacity, logger),
		extension: ext,
		watches:   make(map[any]watch),
		reads:     make(map[uint32]func() future.Waiter),
	}
	d.logCancel = bm.SubscribeAll(d.log)

	frame, err := m.FrameByName(s.Monitor.Frame)
	if err != nil {
		logger.Warnf("no liveness monitoring : %v", err)
	} else {
		mc := s.MonitorConfig()
		mc.ID = ids.FromDevice(frame.ID)
		mc.Extended = frame.Extended
		mc.Length = frame.Length
		mc.Cycle = frame.CycleTime
		d.monitor = monitor.New(bm, mc, logger)
		d.monitor.OnEvent(func(event uint8) {
			if event == monitor.EventFound {
				d.ReadLimits()
			}
		})
	}
	d.stCancel = bm.OnStatus(func(online bool, transmit bool) {
		d.ReadLimits()
	})

	if d.monitor != nil {
		if err := d.monitor.Start(); err != nil {
			d.Terminate()
			return nil, err
		}
	}
	d.visible.Start()
	if err := ext.PostInit(); err != nil {
		d.Terminate()
		return nil, err
	}
	return d, nil
}

func (d *Device) Session() *config.Session {
	return d.session
}

func (d *Device) Matrix() *matrix.Matrix {
	return d.matrix
}

func (d *Device) IDs() nodeid.Bound {
	return d.ids
}

func (d *Device) Tree() *nv.Tree {
	return d.tree
}

func (d *Device) Protocol() *protocol.Protocol {
	return d.proto
}

func (d *Device) Log() *canlog.Log {
	return d.log
}

func (d *Device) Extension() extension.Extension {
	return d.extension
}

// Present reports the liveness of the device, always true without monitor
// until terminated
func (d *Device) Present() bool {
	d.mu.Lock()
	terminated := d.terminated
	d.mu.Unlock()
	if terminated {
		return false
	}
	return d.monitor == nil || d.monitor.Present()
}

// Monitor returns the liveness monitor, nil when the matrix has no
// monitor frame
func (d *Device) Monitor() *monitor.FrameTimeout {
	return d.monitor
}

// ReferencedFiles lists the files the session is built from
func (d *Device) ReferencedFiles() []string {
	var files []string
	for _, path := range []string{d.session.Device.CanPath, d.session.Device.ParameterHierarchy} {
		if path != "" {
			files = append(files, d.session.Resolve(path))
		}
	}
	for _, path := range d.extension.ReferencedFiles(d.session.Raw) {
		files = append(files, d.session.Resolve(path))
	}
	return files
}

// Active reports whether requests can reach the device
func (d *Device) Active() bool {
	online, transmit := d.bm.Status()
	return online && transmit && d.Present()
}

func ignoreExpected[T any](f *future.Future[T]) *future.Future[T] {
	return future.Catch(f, func(err error) (T, error) {
		var zero T
		if epyq.IsExpected(err) {
			return zero, nil
		}
		return zero, err
	})
}

// read returns the polling action of a multiplexer group, shared by every
// watch of the group
func (d *Device) read(mux uint32) func() future.Waiter {
	if read, ok := d.reads[mux]; ok {
		return read
	}
	read := func() future.Waiter {
		if !d.Active() {
			return nil
		}
		return ignoreExpected(d.proto.ReadGroup(mux, nv.Value))
	}
	d.reads[mux] = read
	return read
}

// Watch keeps the value of param refreshed under key
// onTab selects the set polled while the parameter tab is shown.
func (d *Device) Watch(key any, param *nv.Parameter, onTab bool) error {
	if param == nil {
		return epyq.ErrIllegalArgument
	}
	d.mu.Lock()
	if d.terminated {
		d.mu.Unlock()
		return epyq.ErrBusClosed
	}
	old, moved := d.watches[key]
	moved = moved && old.onTab != onTab
	d.watches[key] = watch{param: param, onTab: onTab}
	request := loopingset.Request{Period: d.session.Poll.Period, Action: d.read(param.MuxKey())}
	d.mu.Unlock()

	if moved {
		d.set(old.onTab).Remove(key)
	}
	d.set(onTab).Add(key, request)
	return nil
}

// Unwatch stops refreshing the parameter watched under key
func (d *Device) Unwatch(key any) {
	d.mu.Lock()
	w, ok := d.watches[key]
	delete(d.watches, key)
	d.mu.Unlock()
	if ok {
		d.set(w.onTab).Remove(key)
	}
}

func (d *Device) set(onTab bool) *loopingset.LoopingSet {
	if onTab {
		return d.tab
	}
	return d.visible
}

// TabChanged selects which polling set runs
func (d *Device) TabChanged(nvTab bool) {
	d.mu.Lock()
	if d.terminated {
		d.mu.Unlock()
		return
	}
	d.nvTab = nvTab
	d.mu.Unlock()
	if nvTab {
		d.visible.Stop()
		d.tab.Start()
	} else {
		d.visible.Start()
		d.tab.Stop()
	}
}

// Watched returns the distinct watched parameters in tree order
func (d *Device) Watched() []*nv.Parameter {
	d.mu.Lock()
	wanted := make(map[*nv.Parameter]bool, len(d.watches))
	for _, w := range d.watches {
		wanted[w.param] = true
	}
	d.mu.Unlock()
	var params []*nv.Parameter
	for _, p := range d.tree.Parameters() {
		if wanted[p] {
			params = append(params, p)
		}
	}
	return params
}

// Limits of the watched parameters as read from the device
type Limits struct {
	Minimum map[*nv.Parameter]float64
	Maximum map[*nv.Parameter]float64
	Failed  map[*nv.Parameter]error
}

// ReadLimits reads minimum and maximum of every watched parameter
// Nothing is read, and nil returned, unless the device is active.
func (d *Device) ReadLimits() *future.Future[Limits] {
	d.mu.Lock()
	terminated := d.terminated
	d.mu.Unlock()
	if terminated || !d.Active() {
		return nil
	}
	params := d.Watched()
	if len(params) == 0 {
		return nil
	}
	d.logger.Debugf("reading limits of %v parameters", len(params))

	result := future.New[Limits]()
	limits := Limits{
		Minimum: make(map[*nv.Parameter]float64),
		Maximum: make(map[*nv.Parameter]float64),
		Failed:  make(map[*nv.Parameter]error),
	}
	var mu sync.Mutex
	remaining := 2
	var reads []*future.Future[protocol.MultipleResult]
	for _, meta := range []nv.Meta{nv.Minimum, nv.Maximum} {
		values := limits.Minimum
		if meta == nv.Maximum {
			values = limits.Maximum
		}
		read := d.proto.ReadMultiple(params, meta)
		reads = append(reads, read)
		read.OnSettled(func(r protocol.MultipleResult, err error) {
			mu.Lock()
			for p, value := range r.Values {
				values[p] = value
			}
			for p, e := range r.Failed {
				limits.Failed[p] = errors.Join(limits.Failed[p], fmt.Errorf("%v: %w", meta, e))
			}
			remaining--
			done := remaining == 0
			mu.Unlock()
			if err != nil {
				result.Reject(err)
			} else if done {
				if len(limits.Failed) > 0 {
					d.logger.Debugf("limits unavailable for %v parameters", len(limits.Failed))
				}
				result.Resolve(limits)
			}
		})
	}
	result.SetCanceler(func() {
		for _, read := range reads {
			read.Cancel()
		}
	})
	return result
}

// Terminate stops polling and monitoring and cancels pending operations
// The bus manager is left connected.
func (d *Device) Terminate() {
	d.mu.Lock()
	if d.terminated {
		d.mu.Unlock()
		return
	}
	d.terminated = true
	d.mu.Unlock()

	if d.stCancel != nil {
		d.stCancel()
	}
	d.visible.Stop()
	d.tab.Stop()
	if d.monitor != nil {
		d.monitor.Stop()
	}
	d.proto.Close()
	if d.logCancel != nil {
		d.logCancel()
	}
	d.logger.Debug("terminated")
}
