// Package nv holds the tree of non volatile device parameters and their
// meta values (value, user default, factory default, minimum, maximum).
package nv

import (
	"fmt"
	"sort"
	"sync"

	epyq "github.com/epcpower/goepyq"
	"github.com/epcpower/goepyq/pkg/matrix"
	log "github.com/sirupsen/logrus"
)

// Configuration names the frames and control signals of the NV protocol
type Configuration struct {
	SetFrame        string // request frame, transmitted to the device
	StatusFrame     string // response frame, transmitted by the device
	Multiplexer     string
	MetaSignal      string
	ReadWriteSignal string // set frame only, 1 requests a read
}

func DefaultConfiguration() Configuration {
	return Configuration{
		SetFrame:        "ParameterQuery",
		StatusFrame:     "ParameterResponse",
		Multiplexer:     "MUX",
		MetaSignal:      "Meta",
		ReadWriteSignal: "ReadParam_command",
	}
}

// Change is emitted whenever a meta value of a parameter changes
type Change struct {
	Parameter *Parameter
	Meta      Meta
	Value     float64
	Valid     bool
	// Set when the value was reported by the device
	FromDevice bool
}

type node struct {
	name      string
	parent    Handle
	children  []Handle
	parameter *Parameter
}

// Tree is the arena of group and parameter nodes
// Structure is fixed after construction, only meta values mutate.
type Tree struct {
	mu         sync.Mutex
	logger     *log.Entry
	config     Configuration
	set        []*matrix.Frame
	status     []*matrix.Frame
	nodes      []node
	parameters []*Parameter
	byName     map[string]*Parameter
	groups     map[uint32][]*Parameter
	listeners  map[int]func(Change)
	listenerID int
}

// NewTree builds the parameters from the set and status frames of the matrix
// and arranges them as described by hierarchy. A nil hierarchy yields a flat
// tree in frame order.
func NewTree(m *matrix.Matrix, config Configuration, hierarchy *Hierarchy, logger *log.Entry) (*Tree, error) {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	t := &Tree{
		logger:    logger.WithField("service", "[NV]"),
		config:    config,
		nodes:     []node{{name: "", parent: NoHandle}},
		byName:    make(map[string]*Parameter),
		groups:    make(map[uint32][]*Parameter),
		listeners: make(map[int]func(Change)),
	}
	t.set = m.Variants(config.SetFrame)
	if len(t.set) == 0 {
		return nil, fmt.Errorf("%w: set frame %v", epyq.ErrNotFound, config.SetFrame)
	}
	t.status = m.Variants(config.StatusFrame)
	if len(t.status) == 0 {
		return nil, fmt.Errorf("%w: status frame %v", epyq.ErrNotFound, config.StatusFrame)
	}

	var ordered []*Parameter
	for _, setFrame := range t.set {
		statusFrame, err := t.statusFor(m, setFrame)
		if err != nil {
			return nil, err
		}
		for _, setSignal := range setFrame.ActiveSignals() {
			if t.isControl(setFrame, setSignal) {
				continue
			}
			statusSignal, err := statusFrame.Signal(setSignal.Name)
			if err != nil {
				return nil, fmt.Errorf("parameter %v has no status signal : %w", setSignal.Name, err)
			}
			if _, dup := t.byName[setSignal.Name]; dup {
				return nil, fmt.Errorf("%w: duplicate parameter %v", epyq.ErrIllegalArgument, setSignal.Name)
			}
			p := &Parameter{
				Name:   setSignal.Name,
				Set:    setSignal,
				Status: statusSignal,
				Mux:    setFrame.MultiplexerValue,
				handle: NoHandle,
			}
			t.byName[p.Name] = p
			t.groups[p.MuxKey()] = append(t.groups[p.MuxKey()], p)
			ordered = append(ordered, p)
		}
	}

	if hierarchy != nil {
		for _, child := range hierarchy.Children {
			if err := t.attach(0, child); err != nil {
				return nil, err
			}
		}
	}
	for _, p := range ordered {
		if p.handle == NoHandle {
			t.attachParameter(0, p)
		}
	}
	t.collect(0)
	return t, nil
}

func (t *Tree) statusFor(m *matrix.Matrix, setFrame *matrix.Frame) (*matrix.Frame, error) {
	if setFrame.MultiplexerValue == nil {
		return m.FrameByName(t.config.StatusFrame)
	}
	return m.Variant(t.config.StatusFrame, *setFrame.MultiplexerValue)
}

func (t *Tree) isControl(frame *matrix.Frame, signal *matrix.Signal) bool {
	if signal.IsMultiplexer || signal.Name == t.config.MetaSignal || signal.Name == t.config.ReadWriteSignal {
		return true
	}
	// Signals common to every variant of a multiplexed frame are protocol fields
	return frame.MultiplexerValue != nil && signal.MultiplexerValue == nil
}

func (t *Tree) attach(parent Handle, h Hierarchy) error {
	if h.Parameter != "" {
		p, ok := t.byName[h.Parameter]
		if !ok {
			return fmt.Errorf("%w: hierarchy references parameter %v", epyq.ErrNotFound, h.Parameter)
		}
		if p.handle != NoHandle {
			return fmt.Errorf("%w: parameter %v referenced twice", epyq.ErrIllegalArgument, h.Parameter)
		}
		p.Factory = h.Factory
		t.attachParameter(parent, p)
		return nil
	}
	handle := Handle(len(t.nodes))
	t.nodes = append(t.nodes, node{name: h.Name, parent: parent})
	t.nodes[parent].children = append(t.nodes[parent].children, handle)
	for _, child := range h.Children {
		if err := t.attach(handle, child); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tree) attachParameter(parent Handle, p *Parameter) {
	p.handle = Handle(len(t.nodes))
	t.nodes = append(t.nodes, node{name: p.Name, parent: parent, parameter: p})
	t.nodes[parent].children = append(t.nodes[parent].children, p.handle)
	p.path = t.pathOf(p.handle)
}

func (t *Tree) pathOf(handle Handle) []string {
	var path []string
	for h := handle; h > 0; h = t.nodes[h].parent {
		path = append([]string{t.nodes[h].name}, path...)
	}
	return path
}

// Depth first parameter order
func (t *Tree) collect(handle Handle) {
	if p := t.nodes[handle].parameter; p != nil {
		t.parameters = append(t.parameters, p)
	}
	for _, child := range t.nodes[handle].children {
		t.collect(child)
	}
}

func (t *Tree) Configuration() Configuration {
	return t.config
}

func (t *Tree) walk(path []string) (Handle, error) {
	handle := Handle(0)
	for _, name := range path {
		found := NoHandle
		for _, child := range t.nodes[handle].children {
			if t.nodes[child].name == name {
				found = child
				break
			}
		}
		if found == NoHandle {
			return NoHandle, fmt.Errorf("%w: %v", epyq.ErrNotFound, path)
		}
		handle = found
	}
	return handle, nil
}

// Find walks the tree along path, the last element names the parameter
func (t *Tree) Find(path ...string) (*Parameter, error) {
	handle, err := t.walk(path)
	if err != nil {
		return nil, err
	}
	p := t.nodes[handle].parameter
	if p == nil {
		return nil, fmt.Errorf("%w: %v is not a parameter", epyq.ErrNotFound, path)
	}
	return p, nil
}

// ByName looks a parameter up by its signal name
func (t *Tree) ByName(name string) (*Parameter, error) {
	p, ok := t.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: parameter %v", epyq.ErrNotFound, name)
	}
	return p, nil
}

// Lookup accepts a slash separated path or a bare parameter name
func (t *Tree) Lookup(path string) (*Parameter, error) {
	if p, err := t.ByName(path); err == nil {
		return p, nil
	}
	return t.Find(splitPath(path)...)
}

// Parameters returns every parameter in stable tree order
func (t *Tree) Parameters() []*Parameter {
	return append([]*Parameter{}, t.parameters...)
}

// Children returns the names of the nodes below path
func (t *Tree) Children(path ...string) ([]string, error) {
	handle, err := t.walk(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(t.nodes[handle].children))
	for _, child := range t.nodes[handle].children {
		names = append(names, t.nodes[child].name)
	}
	return names, nil
}

// Group returns the parameters sharing a multiplexer value, in frame order
func (t *Tree) Group(mux uint32) []*Parameter {
	return append([]*Parameter{}, t.groups[mux]...)
}

// Multiplexers returns the multiplexer values of all parameter groups
func (t *Tree) Multiplexers() []uint32 {
	muxes := make([]uint32, 0, len(t.groups))
	for mux := range t.groups {
		muxes = append(muxes, mux)
	}
	sort.Slice(muxes, func(i, j int) bool { return muxes[i] < muxes[j] })
	return muxes
}

// SetFrame returns the request frame carrying the parameter
func (t *Tree) SetFrame(p *Parameter) *matrix.Frame {
	return p.Set.Frame()
}

// StatusFrame returns the response frame carrying the parameter
func (t *Tree) StatusFrame(p *Parameter) *matrix.Frame {
	return p.Status.Frame()
}

// Parameter resolves a handle
func (t *Tree) Parameter(handle Handle) (*Parameter, error) {
	if handle <= 0 || int(handle) >= len(t.nodes) || t.nodes[handle].parameter == nil {
		return nil, fmt.Errorf("%w: handle %v", epyq.ErrNotFound, handle)
	}
	return t.nodes[handle].parameter, nil
}

// OnChange registers a callback for meta value changes
// The returned function removes it.
func (t *Tree) OnChange(callback func(Change)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.listenerID
	t.listenerID++
	t.listeners[id] = callback
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.listeners, id)
	}
}

func (t *Tree) notify(changes []Change) {
	if len(changes) == 0 {
		return
	}
	t.mu.Lock()
	ids := make([]int, 0, len(t.listeners))
	for id := range t.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	callbacks := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		callbacks = append(callbacks, t.listeners[id])
	}
	t.mu.Unlock()
	for _, change := range changes {
		for _, callback := range callbacks {
			callback(change)
		}
	}
}

// Get returns a meta value and whether it is known
func (t *Tree) Get(p *Parameter, meta Meta) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := p.slots[meta]
	return s.value, s.valid
}

// IsDirty reports a local edit not yet confirmed by the device
func (t *Tree) IsDirty(p *Parameter, meta Meta) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return p.slots[meta].dirty
}

// SetMeta applies a local edit
// With checkRange, values outside of [minimum, maximum] are rejected with
// [epyq.ErrRange] and not applied.
func (t *Tree) SetMeta(p *Parameter, meta Meta, value float64, checkRange bool) error {
	if !meta.Valid() {
		return fmt.Errorf("%w: meta %v", epyq.ErrIllegalArgument, meta)
	}
	if checkRange {
		if err := t.CheckRange(p, meta, value); err != nil {
			return err
		}
	}
	t.mu.Lock()
	p.slots[meta] = slot{value: value, valid: true, dirty: true}
	t.mu.Unlock()
	t.notify([]Change{{Parameter: p, Meta: meta, Value: value, Valid: true}})
	return nil
}

// CheckRange fails with [epyq.ErrRange] when value lies outside of the
// known minimum and maximum. The limits themselves are not checked.
func (t *Tree) CheckRange(p *Parameter, meta Meta, value float64) error {
	if meta == Minimum || meta == Maximum {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if lo, hi, ok := p.limits(); ok && (value < lo || value > hi) {
		return fmt.Errorf("%w: %v %v = %v not in [%v, %v]", epyq.ErrRange, p, meta, value, lo, hi)
	}
	return nil
}

// ApplyStatus stores a value reported by the device
// The device is authoritative, no range check is made and pending local
// edits are overwritten.
func (t *Tree) ApplyStatus(p *Parameter, meta Meta, value float64) {
	t.ApplyStatusValues(meta, map[*Parameter]float64{p: value})
}

// ApplyStatusValues stores several device reported values of one meta
func (t *Tree) ApplyStatusValues(meta Meta, values map[*Parameter]float64) {
	if !meta.Valid() {
		t.logger.Warnf("ignoring status with invalid meta %v", meta)
		return
	}
	changes := make([]Change, 0, len(values))
	t.mu.Lock()
	for _, p := range t.parameters {
		value, ok := values[p]
		if !ok {
			continue
		}
		p.slots[meta] = slot{value: value, valid: true}
		changes = append(changes, Change{Parameter: p, Meta: meta, Value: value, Valid: true, FromDevice: true})
	}
	t.mu.Unlock()
	t.notify(changes)
}

// Invalidate forgets a meta value
func (t *Tree) Invalidate(p *Parameter, meta Meta) {
	t.mu.Lock()
	if !p.slots[meta].valid {
		t.mu.Unlock()
		return
	}
	p.slots[meta] = slot{}
	t.mu.Unlock()
	t.notify([]Change{{Parameter: p, Meta: meta}})
}

// GroupValues returns the known values of a multiplexer group for meta,
// keyed by signal name. missing lists the parameters without a value.
func (t *Tree) GroupValues(mux uint32, meta Meta) (values map[string]float64, missing []*Parameter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	values = make(map[string]float64)
	for _, p := range t.groups[mux] {
		s := p.slots[meta]
		if s.valid {
			values[p.Name] = s.value
		} else {
			missing = append(missing, p)
		}
	}
	return values, missing
}

// Matching resolves signal names of a status frame to parameters
func (t *Tree) Matching(values map[string]float64) map[*Parameter]float64 {
	matched := make(map[*Parameter]float64, len(values))
	for name, value := range values {
		if p, ok := t.byName[name]; ok {
			matched[p] = value
		}
	}
	return matched
}
