// Package protocol reads and writes NV parameters over CAN.
//
// A request frame carries a multiplexer value and a meta selector, the
// device answers with a status frame echoing both. Pending operations are
// matched to status frames by (multiplexer, meta) in issue order.
package protocol

import (
	"fmt"
	"sync"
	"time"

	epyq "github.com/epcpower/goepyq"
	"github.com/epcpower/goepyq/pkg/future"
	"github.com/epcpower/goepyq/pkg/matrix"
	"github.com/epcpower/goepyq/pkg/nodeid"
	"github.com/epcpower/goepyq/pkg/nv"
	log "github.com/sirupsen/logrus"
)

const DefaultTimeout = time.Second

// Kind of a pending operation
type Kind uint8

const (
	KindRead Kind = iota
	KindWrite
)

func (k Kind) String() string {
	if k == KindWrite {
		return "write"
	}
	return "read"
}

// GroupValues maps parameters of one multiplexer group to their values
type GroupValues = map[*nv.Parameter]float64

type Options struct {
	Timeout time.Duration
	// Number of times a timed out request is sent again
	Retries int
	IDs     nodeid.Bound
}

type pendingKey struct {
	mux  uint32
	meta nv.Meta
}

type operation struct {
	kind     Kind
	key      pendingKey
	frame    epyq.Frame
	result   *future.Future[GroupValues]
	timer    *time.Timer
	attempts int
}

type Protocol struct {
	mu       sync.Mutex
	logger   *log.Entry
	bm       *epyq.BusManager
	matrix   *matrix.Matrix
	tree     *nv.Tree
	config   nv.Configuration
	timeout  time.Duration
	retries  int
	ids      nodeid.Bound
	pending  map[pendingKey][]*operation
	rxCancel func()
}

// New attaches the protocol to the bus manager, status frames are received
// on the node id adjusted status frame id.
func New(bm *epyq.BusManager, m *matrix.Matrix, tree *nv.Tree, options Options, logger *log.Entry) (*Protocol, error) {
	if bm == nil || m == nil || tree == nil {
		return nil, epyq.ErrIllegalArgument
	}
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	if options.Timeout <= 0 {
		options.Timeout = DefaultTimeout
	}
	if options.Retries < 0 {
		options.Retries = 0
	}
	config := tree.Configuration()
	status, err := m.FrameByName(config.StatusFrame)
	if err != nil {
		return nil, err
	}
	p := &Protocol{
		logger:  logger.WithField("service", "[NV]"),
		bm:      bm,
		matrix:  m,
		tree:    tree,
		config:  config,
		timeout: options.Timeout,
		retries: options.Retries,
		ids:     options.IDs,
		pending: make(map[pendingKey][]*operation),
	}
	rxCancel, err := bm.Subscribe(p.ids.FromDevice(status.ID), status.Extended, p)
	if err != nil {
		return nil, err
	}
	p.rxCancel = rxCancel
	return p, nil
}

// Handle status frames
// Every decodable status frame updates the tree, the oldest pending
// operation with the same multiplexer and meta is then resolved.
func (p *Protocol) Handle(frame epyq.Frame) {
	definition, values, err := p.matrix.DecodeAs(p.config.StatusFrame, frame.Payload())
	if err != nil {
		p.logger.Debugf("dropping %v : %v", frame, err)
		return
	}
	metaValue, ok := values[p.config.MetaSignal]
	if !ok {
		p.logger.Warnf("dropping %v : no %v signal", frame, p.config.MetaSignal)
		return
	}
	meta := nv.Meta(metaValue)
	if !meta.Valid() {
		p.logger.Warnf("dropping %v : invalid meta %v", frame, metaValue)
		return
	}
	group := p.tree.Matching(values)
	p.tree.ApplyStatusValues(meta, group)

	key := pendingKey{meta: meta}
	if definition.MultiplexerValue != nil {
		key.mux = *definition.MultiplexerValue
	}
	p.mu.Lock()
	queue := p.pending[key]
	if len(queue) == 0 {
		p.mu.Unlock()
		return
	}
	op := queue[0]
	p.dequeue(op)
	p.mu.Unlock()

	p.logger.Debugf("[RX] %v response mux %v %v", op.kind, key.mux, meta)
	op.result.Resolve(group)
}

// Must hold lock
func (p *Protocol) dequeue(op *operation) bool {
	queue := p.pending[op.key]
	for i, other := range queue {
		if other == op {
			if op.timer != nil {
				op.timer.Stop()
			}
			p.pending[op.key] = append(queue[:i:i], queue[i+1:]...)
			if len(p.pending[op.key]) == 0 {
				delete(p.pending, op.key)
			}
			return true
		}
	}
	return false
}

func (p *Protocol) setFrame(mux uint32) (*matrix.Frame, error) {
	frame, err := p.matrix.Variant(p.config.SetFrame, mux)
	if err == nil {
		return frame, nil
	}
	frame, err2 := p.matrix.FrameByName(p.config.SetFrame)
	if err2 != nil || frame.MultiplexerValue != nil {
		return nil, err
	}
	return frame, nil
}

func (p *Protocol) request(kind Kind, mux uint32, meta nv.Meta, values map[string]float64) *future.Future[GroupValues] {
	if !meta.Valid() {
		return future.Rejected[GroupValues](fmt.Errorf("%w: meta %v", epyq.ErrIllegalArgument, meta))
	}
	definition, err := p.setFrame(mux)
	if err != nil {
		return future.Rejected[GroupValues](err)
	}
	if values == nil {
		values = make(map[string]float64)
	}
	values[p.config.MetaSignal] = float64(meta)
	if p.config.ReadWriteSignal != "" {
		values[p.config.ReadWriteSignal] = 0
		if kind == KindRead {
			values[p.config.ReadWriteSignal] = 1
		}
	}
	payload, err := definition.Pack(values)
	if err != nil {
		return future.Rejected[GroupValues](err)
	}
	frame := epyq.NewFrame(p.ids.ToDevice(definition.ID), definition.Extended, definition.Length)
	copy(frame.Data[:], payload)

	op := &operation{
		kind:   kind,
		key:    pendingKey{mux: mux, meta: meta},
		frame:  frame,
		result: future.New[GroupValues](),
	}
	op.result.SetCanceler(func() { p.cancel(op) })
	p.issue(op)
	return op.result
}

func (p *Protocol) issue(op *operation) {
	p.mu.Lock()
	p.pending[op.key] = append(p.pending[op.key], op)
	p.arm(op)
	p.mu.Unlock()
	p.transmit(op)
}

// Must hold lock
func (p *Protocol) arm(op *operation) {
	attempt := op.attempts
	op.timer = time.AfterFunc(p.timeout, func() { p.expire(op, attempt) })
}

func (p *Protocol) transmit(op *operation) {
	p.logger.Debugf("[TX] %v request mux %v %v : %v", op.kind, op.key.mux, op.key.meta, op.frame)
	err := p.bm.Send(op.frame)
	if err == nil {
		return
	}
	p.mu.Lock()
	removed := p.dequeue(op)
	p.mu.Unlock()
	if removed {
		op.result.Reject(err)
	}
}

// A response handled before the timer callback takes the lock wins
func (p *Protocol) expire(op *operation, attempt int) {
	p.mu.Lock()
	if op.attempts != attempt || !p.contains(op) {
		p.mu.Unlock()
		return
	}
	if op.attempts < p.retries {
		op.attempts++
		p.arm(op)
		p.mu.Unlock()
		p.logger.Debugf("retrying %v mux %v %v, attempt %v", op.kind, op.key.mux, op.key.meta, op.attempts+1)
		p.transmit(op)
		return
	}
	p.dequeue(op)
	p.mu.Unlock()
	p.logger.Infof("%v mux %v %v timed out", op.kind, op.key.mux, op.key.meta)
	op.result.Reject(fmt.Errorf("%w: %v mux %v %v", epyq.ErrRequestTimeout, op.kind, op.key.mux, op.key.meta))
}

// Must hold lock
func (p *Protocol) contains(op *operation) bool {
	for _, other := range p.pending[op.key] {
		if other == op {
			return true
		}
	}
	return false
}

func (p *Protocol) cancel(op *operation) {
	p.mu.Lock()
	p.dequeue(op)
	p.mu.Unlock()
}

// Pending returns the number of operations awaiting a response
func (p *Protocol) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	count := 0
	for _, queue := range p.pending {
		count += len(queue)
	}
	return count
}

// CancelAll rejects every pending operation with [epyq.ErrCanceled]
func (p *Protocol) CancelAll() {
	p.mu.Lock()
	var ops []*operation
	for _, queue := range p.pending {
		ops = append(ops, queue...)
	}
	for _, op := range ops {
		p.dequeue(op)
	}
	p.mu.Unlock()
	for _, op := range ops {
		op.result.Reject(epyq.ErrCanceled)
	}
	if len(ops) > 0 {
		p.logger.Infof("canceled %v pending operations", len(ops))
	}
}

// Close cancels pending operations and stops receiving status frames
func (p *Protocol) Close() {
	p.CancelAll()
	p.mu.Lock()
	rxCancel := p.rxCancel
	p.rxCancel = nil
	p.mu.Unlock()
	if rxCancel != nil {
		rxCancel()
	}
}
