package protocol

import (
	"fmt"
	"math"
	"sync"

	epyq "github.com/epcpower/goepyq"
	"github.com/epcpower/goepyq/pkg/future"
	"github.com/epcpower/goepyq/pkg/nv"
)

// ReadGroup reads meta of every parameter sharing the multiplexer value
func (p *Protocol) ReadGroup(mux uint32, meta nv.Meta) *future.Future[GroupValues] {
	return p.request(KindRead, mux, meta, nil)
}

// Read a single meta value of a parameter
func (p *Protocol) Read(param *nv.Parameter, meta nv.Meta) *future.Future[float64] {
	return future.Then(p.ReadGroup(param.MuxKey(), meta), valueOf(param))
}

func valueOf(param *nv.Parameter) func(GroupValues) (float64, error) {
	return func(values GroupValues) (float64, error) {
		value, ok := values[param]
		if !ok {
			return 0, fmt.Errorf("%w: response carries no %v", epyq.ErrMalformedFrame, param)
		}
		return value, nil
	}
}

// MultipleResult holds the values read by [Protocol.ReadMultiple] and the
// error of every parameter that could not be read
type MultipleResult struct {
	Values map[*nv.Parameter]float64
	Failed map[*nv.Parameter]error
}

// ReadMultiple reads meta of several parameters, one request per
// multiplexer group, sequentially. A failing group does not fail the others.
func (p *Protocol) ReadMultiple(params []*nv.Parameter, meta nv.Meta) *future.Future[MultipleResult] {
	steps := p.groupSteps(params, []nv.Meta{meta}, func(mux uint32, meta nv.Meta, _ []*nv.Parameter) *future.Future[GroupValues] {
		return p.ReadGroup(mux, meta)
	})
	bulk := p.runBulk("read multiple", steps, nil)
	return future.Then(bulk, func(result BulkResult) (MultipleResult, error) {
		multiple := MultipleResult{
			Values: make(map[*nv.Parameter]float64),
			Failed: make(map[*nv.Parameter]error),
		}
		wanted := make(map[*nv.Parameter]bool, len(params))
		for _, param := range params {
			wanted[param] = true
		}
		for param, value := range result.Values[meta] {
			if wanted[param] {
				multiple.Values[param] = value
			}
		}
		for _, failure := range result.Failures {
			for _, param := range failure.Parameters {
				multiple.Failed[param] = failure.Err
			}
		}
		return multiple, nil
	})
}

// Mismatch is returned by [Protocol.Write] when the device confirms a value
// other than the one written, typically after clamping it
type Mismatch struct {
	Parameter *nv.Parameter
	Meta      nv.Meta
	Written   float64
	Echoed    float64
}

func (m Mismatch) Error() string {
	return fmt.Sprintf("%v %v : wrote %v, device answered %v", m.Parameter, m.Meta, m.Written, m.Echoed)
}

func (m Mismatch) Unwrap() error {
	return epyq.ErrWriteMismatch
}

// Write a single meta value of a parameter
// The value is range checked before transmission. The future resolves with
// the value echoed by the device, or fails with a [Mismatch] when the echo
// differs by more than half a scale step.
func (p *Protocol) Write(param *nv.Parameter, meta nv.Meta, value float64) *future.Future[float64] {
	if err := p.tree.CheckRange(param, meta, value); err != nil {
		return future.Rejected[float64](err)
	}
	written := p.WriteGroup(param.MuxKey(), meta, GroupValues{param: value})
	return future.Then(written, func(values GroupValues) (float64, error) {
		echoed, err := valueOf(param)(values)
		if err != nil {
			return 0, err
		}
		if math.Abs(echoed-value) > resolution(param)/2 {
			p.logger.Warnf("device answered %v = %v to write of %v", param, echoed, value)
			return echoed, Mismatch{Parameter: param, Meta: meta, Written: value, Echoed: echoed}
		}
		return echoed, nil
	})
}

func resolution(param *nv.Parameter) float64 {
	if param.Set.Scale == 0 {
		return 1
	}
	return math.Abs(param.Set.Scale)
}

// WriteGroup writes meta of a multiplexer group
// The request frame carries every parameter of the group, values override
// the values known by the tree. When some are unknown the group is read
// first.
func (p *Protocol) WriteGroup(mux uint32, meta nv.Meta, values GroupValues) *future.Future[GroupValues] {
	known, missing := p.tree.GroupValues(mux, meta)
	unresolved := 0
	for _, param := range missing {
		if _, ok := values[param]; !ok {
			unresolved++
		}
	}
	if unresolved == 0 {
		return p.request(KindWrite, mux, meta, merge(known, values))
	}

	p.logger.Debugf("reading mux %v %v before write, %v values unknown", mux, meta, unresolved)
	result := future.New[GroupValues]()
	var mu sync.Mutex
	var stage future.Canceler
	result.SetCanceler(func() {
		mu.Lock()
		c := stage
		mu.Unlock()
		if c != nil {
			c.Cancel()
		}
	})
	read := p.ReadGroup(mux, meta)
	mu.Lock()
	stage = read
	mu.Unlock()
	read.OnSettled(func(group GroupValues, err error) {
		if err != nil {
			result.Reject(fmt.Errorf("read before write : %w", err))
			return
		}
		if result.Settled() {
			return
		}
		current := make(map[string]float64, len(group))
		for param, value := range group {
			current[param.Name] = value
		}
		written := p.request(KindWrite, mux, meta, merge(current, values))
		mu.Lock()
		stage = written
		mu.Unlock()
		written.OnSettled(func(group GroupValues, err error) {
			if err != nil {
				result.Reject(err)
				return
			}
			result.Resolve(group)
		})
	})
	return result
}

func merge(known map[string]float64, values GroupValues) map[string]float64 {
	merged := make(map[string]float64, len(known)+len(values))
	for name, value := range known {
		merged[name] = value
	}
	for param, value := range values {
		merged[param.Name] = value
	}
	return merged
}
