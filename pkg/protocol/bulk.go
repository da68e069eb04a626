package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"

	epyq "github.com/epcpower/goepyq"
	"github.com/epcpower/goepyq/pkg/future"
	"github.com/epcpower/goepyq/pkg/nv"
)

// Progress is reported after every operation of a bulk transfer settles
type Progress struct {
	Label  string
	Done   int
	Total  int
	Mux    uint32
	Meta   nv.Meta
	Values GroupValues // nil when the operation failed
	Err    error
}

// Failure of one operation of a bulk transfer
type Failure struct {
	Mux        uint32
	Meta       nv.Meta
	Parameters []*nv.Parameter
	Err        error
}

func (f Failure) Error() string {
	return fmt.Sprintf("mux %v %v : %v", f.Mux, f.Meta, f.Err)
}

func (f Failure) Unwrap() error {
	return f.Err
}

// BulkResult aggregates a best effort bulk transfer
type BulkResult struct {
	Completed int
	Failures  []Failure
	Values    map[nv.Meta]GroupValues
}

// Err joins the failures, nil when every operation succeeded
func (r BulkResult) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failures))
	for _, failure := range r.Failures {
		errs = append(errs, failure)
	}
	return errors.Join(errs...)
}

type BulkOptions struct {
	// Metas to transfer, defaults to every meta for reads and value for writes
	Metas []nv.Meta
	// Restricts the transfer to these parameters, all when nil
	Only     []*nv.Parameter
	Progress func(Progress)
}

type step struct {
	mux    uint32
	meta   nv.Meta
	params []*nv.Parameter
	run    func() *future.Future[GroupValues]
}

type stepFunc func(mux uint32, meta nv.Meta, params []*nv.Parameter) *future.Future[GroupValues]

// Groups params by multiplexer value in tree order
func (p *Protocol) groupSteps(params []*nv.Parameter, metas []nv.Meta, run stepFunc) []step {
	selected := make(map[*nv.Parameter]bool, len(params))
	for _, param := range params {
		selected[param] = true
	}
	var steps []step
	for _, meta := range metas {
		for _, mux := range p.tree.Multiplexers() {
			var group []*nv.Parameter
			for _, param := range p.tree.Group(mux) {
				if selected[param] {
					group = append(group, param)
				}
			}
			if len(group) == 0 {
				continue
			}
			s := step{mux: mux, meta: meta, params: group}
			s.run = func() *future.Future[GroupValues] { return run(s.mux, s.meta, s.params) }
			steps = append(steps, s)
		}
	}
	return steps
}

// runBulk runs the steps one after the other
// Failures are collected, cancelling the returned future stops the transfer.
func (p *Protocol) runBulk(label string, steps []step, progress func(Progress)) *future.Future[BulkResult] {
	result := future.New[BulkResult]()
	ctx, stop := context.WithCancel(context.Background())
	var mu sync.Mutex
	var current future.Canceler
	result.SetCanceler(func() {
		stop()
		mu.Lock()
		c := current
		mu.Unlock()
		if c != nil {
			c.Cancel()
		}
	})

	go func() {
		defer stop()
		bulk := BulkResult{Values: make(map[nv.Meta]GroupValues)}
		for i, s := range steps {
			if ctx.Err() != nil {
				result.Reject(epyq.ErrCanceled)
				return
			}
			f := s.run()
			mu.Lock()
			current = f
			mu.Unlock()
			values, err := f.Wait(ctx)
			if ctx.Err() != nil {
				f.Cancel()
				result.Reject(epyq.ErrCanceled)
				return
			}
			if err != nil {
				p.logger.Infof("%v : mux %v %v failed : %v", label, s.mux, s.meta, err)
				bulk.Failures = append(bulk.Failures, Failure{Mux: s.mux, Meta: s.meta, Parameters: s.params, Err: err})
				values = nil
			} else {
				bulk.Completed++
				if bulk.Values[s.meta] == nil {
					bulk.Values[s.meta] = make(GroupValues)
				}
				for param, value := range values {
					bulk.Values[s.meta][param] = value
				}
			}
			if progress != nil {
				progress(Progress{
					Label: label, Done: i + 1, Total: len(steps),
					Mux: s.mux, Meta: s.meta, Values: values, Err: err,
				})
			}
		}
		result.Resolve(bulk)
	}()
	return result
}

// ReadAll reads the selected metas of the selected parameters
// Bulk transfers are best effort, a failed group does not stop the others.
func (p *Protocol) ReadAll(options BulkOptions) *future.Future[BulkResult] {
	metas := options.Metas
	if len(metas) == 0 {
		metas = nv.Metas
	}
	params := options.Only
	if params == nil {
		params = p.tree.Parameters()
	}
	steps := p.groupSteps(params, metas, func(mux uint32, meta nv.Meta, _ []*nv.Parameter) *future.Future[GroupValues] {
		return p.ReadGroup(mux, meta)
	})
	return p.runBulk("read all", steps, options.Progress)
}

// WriteAll writes the known values of the selected parameters
// Parameters without a known value for a meta are skipped for that meta.
func (p *Protocol) WriteAll(options BulkOptions) *future.Future[BulkResult] {
	metas := options.Metas
	if len(metas) == 0 {
		metas = []nv.Meta{nv.Value}
	}
	params := options.Only
	if params == nil {
		params = p.tree.Parameters()
	}
	var steps []step
	for _, meta := range metas {
		var known []*nv.Parameter
		for _, param := range params {
			if _, ok := p.tree.Get(param, meta); ok {
				known = append(known, param)
			}
		}
		steps = append(steps, p.groupSteps(known, []nv.Meta{meta}, func(mux uint32, meta nv.Meta, group []*nv.Parameter) *future.Future[GroupValues] {
			values := make(GroupValues, len(group))
			for _, param := range group {
				value, ok := p.tree.Get(param, meta)
				if !ok {
					continue
				}
				if err := p.tree.CheckRange(param, meta, value); err != nil {
					return future.Rejected[GroupValues](err)
				}
				values[param] = value
			}
			return p.WriteGroup(mux, meta, values)
		})...)
	}
	return p.runBulk("write all", steps, options.Progress)
}
