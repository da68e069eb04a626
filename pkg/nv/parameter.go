package nv

import (
	"strings"

	"github.com/epcpower/goepyq/pkg/matrix"
)

type slot struct {
	value float64
	valid bool
	dirty bool
}

// Handle identifies a node of a [Tree]
type Handle int

const NoHandle Handle = -1

// Parameter is a device value exchanged through a set (request) signal and
// a status (response) signal sharing the same multiplexer value.
// Meta values are accessed through the owning [Tree].
type Parameter struct {
	Name    string
	Set     *matrix.Signal
	Status  *matrix.Signal
	Mux     *uint32
	Factory bool

	handle Handle
	path   []string
	slots  [metaCount]slot
}

func (p *Parameter) Handle() Handle {
	return p.handle
}

// Path from the tree root, group names followed by the parameter name
func (p *Parameter) Path() []string {
	return append([]string{}, p.path...)
}

func (p *Parameter) String() string {
	return strings.Join(p.path, "/")
}

// MuxKey returns the multiplexer value or zero for non multiplexed frames
func (p *Parameter) MuxKey() uint32 {
	if p.Mux == nil {
		return 0
	}
	return *p.Mux
}

// Limits returns the range writes are checked against
// Device reported minimum and maximum take precedence over signal limits.
func (p *Parameter) limits() (lo float64, hi float64, ok bool) {
	min, max := p.slots[Minimum], p.slots[Maximum]
	if min.valid && max.valid {
		return min.value, max.value, true
	}
	if p.Set.Min != nil && p.Set.Max != nil {
		return *p.Set.Min, *p.Set.Max, true
	}
	return 0, 0, false
}
