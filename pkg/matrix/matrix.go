// Package matrix holds the CAN signal and frame model used by the NV stack.
//
// A [Matrix] indexes frame definitions by id and multiplexer value and
// converts between physical signal values and frame payloads.
package matrix

import (
	"fmt"
	"sort"

	epyq "github.com/epcpower/goepyq"
	"go.einride.tech/can"
)

type Matrix struct {
	frames []*Frame
	byID   map[uint32][]*Frame
	byName map[string][]*Frame
}

// New builds a matrix, (id, multiplexer value) must be unique
func New(frames ...*Frame) (*Matrix, error) {
	m := &Matrix{
		byID:   make(map[uint32][]*Frame),
		byName: make(map[string][]*Frame),
	}
	for _, frame := range frames {
		for _, other := range m.byID[frame.ID] {
			if muxKey(other) == muxKey(frame) || (other.MultiplexerValue == nil) != (frame.MultiplexerValue == nil) {
				return nil, fmt.Errorf("%w: frames %v and %v share id x%x", epyq.ErrIllegalArgument, other, frame, frame.ID)
			}
		}
		m.frames = append(m.frames, frame)
		m.byID[frame.ID] = append(m.byID[frame.ID], frame)
		m.byName[frame.Name] = append(m.byName[frame.Name], frame)
	}
	return m, nil
}

func muxKey(f *Frame) int64 {
	if f.MultiplexerValue == nil {
		return -1
	}
	return int64(*f.MultiplexerValue)
}

// Frames returns every frame definition in insertion order
func (m *Matrix) Frames() []*Frame {
	return m.frames
}

// FrameByName returns the frame, or the first variant of a multiplexed frame
func (m *Matrix) FrameByName(name string) (*Frame, error) {
	frames := m.byName[name]
	if len(frames) == 0 {
		return nil, fmt.Errorf("%w: frame %v", epyq.ErrNotFound, name)
	}
	return frames[0], nil
}

// Variants returns every multiplexed variant of a frame sorted by
// multiplexer value
func (m *Matrix) Variants(name string) []*Frame {
	frames := append([]*Frame{}, m.byName[name]...)
	sort.Slice(frames, func(i, j int) bool { return muxKey(frames[i]) < muxKey(frames[j]) })
	return frames
}

// Variant returns the variant of the named frame selected by mux
func (m *Matrix) Variant(name string, mux uint32) (*Frame, error) {
	for _, frame := range m.byName[name] {
		if frame.MultiplexerValue != nil && *frame.MultiplexerValue == mux {
			return frame, nil
		}
	}
	return nil, fmt.Errorf("%w: frame %v multiplexer %v", epyq.ErrNotFound, name, mux)
}

// Lookup resolves the frame definition for a received payload
// Multiplexed frames are resolved by decoding the selector first.
func (m *Matrix) Lookup(id uint32, payload []byte) (*Frame, error) {
	frames := m.byID[id]
	if len(frames) == 0 {
		return nil, fmt.Errorf("%w: x%x", epyq.ErrUnknownFrame, id)
	}
	return selectVariant(frames, payload)
}

func selectVariant(frames []*Frame, payload []byte) (*Frame, error) {
	first := frames[0]
	if first.MultiplexerValue == nil || first.Multiplexer() == nil {
		return first, nil
	}
	if len(payload) != int(first.Length) {
		return nil, fmt.Errorf("%w: %v expects %v bytes, got %v", epyq.ErrMalformedFrame, first, first.Length, len(payload))
	}
	var data can.Data
	copy(data[:], payload)
	mux := uint32(first.Multiplexer().DecodeRaw(&data))
	for _, frame := range frames {
		if *frame.MultiplexerValue == mux {
			return frame, nil
		}
	}
	return nil, fmt.Errorf("%w: %v multiplexer %v", epyq.ErrUnknownFrame, first.Name, mux)
}

// DecodeAs decodes a payload with the named frame definition regardless of
// the id it was received with, as needed for node id adjusted frames.
func (m *Matrix) DecodeAs(name string, payload []byte) (*Frame, map[string]float64, error) {
	frames := m.byName[name]
	if len(frames) == 0 {
		return nil, nil, fmt.Errorf("%w: frame %v", epyq.ErrNotFound, name)
	}
	frame, err := selectVariant(frames, payload)
	if err != nil {
		return nil, nil, err
	}
	values, err := frame.Unpack(payload)
	if err != nil {
		return nil, nil, err
	}
	return frame, values, nil
}

// Unpack decodes a received payload into physical signal values
func (m *Matrix) Unpack(id uint32, payload []byte) (*Frame, map[string]float64, error) {
	frame, err := m.Lookup(id, payload)
	if err != nil {
		return nil, nil, err
	}
	values, err := frame.Unpack(payload)
	if err != nil {
		return nil, nil, err
	}
	return frame, values, nil
}
