// Package demo describes a small NV capable device used by the simulator
// and the tests.
package demo

import (
	"time"

	"github.com/epcpower/goepyq/pkg/matrix"
)

const (
	SetFrame     = "ParameterQuery"
	StatusFrame  = "ParameterResponse"
	MonitorFrame = "StatusBits"

	SetID     uint32 = 0x18EF0000
	StatusID  uint32 = 0x18EE0000
	MonitorID uint32 = 0x18FF0000

	MonitorCycle = 100 * time.Millisecond
)

const Hierarchy = `name: Parameters
children:
  - name: Grid
    children:
      - GridVoltage
      - GridFrequency
  - name: Limits
    children:
      - CurrentLimit
      - DroopEnabled
      - parameter: Calibration
        factory: true
`

func ptr[T any](v T) *T {
	return &v
}

func parameters(mux uint32) []*matrix.Signal {
	switch mux {
	case 1:
		return []*matrix.Signal{
			{Name: "GridVoltage", StartBit: 16, BitLength: 16, LittleEndian: true, Scale: 0.1,
				Min: ptr(0.0), Max: ptr(1000.0), Unit: "V", MultiplexerValue: ptr(mux)},
			{Name: "GridFrequency", StartBit: 32, BitLength: 16, LittleEndian: true, Scale: 0.01,
				Min: ptr(45.0), Max: ptr(65.0), Unit: "Hz", MultiplexerValue: ptr(mux)},
		}
	default:
		return []*matrix.Signal{
			{Name: "CurrentLimit", StartBit: 16, BitLength: 16, LittleEndian: true, Scale: 1,
				Min: ptr(0.0), Max: ptr(500.0), Unit: "A", MultiplexerValue: ptr(mux)},
			{Name: "DroopEnabled", StartBit: 32, BitLength: 1, LittleEndian: true,
				Enumeration: map[int64]string{0: "Off", 1: "On"}, MultiplexerValue: ptr(mux)},
			{Name: "Calibration", StartBit: 40, BitLength: 16, LittleEndian: true, Signed: true, Scale: 0.001,
				Min: ptr(-10.0), Max: ptr(10.0), MultiplexerValue: ptr(mux)},
		}
	}
}

func nvFrame(name string, id uint32, mux uint32, request bool) *matrix.Frame {
	var signals []*matrix.Signal
	if request {
		signals = append(signals, &matrix.Signal{Name: "ReadParam_command", StartBit: 0, BitLength: 1, LittleEndian: true})
	}
	signals = append(signals,
		&matrix.Signal{Name: "Meta", StartBit: 1, BitLength: 3, LittleEndian: true},
		&matrix.Signal{Name: "MUX", StartBit: 8, BitLength: 8, LittleEndian: true, IsMultiplexer: true},
	)
	signals = append(signals, parameters(mux)...)
	frame, err := matrix.NewFrame(name, id, true, 8, 0, signals)
	if err != nil {
		panic(err)
	}
	frame.MultiplexerValue = ptr(mux)
	return frame
}

// Matrix returns a fresh copy of the demo CAN matrix
func Matrix() *matrix.Matrix {
	monitor, err := matrix.NewFrame(MonitorFrame, MonitorID, true, 8, MonitorCycle, []*matrix.Signal{
		{Name: "Recording", StartBit: 3, BitLength: 1, LittleEndian: true},
		{Name: "Mode", StartBit: 4, BitLength: 2, LittleEndian: true,
			Enumeration: map[int64]string{0: "Off", 1: "On", 2: "Fault"}},
	})
	if err != nil {
		panic(err)
	}
	frames := []*matrix.Frame{monitor}
	for _, mux := range []uint32{1, 2} {
		frames = append(frames, nvFrame(SetFrame, SetID, mux, true), nvFrame(StatusFrame, StatusID, mux, false))
	}
	m, err := matrix.New(frames...)
	if err != nil {
		panic(err)
	}
	return m
}
