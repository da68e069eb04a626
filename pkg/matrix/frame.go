package matrix

import (
	"fmt"
	"time"

	epyq "github.com/epcpower/goepyq"
	"go.einride.tech/can"
)

// Frame is a CAN message definition
// A multiplexed message is represented by one Frame per multiplexer value,
// all sharing the same id.
type Frame struct {
	Name      string
	ID        uint32
	Extended  bool
	Length    uint8
	CycleTime time.Duration
	// Selected multiplexer value, nil when the frame is not multiplexed
	MultiplexerValue *uint32
	Signals          []*Signal

	multiplexer *Signal
	byName      map[string]*Signal
}

// NewFrame validates the signal layout and attaches the signals to the frame
// Signals may not overlap, except for signals belonging to different
// multiplexer values.
func NewFrame(name string, id uint32, extended bool, length uint8, cycleTime time.Duration, signals []*Signal) (*Frame, error) {
	if length > 8 {
		return nil, fmt.Errorf("%w: frame %v length %v", epyq.ErrIllegalArgument, name, length)
	}
	if !extended && id > epyq.CanSffMask || id > epyq.CanEffMask {
		return nil, fmt.Errorf("%w: frame %v id x%x", epyq.ErrIllegalArgument, name, id)
	}
	frame := &Frame{
		Name:      name,
		ID:        id,
		Extended:  extended,
		Length:    length,
		CycleTime: cycleTime,
		Signals:   signals,
		byName:    make(map[string]*Signal, len(signals)),
	}
	owner := make(map[int]*Signal)
	for _, signal := range signals {
		if _, dup := frame.byName[signal.Name]; dup {
			return nil, fmt.Errorf("%w: frame %v duplicate signal %v", epyq.ErrIllegalArgument, name, signal.Name)
		}
		if err := signal.validate(length); err != nil {
			return nil, fmt.Errorf("%w: frame %v %v", epyq.ErrIllegalArgument, name, err)
		}
		if signal.IsMultiplexer {
			if frame.multiplexer != nil {
				return nil, fmt.Errorf("%w: frame %v has more than one multiplexer", epyq.ErrIllegalArgument, name)
			}
			frame.multiplexer = signal
		}
		for _, pos := range signal.Bits() {
			if other, used := owner[pos]; used && !exclusive(signal, other) {
				return nil, fmt.Errorf("%w: frame %v signals %v and %v overlap at bit %v",
					epyq.ErrIllegalArgument, name, other.Name, signal.Name, pos)
			}
			owner[pos] = signal
		}
		frame.byName[signal.Name] = signal
		signal.frame = frame
	}
	return frame, nil
}

// Two multiplexed signals selected by different values never coexist
func exclusive(a, b *Signal) bool {
	return a.MultiplexerValue != nil && b.MultiplexerValue != nil && *a.MultiplexerValue != *b.MultiplexerValue
}

// Multiplexer returns the selector signal or nil
func (f *Frame) Multiplexer() *Signal {
	return f.multiplexer
}

// Signal returns the named signal
func (f *Frame) Signal(name string) (*Signal, error) {
	signal, ok := f.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: signal %v in frame %v", epyq.ErrNotFound, name, f.Name)
	}
	return signal, nil
}

// active reports whether the signal is carried by this frame variant
func (f *Frame) active(signal *Signal) bool {
	if signal.MultiplexerValue == nil || f.MultiplexerValue == nil {
		return true
	}
	return *signal.MultiplexerValue == *f.MultiplexerValue
}

// ActiveSignals returns the signals carried by this frame variant
func (f *Frame) ActiveSignals() []*Signal {
	signals := make([]*Signal, 0, len(f.Signals))
	for _, signal := range f.Signals {
		if f.active(signal) {
			signals = append(signals, signal)
		}
	}
	return signals
}

// Pack physical values into the frame payload
// Signals missing from values are encoded as raw zero, the multiplexer is
// always set to the frame's own value. Out of range values are rejected.
func (f *Frame) Pack(values map[string]float64) ([]byte, error) {
	return f.pack(values, false)
}

// PackClamped behaves like [Frame.Pack] but saturates out of range values
func (f *Frame) PackClamped(values map[string]float64) ([]byte, error) {
	return f.pack(values, true)
}

func (f *Frame) pack(values map[string]float64, clamped bool) ([]byte, error) {
	var data can.Data
	for name := range values {
		signal, err := f.Signal(name)
		if err != nil {
			return nil, err
		}
		if !f.active(signal) {
			return nil, fmt.Errorf("%w: signal %v not carried by %v", epyq.ErrIllegalArgument, name, f)
		}
	}
	for _, signal := range f.ActiveSignals() {
		if signal == f.multiplexer && f.MultiplexerValue != nil {
			signal.EncodeRaw(&data, int64(*f.MultiplexerValue))
			continue
		}
		value, ok := values[signal.Name]
		if !ok {
			continue
		}
		if clamped {
			signal.EncodeClamped(&data, value)
		} else if err := signal.Encode(&data, value); err != nil {
			return nil, err
		}
	}
	payload := make([]byte, f.Length)
	copy(payload, data[:f.Length])
	return payload, nil
}

// Unpack decodes every signal carried by this frame variant
func (f *Frame) Unpack(payload []byte) (map[string]float64, error) {
	if len(payload) != int(f.Length) {
		return nil, fmt.Errorf("%w: %v expects %v bytes, got %v", epyq.ErrMalformedFrame, f, f.Length, len(payload))
	}
	var data can.Data
	copy(data[:], payload)
	values := make(map[string]float64, len(f.Signals))
	for _, signal := range f.ActiveSignals() {
		values[signal.Name] = signal.Decode(&data)
	}
	return values, nil
}

func (f *Frame) String() string {
	if f.MultiplexerValue != nil {
		return fmt.Sprintf("%v[x%x|%v]", f.Name, f.ID, *f.MultiplexerValue)
	}
	return fmt.Sprintf("%v[x%x]", f.Name, f.ID)
}
