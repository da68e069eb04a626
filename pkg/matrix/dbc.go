package matrix

import (
	"fmt"
	"os"
	"sort"
	"time"

	epyq "github.com/epcpower/goepyq"
	"go.einride.tech/can/pkg/dbc"
)

const attributeCycleTime = "GenMsgCycleTime"

// LoadDBC reads a DBC file into a matrix
func LoadDBC(path string) (*Matrix, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseDBC(path, data)
}

type signalKey struct {
	id   dbc.MessageID
	name dbc.Identifier
}

// ParseDBC parses DBC source into a matrix
// Multiplexed messages are split into one frame per multiplexer value.
func ParseDBC(filename string, data []byte) (*Matrix, error) {
	parser := dbc.NewParser(filename, data)
	if err := parser.Parse(); err != nil {
		return nil, fmt.Errorf("%w: %v", epyq.ErrIllegalArgument, err)
	}
	var messages []*dbc.MessageDef
	cycleTimes := make(map[dbc.MessageID]time.Duration)
	enumerations := make(map[signalKey]map[int64]string)
	for _, def := range parser.Defs() {
		switch def := def.(type) {
		case *dbc.MessageDef:
			messages = append(messages, def)
		case *dbc.AttributeValueForObjectDef:
			if def.AttributeName != attributeCycleTime || def.ObjectType != dbc.ObjectTypeMessage {
				continue
			}
			ms := def.IntValue
			if ms == 0 {
				ms = int64(def.FloatValue)
			}
			cycleTimes[def.MessageID] = time.Duration(ms) * time.Millisecond
		case *dbc.ValueDescriptionsDef:
			if def.ObjectType != dbc.ObjectTypeSignal {
				continue
			}
			enum := make(map[int64]string, len(def.ValueDescriptions))
			for _, vd := range def.ValueDescriptions {
				enum[int64(vd.Value)] = vd.Description
			}
			enumerations[signalKey{def.MessageID, def.SignalName}] = enum
		}
	}

	var frames []*Frame
	for _, msg := range messages {
		built, err := framesFromMessage(msg, cycleTimes[msg.MessageID], enumerations)
		if err != nil {
			return nil, err
		}
		frames = append(frames, built...)
	}
	return New(frames...)
}

func framesFromMessage(msg *dbc.MessageDef, cycle time.Duration, enums map[signalKey]map[int64]string) ([]*Frame, error) {
	id := msg.MessageID.ToCAN()
	extended := msg.MessageID.IsExtended()
	name := string(msg.Name)
	length := uint8(msg.Size)

	build := func(mux *uint32) []*Signal {
		var signals []*Signal
		for _, def := range msg.Signals {
			if def.IsMultiplexed && (mux == nil || uint32(def.MultiplexerSwitch) != *mux) {
				continue
			}
			signals = append(signals, signalFromDef(msg, def, enums))
		}
		return signals
	}

	values := make(map[uint32]struct{})
	hasSwitch := false
	for _, def := range msg.Signals {
		if def.IsMultiplexerSwitch {
			hasSwitch = true
		}
		if def.IsMultiplexed {
			values[uint32(def.MultiplexerSwitch)] = struct{}{}
		}
	}
	if !hasSwitch || len(values) == 0 {
		frame, err := NewFrame(name, id, extended, length, cycle, build(nil))
		if err != nil {
			return nil, err
		}
		return []*Frame{frame}, nil
	}

	muxValues := make([]uint32, 0, len(values))
	for v := range values {
		muxValues = append(muxValues, v)
	}
	sort.Slice(muxValues, func(i, j int) bool { return muxValues[i] < muxValues[j] })
	frames := make([]*Frame, 0, len(muxValues))
	for _, v := range muxValues {
		mux := v
		frame, err := NewFrame(name, id, extended, length, cycle, build(&mux))
		if err != nil {
			return nil, err
		}
		frame.MultiplexerValue = &mux
		frames = append(frames, frame)
	}
	return frames, nil
}

func signalFromDef(msg *dbc.MessageDef, def dbc.SignalDef, enums map[signalKey]map[int64]string) *Signal {
	signal := &Signal{
		Name:          string(def.Name),
		StartBit:      uint8(def.StartBit),
		BitLength:     uint8(def.Size),
		LittleEndian:  !def.IsBigEndian,
		Signed:        def.IsSigned,
		Scale:         def.Factor,
		Offset:        def.Offset,
		Unit:          def.Unit,
		IsMultiplexer: def.IsMultiplexerSwitch,
		Enumeration:   enums[signalKey{msg.MessageID, def.Name}],
	}
	// DBC uses 0|0 for unspecified limits
	if def.Minimum != 0 || def.Maximum != 0 {
		lo, hi := def.Minimum, def.Maximum
		signal.Min, signal.Max = &lo, &hi
	}
	if def.IsMultiplexed {
		mux := uint32(def.MultiplexerSwitch)
		signal.MultiplexerValue = &mux
	}
	return signal
}
