package matrix

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	epyq "github.com/epcpower/goepyq"
	"go.einride.tech/can"
)

// Signal is a named bit field inside of a [Frame]
type Signal struct {
	Name         string
	StartBit     uint8 // LSB for little endian, MSB (DBC numbering) for big endian
	BitLength    uint8
	LittleEndian bool
	Signed       bool
	Scale        float64
	Offset       float64
	Min          *float64
	Max          *float64
	Unit         string
	Enumeration  map[int64]string
	// Multiplexer selector signal of a multiplexed frame
	IsMultiplexer bool
	// Value of the multiplexer selecting this signal, nil when always present
	MultiplexerValue *uint32

	frame *Frame
}

// Frame owning this signal
func (s *Signal) Frame() *Frame {
	return s.frame
}

func (s *Signal) String() string {
	if s.frame == nil {
		return s.Name
	}
	return s.frame.Name + ":" + s.Name
}

func (s *Signal) scale() float64 {
	if s.Scale == 0 {
		return 1
	}
	return s.Scale
}

// Bits returns the frame bit positions (byte*8 + bit) covered by the signal
func (s *Signal) Bits() []int {
	positions := make([]int, 0, s.BitLength)
	pos := int(s.StartBit)
	for i := 0; i < int(s.BitLength); i++ {
		positions = append(positions, pos)
		if s.LittleEndian {
			pos++
		} else if pos%8 == 0 {
			pos += 15
		} else {
			pos--
		}
	}
	return positions
}

func (s *Signal) validate(length uint8) error {
	if s.BitLength == 0 || s.BitLength > 64 {
		return fmt.Errorf("signal %v : invalid bit length %v", s.Name, s.BitLength)
	}
	for _, pos := range s.Bits() {
		if pos < 0 || pos >= int(length)*8 {
			return fmt.Errorf("signal %v : bit %v outside of %v byte frame", s.Name, pos, length)
		}
	}
	if s.Min != nil && s.Max != nil && *s.Min > *s.Max {
		return fmt.Errorf("signal %v : minimum %v greater than maximum %v", s.Name, *s.Min, *s.Max)
	}
	return nil
}

// RawRange returns the physical values representable by the bit field
func (s *Signal) RawRange() (float64, float64) {
	var lo, hi float64
	if s.Signed {
		lo = -math.Ldexp(1, int(s.BitLength)-1)
		hi = math.Ldexp(1, int(s.BitLength)-1) - 1
	} else {
		lo = 0
		hi = math.Ldexp(1, int(s.BitLength)) - 1
	}
	lo, hi = lo*s.scale()+s.Offset, hi*s.scale()+s.Offset
	if lo > hi {
		lo, hi = hi, lo
	}
	return lo, hi
}

// Limits returns the allowed physical range, declared limits take precedence
// over the bit field limits
func (s *Signal) Limits() (float64, float64) {
	lo, hi := s.RawRange()
	if s.Min != nil && *s.Min > lo {
		lo = *s.Min
	}
	if s.Max != nil && *s.Max < hi {
		hi = *s.Max
	}
	return lo, hi
}

// Decode the physical value of the signal from data
func (s *Signal) Decode(data *can.Data) float64 {
	return float64(s.DecodeRaw(data))*s.scale() + s.Offset
}

// DecodeRaw returns the raw integer held by the bit field
func (s *Signal) DecodeRaw(data *can.Data) int64 {
	switch {
	case s.LittleEndian && s.Signed:
		return data.SignedBitsLittleEndian(s.StartBit, s.BitLength)
	case s.LittleEndian:
		return int64(data.UnsignedBitsLittleEndian(s.StartBit, s.BitLength))
	case s.Signed:
		return data.SignedBitsBigEndian(s.StartBit, s.BitLength)
	default:
		return int64(data.UnsignedBitsBigEndian(s.StartBit, s.BitLength))
	}
}

// Encode the physical value into data
// Values outside of [Signal.Limits] are rejected with [epyq.ErrRange]
func (s *Signal) Encode(data *can.Data, value float64) error {
	lo, hi := s.Limits()
	if math.IsNaN(value) || value < lo || value > hi {
		return fmt.Errorf("%w: %v = %v not in [%v, %v]", epyq.ErrRange, s, value, lo, hi)
	}
	s.EncodeRaw(data, s.toRaw(value))
	return nil
}

// EncodeClamped saturates value to [Signal.Limits] before encoding
func (s *Signal) EncodeClamped(data *can.Data, value float64) {
	lo, hi := s.Limits()
	if math.IsNaN(value) {
		value = 0
	}
	s.EncodeRaw(data, s.toRaw(clamp(value, lo, hi)))
}

func (s *Signal) toRaw(value float64) int64 {
	raw := math.Round((value - s.Offset) / s.scale())
	rawLo, rawHi := int64(0), int64(0)
	if s.Signed {
		rawLo = -int64(math.Ldexp(1, int(s.BitLength)-1))
		rawHi = int64(math.Ldexp(1, int(s.BitLength)-1) - 1)
	} else {
		rawHi = int64(math.Min(math.Ldexp(1, int(s.BitLength))-1, math.MaxInt64))
	}
	raw = clamp(raw, float64(rawLo), float64(rawHi))
	if raw >= math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(raw)
}

func (s *Signal) EncodeRaw(data *can.Data, raw int64) {
	switch {
	case s.LittleEndian && s.Signed:
		data.SetSignedBitsLittleEndian(s.StartBit, s.BitLength, raw)
	case s.LittleEndian:
		data.SetUnsignedBitsLittleEndian(s.StartBit, s.BitLength, uint64(raw))
	case s.Signed:
		data.SetSignedBitsBigEndian(s.StartBit, s.BitLength, raw)
	default:
		data.SetUnsignedBitsBigEndian(s.StartBit, s.BitLength, uint64(raw))
	}
}

// Format the value using the enumeration if one matches
func (s *Signal) Format(value float64) string {
	if s.Enumeration != nil {
		raw := int64(math.Round((value - s.Offset) / s.scale()))
		if name, ok := s.Enumeration[raw]; ok {
			return name
		}
	}
	return strconv.FormatFloat(value, 'g', -1, 64)
}

// Parse accepts a number or, case insensitively, an enumeration name
func (s *Signal) Parse(text string) (float64, error) {
	if value, err := strconv.ParseFloat(strings.TrimSpace(text), 64); err == nil {
		return value, nil
	}
	for raw, name := range s.Enumeration {
		if strings.EqualFold(name, strings.TrimSpace(text)) {
			return float64(raw)*s.scale() + s.Offset, nil
		}
	}
	return 0, fmt.Errorf("%w: %q is not a value of %v", epyq.ErrIllegalArgument, text, s)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
