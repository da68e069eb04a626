package nv

import (
	"fmt"
	"strings"

	epyq "github.com/epcpower/goepyq"
)

// Meta selects one of the value slots of a parameter
// The numeric value is the selector carried on the wire.
type Meta uint8

const (
	Value Meta = iota
	UserDefault
	FactoryDefault
	Minimum
	Maximum
)

const metaCount = 5

// Metas in wire order
var Metas = []Meta{Value, UserDefault, FactoryDefault, Minimum, Maximum}

var metaNames = [metaCount]string{"value", "user_default", "factory_default", "minimum", "maximum"}

func (m Meta) String() string {
	if int(m) < metaCount {
		return metaNames[m]
	}
	return fmt.Sprintf("meta(%d)", uint8(m))
}

func (m Meta) Valid() bool {
	return int(m) < metaCount
}

// ParseMeta accepts the meta name or its wire selector
func ParseMeta(s string) (Meta, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range metaNames {
		if s == name || s == fmt.Sprint(i) {
			return Meta(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown meta %q", epyq.ErrIllegalArgument, s)
}

func (m Meta) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("%w: meta %d", epyq.ErrIllegalArgument, uint8(m))
	}
	return []byte(m.String()), nil
}

func (m *Meta) UnmarshalText(text []byte) error {
	parsed, err := ParseMeta(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
