//go:build linux

package socketcan

import (
	"testing"

	epyq "github.com/epcpower/goepyq"
	"github.com/stretchr/testify/assert"
)

func TestFrameConversion(t *testing.T) {
	standard := epyq.Frame{ID: 0x123, DLC: 2, Data: [8]byte{1, 2}}
	assert.Equal(t, standard, fromBrutella(toBrutella(standard)))

	extended := epyq.Frame{ID: 0x18EF4100, Extended: true, DLC: 8}
	converted := toBrutella(extended)
	assert.Equal(t, uint32(0x18EF4100)|epyq.CanEffFlag, converted.ID)
	assert.Equal(t, extended, fromBrutella(converted))
}
