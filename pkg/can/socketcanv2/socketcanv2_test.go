//go:build linux

package socketcanv2

import (
	"testing"

	epyq "github.com/epcpower/goepyq"
	"github.com/stretchr/testify/assert"
)

func TestEinrideConversion(t *testing.T) {
	frame := epyq.Frame{ID: 0x18FF0041, Extended: true, DLC: 8, Data: [8]byte{1, 2, 3, 4, 5, 6, 7, 8}}
	converted := ToEinride(frame)
	assert.Nil(t, converted.Validate())
	assert.True(t, converted.IsExtended)
	assert.Equal(t, frame, FromEinride(converted))
}
