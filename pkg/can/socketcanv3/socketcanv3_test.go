//go:build linux

package socketcanv3

import (
	"testing"
	"unsafe"

	epyq "github.com/epcpower/goepyq"
	"github.com/stretchr/testify/assert"
)

func TestFrameLayout(t *testing.T) {
	assert.EqualValues(t, canFrameSize, unsafe.Sizeof(rawFrame{}))
}

func TestFrameConversion(t *testing.T) {
	standard := epyq.Frame{ID: 0x123, DLC: 2, Data: [8]byte{1, 2}}
	assert.Equal(t, standard, fromRaw(toRaw(standard)))

	extended := epyq.Frame{ID: 0x18EF0941, Extended: true, DLC: 8}
	raw := toRaw(extended)
	assert.Equal(t, uint32(0x18EF0941)|epyq.CanEffFlag, raw.ID)
	assert.Equal(t, extended, fromRaw(raw))
}

func TestKernelFilters(t *testing.T) {
	filters := kernelFilters([]Filter{{ID: 0x18EE4109, Extended: true}, {ID: 0x100}})
	assert.Len(t, filters, 2)
	assert.Equal(t, uint32(0x18EE4109)|epyq.CanEffFlag, filters[0].Id)
	assert.Equal(t, uint32(0x100), filters[1].Id)
	assert.Equal(t, epyq.CanSffMask|epyq.CanEffFlag|epyq.CanRtrFlag, filters[1].Mask)
}
