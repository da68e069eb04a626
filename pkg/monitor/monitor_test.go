package monitor

import (
	"sync"
	"testing"
	"time"

	epyq "github.com/epcpower/goepyq"
	"github.com/stretchr/testify/assert"
)

type recorder struct {
	mu     sync.Mutex
	events []uint8
}

func (r *recorder) record(event uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) get() []uint8 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint8{}, r.events...)
}

func TestTimeout(t *testing.T) {
	assert.Equal(t, 500*time.Millisecond, Timeout(10*time.Millisecond, 500*time.Millisecond, 5))
	assert.Equal(t, time.Second, Timeout(200*time.Millisecond, 500*time.Millisecond, 5))
	m := New(epyq.NewBusManager(nil, nil), Config{ID: 0x100, Cycle: 200 * time.Millisecond}, nil)
	assert.Equal(t, time.Second, m.Timeout())
}

func TestFoundAndLost(t *testing.T) {
	bm := epyq.NewBusManager(nil, nil)
	m := New(bm, Config{ID: 0x100, Length: 8, Cycle: 10 * time.Millisecond, Absolute: 60 * time.Millisecond}, nil)
	rec := &recorder{}
	m.OnEvent(rec.record)
	assert.Nil(t, m.Start())
	assert.Equal(t, []uint8{EventLost}, rec.get())
	assert.False(t, m.Present())

	frame := epyq.NewFrame(0x100, false, 8)
	for i := 0; i < 10; i++ {
		bm.Handle(frame)
		time.Sleep(20 * time.Millisecond)
	}
	assert.True(t, m.Present())
	assert.Equal(t, []uint8{EventLost, EventFound}, rec.get())

	time.Sleep(150 * time.Millisecond)
	assert.False(t, m.Present())
	assert.Equal(t, []uint8{EventLost, EventFound, EventLost}, rec.get())

	// Wrong length and other ids are ignored
	bm.Handle(epyq.NewFrame(0x100, false, 4))
	bm.Handle(epyq.NewFrame(0x101, false, 8))
	assert.False(t, m.Present())

	bm.Handle(frame)
	assert.True(t, m.Present())
	m.Stop()
	assert.False(t, m.Present())
	time.Sleep(100 * time.Millisecond)
	bm.Handle(frame)
	assert.False(t, m.Present())
	assert.Equal(t, []uint8{EventLost, EventFound, EventLost, EventFound, EventLost}, rec.get())

	// Stopping an absent device reports nothing
	m.Stop()
	assert.Len(t, rec.get(), 5)
}

func TestRestart(t *testing.T) {
	bm := epyq.NewBusManager(nil, nil)
	m := New(bm, Config{ID: 0x200, Extended: true, Absolute: time.Hour}, nil)
	rec := &recorder{}
	m.OnEvent(rec.record)
	assert.Nil(t, m.Start())
	bm.Handle(epyq.NewFrame(0x200, true, 1))
	assert.True(t, m.Present())
	assert.Nil(t, m.Start())
	assert.False(t, m.Present())
	assert.Equal(t, []uint8{EventLost, EventFound, EventLost}, rec.get())
	m.Stop()
}
