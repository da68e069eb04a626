package canlog

import (
	"bytes"
	"strings"
	"testing"
	"time"

	epyq "github.com/epcpower/goepyq"
	"github.com/stretchr/testify/assert"
)

func TestLogRing(t *testing.T) {
	l := New("test", 2, nil)
	frame := epyq.NewFrame(0x100, false, 1)
	l.Handle(frame)
	assert.Equal(t, 0, l.Len(), "inactive log must not record")

	base := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	tick := 0
	l.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Millisecond)
	}
	l.Start()
	for i := 0; i < 3; i++ {
		frame.Data[0] = byte(i)
		l.Handle(frame)
	}
	messages := l.Messages()
	assert.Len(t, messages, 2)
	assert.EqualValues(t, 1, messages[0].Frame.Data[0])
	ts, ok := l.MinimumTimestamp()
	assert.True(t, ok)
	assert.Equal(t, base.Add(2*time.Millisecond), ts)

	l.Restart()
	assert.Equal(t, 0, l.Len())
	assert.True(t, l.Active())
	_, ok = l.MinimumTimestamp()
	assert.False(t, ok)
}

func TestWriteTRC(t *testing.T) {
	base := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	frame := epyq.NewFrame(0x18FF0009, true, 3)
	copy(frame.Data[:], []byte{0x01, 0xAB, 0xFF})
	messages := []Message{
		{Time: base, Type: Rx, Frame: frame},
		{Time: base.Add(1500 * time.Microsecond), Type: Rx, Frame: epyq.NewFrame(0x100, false, 0)},
	}
	var buf bytes.Buffer
	assert.Nil(t, WriteTRC(&buf, "capture.trc", messages))
	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	assert.Equal(t, ";$FILEVERSION=1.1", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], ";$STARTTIME=45293.12"))
	assert.Equal(t, ";   capture.trc", lines[3])
	assert.Equal(t, "     1)         0.0  Rx     18FF0009  3  01 AB FF ", lines[16])
	assert.Equal(t, "     2)         1.5  Rx     00000100  0   ", lines[17])
	assert.Len(t, lines, 18)
}
