package canlog

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"
)

const trcHeader = `;$FILEVERSION=1.1
;$STARTTIME=%v
;
;   %v
;
;   Start time: %v
;   Generated by goepyq
;
;   Message Number
;   |         Time Offset (ms)
;   |         |        Type
;   |         |        |        ID (hex)
;   |         |        |        |     Data Length
;   |         |        |        |     |   Data Bytes (hex) ...
;   |         |        |        |     |   |
;---+--   ----+----  --+--  ----+---  +  -+ -- -- -- -- -- -- --`

// OLE automation epoch used by $STARTTIME
var oleEpoch = time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)

// WriteTRC writes messages in PEAK TRC version 1.1 format
// Time offsets are relative to the first message.
func WriteTRC(w io.Writer, name string, messages []Message) error {
	out := bufio.NewWriter(w)
	var start time.Time
	startDays := 0.0
	startString := ""
	if len(messages) > 0 {
		start = messages[0].Time
		startDays = start.Sub(oleEpoch).Hours() / 24
		startString = start.Format("2006-01-02 15:04:05.000")
	}
	header := fmt.Sprintf(trcHeader, strings.TrimRight(fmt.Sprintf("%.10f", startDays), "0"), name, startString)
	for _, line := range strings.Split(header, "\n") {
		if _, err := fmt.Fprintln(out, strings.TrimRight(line, " ")); err != nil {
			return err
		}
	}
	for i, m := range messages {
		offset := float64(m.Time.Sub(start).Microseconds()) / 1000
		data := make([]string, 0, m.Frame.DLC)
		for _, b := range m.Frame.Payload() {
			data = append(data, fmt.Sprintf("%02X", b))
		}
		_, err := fmt.Fprintf(out, "%6d)  %10.1f  %-5s  %08X  %1d  %v \n",
			i+1, offset, m.Type, m.Frame.ID, m.Frame.DLC, strings.Join(data, " "))
		if err != nil {
			return err
		}
	}
	return out.Flush()
}

// WriteTRC exports the recorded messages
func (l *Log) WriteTRC(w io.Writer) error {
	return WriteTRC(w, l.name, l.Messages())
}
