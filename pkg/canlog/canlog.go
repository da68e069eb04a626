// Package canlog records received CAN frames and exports them as PEAK TRC.
package canlog

import (
	"sync"
	"time"

	epyq "github.com/epcpower/goepyq"
	"github.com/epcpower/goepyq/internal/fifo"
	log "github.com/sirupsen/logrus"
)

const DefaultCapacity = 100000

type MessageType uint8

const (
	Rx MessageType = iota + 1
	Tx
	Error
)

func (t MessageType) String() string {
	switch t {
	case Rx:
		return "Rx"
	case Tx:
		return "Tx"
	case Error:
		return "Error"
	}
	return "Unknown"
}

type Message struct {
	Time  time.Time
	Type  MessageType
	Frame epyq.Frame
}

// Log keeps the most recent frames while active
type Log struct {
	mu       sync.Mutex
	logger   *log.Entry
	name     string
	active   bool
	messages *fifo.Fifo[Message]
	now      func() time.Time
	dropped  int
}

func New(name string, capacity int, logger *log.Entry) *Log {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		logger:   logger.WithField("service", "[LOG]"),
		name:     name,
		messages: fifo.NewFifo[Message](capacity),
		now:      time.Now,
	}
}

func (l *Log) Name() string {
	return l.name
}

// Handle records received frames while active
func (l *Log) Handle(frame epyq.Frame) {
	l.Record(Rx, frame)
}

func (l *Log) Record(kind MessageType, frame epyq.Frame) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.active {
		return
	}
	if l.messages.Write(Message{Time: l.now(), Type: kind, Frame: frame}) {
		l.dropped++
	}
}

func (l *Log) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active = true
}

func (l *Log) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active = false
}

func (l *Log) Active() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dropped > 0 {
		l.logger.Debugf("clearing %v, %v oldest messages were dropped", l.name, l.dropped)
	}
	l.messages.Reset()
	l.dropped = 0
}

// Restart clears then starts the log
func (l *Log) Restart() {
	l.Clear()
	l.Start()
}

// Messages returns a copy of the recorded messages, oldest first
func (l *Log) Messages() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.messages.Items()
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.messages.GetOccupied()
}

// MinimumTimestamp returns the time of the oldest message
func (l *Log) MinimumTimestamp() (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.messages.Peek()
	return m.Time, ok
}
