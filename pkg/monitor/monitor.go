// Package monitor declares a device present or lost depending on whether its
// periodic status frame keeps arriving.
package monitor

import (
	"sync"
	"time"

	epyq "github.com/epcpower/goepyq"
	log "github.com/sirupsen/logrus"
)

const (
	StateAbsent  = 0x00 // No frame received within timeout
	StatePresent = 0x01 // Frame received within timeout
)

const (
	EventFound = 0x01
	EventLost  = 0x02
)

const (
	DefaultAbsolute = 500 * time.Millisecond
	DefaultRelative = 5.0
)

type EventCallback func(event uint8)

type Config struct {
	ID       uint32
	Extended bool
	Length   uint8 // expected DLC, 0 accepts any
	Cycle    time.Duration
	Absolute time.Duration // lower bound of the timeout
	Relative float64       // timeout in frame cycles
}

// Timeout returns max(absolute, relative x cycle)
func Timeout(cycle time.Duration, absolute time.Duration, relative float64) time.Duration {
	scaled := time.Duration(relative * float64(cycle))
	if scaled > absolute {
		return scaled
	}
	return absolute
}

// FrameTimeout monitors the reception of a single frame
type FrameTimeout struct {
	mu         sync.Mutex
	logger     *log.Entry
	bm         *epyq.BusManager
	config     Config
	timeout    time.Duration
	state      uint8
	timer      *time.Timer
	generation uint64
	callbacks  []EventCallback
	rxCancel   func()
}

func New(bm *epyq.BusManager, config Config, logger *log.Entry) *FrameTimeout {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	if config.Absolute <= 0 {
		config.Absolute = DefaultAbsolute
	}
	if config.Relative <= 0 {
		config.Relative = DefaultRelative
	}
	return &FrameTimeout{
		logger:  logger.WithField("service", "[MON]"),
		bm:      bm,
		config:  config,
		timeout: Timeout(config.Cycle, config.Absolute, config.Relative),
		state:   StateAbsent,
	}
}

// OnEvent registers a callback for found and lost events
func (m *FrameTimeout) OnEvent(callback EventCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, callback)
}

func (m *FrameTimeout) Timeout() time.Duration {
	return m.timeout
}

func (m *FrameTimeout) State() uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *FrameTimeout) Present() bool {
	return m.State() == StatePresent
}

// Start listening for the frame
// The monitor starts absent and reports lost, as if the frame just timed out.
func (m *FrameTimeout) Start() error {
	m.mu.Lock()
	if m.rxCancel == nil {
		rxCancel, err := m.bm.Subscribe(m.config.ID, m.config.Extended, m)
		if err != nil {
			m.mu.Unlock()
			return err
		}
		m.rxCancel = rxCancel
	}
	m.generation++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.state = StateAbsent
	callbacks := append([]EventCallback{}, m.callbacks...)
	m.mu.Unlock()

	m.logger.Debugf("monitoring x%x, timeout %v", m.config.ID, m.timeout)
	for _, callback := range callbacks {
		callback(EventLost)
	}
	return nil
}

// Stop listening
// A present device is reported lost.
func (m *FrameTimeout) Stop() {
	m.mu.Lock()
	m.generation++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.rxCancel != nil {
		m.rxCancel()
		m.rxCancel = nil
	}
	lost := m.state == StatePresent
	m.state = StateAbsent
	callbacks := append([]EventCallback{}, m.callbacks...)
	m.mu.Unlock()

	if lost {
		m.logger.Debug("stopped, device no longer monitored")
		for _, callback := range callbacks {
			callback(EventLost)
		}
	}
}

// Handle monitor frames
func (m *FrameTimeout) Handle(frame epyq.Frame) {
	if m.config.Length != 0 && frame.DLC != m.config.Length {
		m.logger.Debugf("ignoring %v, expected length %v", frame, m.config.Length)
		return
	}
	m.mu.Lock()
	m.generation++
	generation := m.generation
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.timeout, func() { m.expire(generation) })
	found := m.state == StateAbsent
	m.state = StatePresent
	callbacks := append([]EventCallback{}, m.callbacks...)
	m.mu.Unlock()

	if found {
		m.logger.Info("device found")
		for _, callback := range callbacks {
			callback(EventFound)
		}
	}
}

func (m *FrameTimeout) expire(generation uint64) {
	m.mu.Lock()
	if generation != m.generation || m.state != StatePresent {
		m.mu.Unlock()
		return
	}
	m.state = StateAbsent
	m.timer = nil
	callbacks := append([]EventCallback{}, m.callbacks...)
	m.mu.Unlock()

	m.logger.Warnf("device lost, no frame x%x for %v", m.config.ID, m.timeout)
	for _, callback := range callbacks {
		callback(EventLost)
	}
}
