// Package loopingset runs a set of periodic requests, each on its own period.
package loopingset

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/epcpower/goepyq/pkg/future"
	log "github.com/sirupsen/logrus"
)

const DefaultPeriod = time.Second

// Request is fired periodically while the set runs
// The next firing is scheduled Period after the result returned by Action
// is done. A nil result counts as done.
type Request struct {
	Period time.Duration
	Action func() future.Waiter
}

type entry struct {
	key     any
	request Request
	stop    chan struct{} // nil while the set is stopped
	stopped bool
	pending future.Waiter
	firing  chan struct{} // closed when the running action returns
	owner   uint64        // goroutine firing the entry
}

// LoopingSet keeps its requests across Start and Stop
type LoopingSet struct {
	mu      sync.Mutex
	logger  *log.Entry
	name    string
	running bool
	entries map[any]*entry
	order   []any
}

func New(name string, logger *log.Entry) *LoopingSet {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &LoopingSet{
		logger:  logger.WithField("service", "[LOOP]").WithField("set", name),
		name:    name,
		entries: make(map[any]*entry),
	}
}

// Add inserts or replaces the request stored under key
// A replaced request fires immediately when the set is running.
func (s *LoopingSet) Add(key any, request Request) {
	if request.Period <= 0 {
		request.Period = DefaultPeriod
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[key]; ok {
		s.halt(old)
	} else {
		s.order = append(s.order, key)
	}
	e := &entry{key: key, request: request}
	s.entries[key] = e
	if s.running {
		s.launch(e)
	}
}

// Remove drops the request under key and cancels its outstanding result
// The request never fires once Remove returns, an action running
// concurrently is waited for unless Remove is called from that action.
// Unknown keys are ignored.
func (s *LoopingSet) Remove(key any) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.entries, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i:i], s.order[i+1:]...)
			break
		}
	}
	s.halt(e)
	e.stopped = true
	pending := e.pending
	e.pending = nil
	firing := e.firing
	if firing != nil && e.owner == goroutineID() {
		firing = nil
	}
	s.mu.Unlock()
	cancel(pending)
	if firing != nil {
		<-firing
	}
}

// Start fires every request immediately, then on its own period
func (s *LoopingSet) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	for _, key := range s.order {
		s.launch(s.entries[key])
	}
	s.logger.Debugf("started with %v requests", len(s.order))
}

// Stop halts firing, requests are retained
func (s *LoopingSet) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	for _, e := range s.entries {
		s.halt(e)
	}
	s.logger.Debug("stopped")
}

func (s *LoopingSet) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Keys returns the request keys in insertion order
func (s *LoopingSet) Keys() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]any{}, s.order...)
}

func (s *LoopingSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Must hold lock
func (s *LoopingSet) launch(e *entry) {
	stop := make(chan struct{})
	e.stop = stop
	go s.loop(e, stop)
}

// Must hold lock
func (s *LoopingSet) halt(e *entry) {
	if e.stop != nil {
		close(e.stop)
		e.stop = nil
	}
}

func active(stop chan struct{}) bool {
	select {
	case <-stop:
		return false
	default:
		return true
	}
}

func (s *LoopingSet) loop(e *entry, stop chan struct{}) {
	owner := goroutineID()
	for {
		s.mu.Lock()
		if e.stopped || !active(stop) {
			s.mu.Unlock()
			return
		}
		firing := make(chan struct{})
		e.firing = firing
		e.owner = owner
		s.mu.Unlock()

		result := e.request.Action()

		s.mu.Lock()
		e.firing = nil
		close(firing)
		removed := e.stopped
		if result != nil && !removed {
			e.pending = result
		}
		s.mu.Unlock()
		if removed {
			if result != nil {
				cancel(result)
			}
			return
		}
		if result != nil {
			select {
			case <-result.Done():
			case <-stop:
				return
			}
			s.mu.Lock()
			if e.pending == result {
				e.pending = nil
			}
			s.mu.Unlock()
		}
		timer := time.NewTimer(e.request.Period)
		select {
		case <-timer.C:
		case <-stop:
			timer.Stop()
			return
		}
	}
}

// goroutineID parses the id of the calling goroutine from its stack header
func goroutineID() uint64 {
	var buf [64]byte
	header := bytes.TrimPrefix(buf[:runtime.Stack(buf[:], false)], []byte("goroutine "))
	if i := bytes.IndexByte(header, ' '); i >= 0 {
		header = header[:i]
	}
	id, _ := strconv.ParseUint(string(header), 10, 64)
	return id
}

func cancel(result future.Waiter) {
	if canceler, ok := result.(future.Canceler); ok {
		canceler.Cancel()
	}
}
