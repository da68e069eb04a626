package loopingset

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	epyq "github.com/epcpower/goepyq"
	"github.com/epcpower/goepyq/pkg/future"
	"github.com/stretchr/testify/assert"
)

type counter struct {
	n atomic.Int32
}

func (c *counter) request(period time.Duration) Request {
	return Request{Period: period, Action: func() future.Waiter {
		c.n.Add(1)
		return nil
	}}
}

func TestStartFiresEachOnItsPeriod(t *testing.T) {
	set := New("test", nil)
	fast, slow := &counter{}, &counter{}
	set.Add("fast", fast.request(20*time.Millisecond))
	set.Add("slow", slow.request(200*time.Millisecond))

	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 0, fast.n.Load(), "stopped set must not fire")

	set.Start()
	defer set.Stop()
	time.Sleep(150 * time.Millisecond)
	assert.GreaterOrEqual(t, fast.n.Load(), int32(3))
	assert.EqualValues(t, 1, slow.n.Load())
}

func TestRemoveStopsFiring(t *testing.T) {
	set := New("test", nil)
	c := &counter{}
	set.Add(1, c.request(10*time.Millisecond))
	set.Start()
	defer set.Stop()
	time.Sleep(35 * time.Millisecond)
	set.Remove(1)
	count := c.n.Load()
	set.Remove("absent")
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, count, c.n.Load())
	assert.Equal(t, 0, set.Len())
}

func TestNoFiringAfterRemoveReturns(t *testing.T) {
	late := 0
	for i := 0; i < 500; i++ {
		set := New("test", nil)
		var removed, fired atomic.Bool
		set.Add("k", Request{Period: time.Nanosecond, Action: func() future.Waiter {
			if removed.Load() {
				fired.Store(true)
			}
			return nil
		}})
		set.Start()
		time.Sleep(time.Duration(i%5) * 10 * time.Microsecond)
		set.Remove("k")
		removed.Store(true)
		time.Sleep(100 * time.Microsecond)
		if fired.Load() {
			late++
		}
		set.Stop()
	}
	assert.Equal(t, 0, late)
}

func TestRemoveWaitsForRunningAction(t *testing.T) {
	set := New("test", nil)
	entered := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	set.Add("k", Request{Period: time.Hour, Action: func() future.Waiter {
		close(entered)
		<-release
		finished.Store(true)
		return nil
	}})
	set.Start()
	defer set.Stop()
	<-entered

	done := make(chan struct{})
	go func() {
		set.Remove("k")
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("remove returned while the action was running")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-done
	assert.True(t, finished.Load())
}

func TestRemoveCancelsOutstanding(t *testing.T) {
	set := New("test", nil)
	var mu sync.Mutex
	var outstanding *future.Future[int]
	set.Add("k", Request{Period: 10 * time.Millisecond, Action: func() future.Waiter {
		mu.Lock()
		defer mu.Unlock()
		outstanding = future.New[int]()
		return outstanding
	}})
	set.Start()
	defer set.Stop()
	time.Sleep(20 * time.Millisecond)
	set.Remove("k")
	mu.Lock()
	defer mu.Unlock()
	_, err := outstanding.Result()
	assert.ErrorIs(t, err, epyq.ErrCanceled)
}

func TestWaitsForResult(t *testing.T) {
	set := New("test", nil)
	var fired atomic.Int32
	release := future.New[int]()
	set.Add("k", Request{Period: 5 * time.Millisecond, Action: func() future.Waiter {
		if fired.Add(1) == 1 {
			return release
		}
		return nil
	}})
	set.Start()
	defer set.Stop()
	time.Sleep(40 * time.Millisecond)
	assert.EqualValues(t, 1, fired.Load())
	release.Resolve(0)
	time.Sleep(40 * time.Millisecond)
	assert.Greater(t, fired.Load(), int32(1))
}

func TestReplaceAndReentrancy(t *testing.T) {
	set := New("test", nil)
	old, replacement := &counter{}, &counter{}
	set.Add("k", old.request(time.Hour))
	set.Start()
	defer set.Stop()
	time.Sleep(10 * time.Millisecond)
	assert.EqualValues(t, 1, old.n.Load())

	set.Add("k", replacement.request(time.Hour))
	time.Sleep(10 * time.Millisecond)
	assert.EqualValues(t, 1, old.n.Load())
	assert.EqualValues(t, 1, replacement.n.Load())
	assert.Equal(t, []any{"k"}, set.Keys())

	// Requests adding and removing from within their own action
	added := &counter{}
	set.Add("self", Request{Period: time.Hour, Action: func() future.Waiter {
		set.Add("child", added.request(time.Hour))
		set.Remove("self")
		return nil
	}})
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, added.n.Load())
	assert.Equal(t, []any{"k", "child"}, set.Keys())
}

func TestStopRetainsRequests(t *testing.T) {
	set := New("test", nil)
	c := &counter{}
	set.Add("k", c.request(time.Hour))
	set.Start()
	time.Sleep(10 * time.Millisecond)
	set.Stop()
	assert.False(t, set.Running())
	assert.Equal(t, 1, set.Len())
	set.Start()
	time.Sleep(10 * time.Millisecond)
	set.Stop()
	assert.EqualValues(t, 2, c.n.Load())
}
