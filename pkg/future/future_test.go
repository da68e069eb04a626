package future

import (
	"context"
	"errors"
	"testing"
	"time"

	epyq "github.com/epcpower/goepyq"
	"github.com/stretchr/testify/assert"
)

func TestFirstSettleWins(t *testing.T) {
	f := New[int]()
	assert.False(t, f.Settled())
	assert.True(t, f.Resolve(1))
	assert.False(t, f.Resolve(2))
	assert.False(t, f.Reject(epyq.ErrRequestTimeout))
	value, err := f.Wait(context.Background())
	assert.Nil(t, err)
	assert.Equal(t, 1, value)
}

func TestWaitContext(t *testing.T) {
	f := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, f.Settled())
}

func TestOnSettled(t *testing.T) {
	f := New[string]()
	var got []string
	f.OnSettled(func(s string, err error) { got = append(got, "before:"+s) })
	f.Resolve("x")
	f.OnSettled(func(s string, err error) { got = append(got, "after:"+s) })
	assert.Equal(t, []string{"before:x", "after:x"}, got)
}

func TestCancel(t *testing.T) {
	f := New[int]()
	hooked := false
	f.SetCanceler(func() { hooked = true })
	f.Cancel()
	assert.True(t, hooked)
	_, err := f.Result()
	assert.ErrorIs(t, err, epyq.ErrCanceled)

	// Cancel after settle is a no-op
	done := Resolved(5)
	done.Cancel()
	value, err := done.Result()
	assert.Nil(t, err)
	assert.Equal(t, 5, value)
}

func TestThenCatch(t *testing.T) {
	f := New[int]()
	doubled := Then(f, func(v int) (int, error) { return v * 2, nil })
	f.Resolve(21)
	value, err := doubled.Wait(context.Background())
	assert.Nil(t, err)
	assert.Equal(t, 42, value)

	failed := Then(Rejected[int](epyq.ErrRequestTimeout), func(v int) (string, error) { return "unreachable", nil })
	_, err = failed.Result()
	assert.ErrorIs(t, err, epyq.ErrRequestTimeout)

	recovered := Catch(Rejected[int](epyq.ErrRequestTimeout), func(err error) (int, error) {
		if epyq.IsExpected(err) {
			return -1, nil
		}
		return 0, err
	})
	value, err = recovered.Result()
	assert.Nil(t, err)
	assert.Equal(t, -1, value)

	fatal := errors.New("fatal")
	passed := Catch(Rejected[int](fatal), func(err error) (int, error) { return 0, err })
	_, err = passed.Result()
	assert.ErrorIs(t, err, fatal)

	// Cancelling a chained future cancels its source
	source := New[int]()
	chained := Then(source, func(v int) (int, error) { return v, nil })
	chained.Cancel()
	_, err = source.Result()
	assert.ErrorIs(t, err, epyq.ErrCanceled)
}
