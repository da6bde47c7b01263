package wait

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func busyFor(n int) (PollFunc, *int) {
	calls := 0
	return func() (bool, error) {
		calls++
		return calls <= n, nil
	}, &calls
}

func TestUntilStillReadyAfterThreeBusyPolls(t *testing.T) {
	poll, calls := busyFor(3)

	start := time.Now()
	res, err := UntilStill(context.Background(), poll, Options{Interval: 10 * time.Millisecond, Timeout: time.Second})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, Ready, res)
	assert.Equal(t, 4, *calls)
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
	assert.LessOrEqual(t, elapsed, time.Second)
}

func TestUntilStillImmediatelyReady(t *testing.T) {
	poll, calls := busyFor(0)
	res, err := UntilStill(context.Background(), poll, Options{Interval: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, Ready, res)
	assert.Equal(t, 1, *calls)
}

func TestUntilStillTimesOut(t *testing.T) {
	poll := func() (bool, error) { return true, nil }
	start := time.Now()
	res, err := UntilStill(context.Background(), poll, Options{Interval: 5 * time.Millisecond, Timeout: 40 * time.Millisecond})
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, TimedOut, res)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestUntilStillRefreshEveryPoll(t *testing.T) {
	poll, _ := busyFor(2)
	refreshes := 0
	_, err := UntilStill(context.Background(), poll, Options{
		Interval: time.Millisecond,
		Timeout:  time.Second,
		Refresh:  func() error { refreshes++; return nil },
	})
	require.NoError(t, err)
	assert.Equal(t, 3, refreshes)
}

func TestUntilStillPropagatesErrors(t *testing.T) {
	boom := errors.New("link down")
	res, err := UntilStill(context.Background(), func() (bool, error) { return false, boom }, Options{})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, Failed, res)

	poll, _ := busyFor(5)
	res, err = UntilStill(context.Background(), poll, Options{
		Interval: time.Millisecond,
		Refresh:  func() error { return boom },
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, Failed, res)
}

func TestUntilStillContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	res, err := UntilStill(ctx, func() (bool, error) { return true, nil }, Options{Interval: 5 * time.Millisecond, Timeout: time.Minute})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Failed, res)
	assert.Equal(t, "failed", res.String())
}
