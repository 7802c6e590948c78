package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("flaky")

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}
}

func TestDelay(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, p.Delay(i), "attempt %d", i)
	}
	assert.Equal(t, time.Second, p.Delay(200))
}

func TestDoSucceedsAfterRetries(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), fastPolicy(5), func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errFlaky
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Run(context.Background(), fastPolicy(4), func(context.Context) error {
		calls++
		return errFlaky
	})
	require.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 4, calls)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	fatal := errors.New("fatal")
	p := fastPolicy(10)
	p.Retryable = func(err error) bool { return !errors.Is(err, fatal) }

	calls := 0
	err := Run(context.Background(), p, func(context.Context) error {
		calls++
		return fatal
	})
	require.Error(t, err)
	assert.Same(t, fatal, err, "non-retryable error must surface unchanged")
	assert.Equal(t, 1, calls)
}

func TestDoUnbounded(t *testing.T) {
	calls := 0
	err := Run(context.Background(), fastPolicy(0), func(context.Context) error {
		calls++
		if calls < 12 {
			return errFlaky
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 12, calls)
}

func TestDoHonorsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 0, BaseDelay: time.Hour, MaxDelay: time.Hour}

	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, p, func(context.Context) error { return errFlaky })
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancel")
	}
}

func TestDoNotifiesRetries(t *testing.T) {
	p := fastPolicy(3)
	var attempts []int
	p.OnRetry = func(_ error, attempt int, _ time.Duration) { attempts = append(attempts, attempt) }
	_ = Run(context.Background(), p, func(context.Context) error { return errFlaky })
	assert.Equal(t, []int{1, 2}, attempts)
}
