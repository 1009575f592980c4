package rtsp

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRetryConfig tests retry configuration
func TestRetryConfig(t *testing.T) {
	tests := []struct {
		name            string
		maxRetries      int
		initialDelay    time.Duration
		maxDelay        time.Duration
		expectedRetries int
		expectedInitial time.Duration
		expectedMax     time.Duration
	}{
		{
			name:            "standard config",
			maxRetries:      3,
			initialDelay:    100 * time.Millisecond,
			maxDelay:        5 * time.Second,
			expectedRetries: 3,
			expectedInitial: 100 * time.Millisecond,
			expectedMax:     5 * time.Second,
		},
		{
			name:            "aggressive retry",
			maxRetries:      5,
			initialDelay:    50 * time.Millisecond,
			maxDelay:        2 * time.Second,
			expectedRetries: 5,
			expectedInitial: 50 * time.Millisecond,
			expectedMax:     2 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := NewRetryConfig(tt.maxRetries, tt.initialDelay, tt.maxDelay)
			require.NotNil(t, config)
			assert.Equal(t, tt.expectedRetries, config.MaxRetries)
			assert.Equal(t, tt.expectedInitial, config.InitialDelay)
			assert.Equal(t, tt.expectedMax, config.MaxDelay)
		})
	}
}

// TestCalculateBackoff tests exponential backoff calculation
func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		name         string
		attempt      int
		initialDelay time.Duration
		maxDelay     time.Duration
		expectedMin  time.Duration
		expectedMax  time.Duration
	}{
		{
			name:         "first attempt",
			attempt:      0,
			initialDelay: 100 * time.Millisecond,
			maxDelay:     10 * time.Second,
			expectedMin:  100 * time.Millisecond,
			expectedMax:  100 * time.Millisecond,
		},
		{
			name:         "second attempt - double",
			attempt:      1,
			initialDelay: 100 * time.Millisecond,
			maxDelay:     10 * time.Second,
			expectedMin:  200 * time.Millisecond,
			expectedMax:  200 * time.Millisecond,
		},
		{
			name:         "third attempt - quadruple",
			attempt:      2,
			initialDelay: 100 * time.Millisecond,
			maxDelay:     10 * time.Second,
			expectedMin:  400 * time.Millisecond,
			expectedMax:  400 * time.Millisecond,
		},
		{
			name:         "exceeds max delay",
			attempt:      10,
			initialDelay: 100 * time.Millisecond,
			maxDelay:     1 * time.Second,
			expectedMin:  1 * time.Second,
			expectedMax:  1 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delay := calculateBackoff(tt.attempt, tt.initialDelay, tt.maxDelay)
			assert.GreaterOrEqual(t, delay, tt.expectedMin)
			assert.LessOrEqual(t, delay, tt.expectedMax)
		})
	}
}

// TestRetryWithBackoff tests retry mechanism with backoff
func TestRetryWithBackoff(t *testing.T) {
	t.Run("succeeds on first attempt", func(t *testing.T) {
		attempts := 0
		fn := func() error {
			attempts++
			return nil
		}

		config := NewRetryConfig(3, 10*time.Millisecond, 100*time.Millisecond)
		err := retryWithBackoff(context.Background(), config, fn)

		assert.NoError(t, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("succeeds on second attempt", func(t *testing.T) {
		attempts := 0
		fn := func() error {
			attempts++
			if attempts < 2 {
				return errors.New("temporary error")
			}
			return nil
		}

		config := NewRetryConfig(3, 10*time.Millisecond, 100*time.Millisecond)
		err := retryWithBackoff(context.Background(), config, fn)

		assert.NoError(t, err)
		assert.Equal(t, 2, attempts)
	})

	t.Run("fails after max retries", func(t *testing.T) {
		attempts := 0
		persistent := errors.New("persistent error")
		fn := func() error {
			attempts++
			return persistent
		}

		config := NewRetryConfig(3, 10*time.Millisecond, 100*time.Millisecond)
		err := retryWithBackoff(context.Background(), config, fn)

		assert.ErrorIs(t, err, persistent)
		assert.Equal(t, 3, attempts)
		assert.Contains(t, err.Error(), "max retries exceeded")
	})

	t.Run("aborted by context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		attempts := 0
		fn := func() error {
			attempts++
			cancel()
			return errors.New("down")
		}

		config := NewRetryConfig(5, time.Second, 10*time.Second)
		start := time.Now()
		err := retryWithBackoff(ctx, config, fn)

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, attempts)
		assert.Less(t, time.Since(start), 500*time.Millisecond)
	})
}

// TestExponentialBackoffTiming tests actual timing of backoff
func TestExponentialBackoffTiming(t *testing.T) {
	attempts := 0
	startTime := time.Now()

	fn := func() error {
		attempts++
		if attempts < 3 {
			return errors.New("retry")
		}
		return nil
	}

	config := NewRetryConfig(5, 50*time.Millisecond, 1*time.Second)
	err := retryWithBackoff(context.Background(), config, fn)

	elapsed := time.Since(startTime)

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
	// Should have waited: 50ms + 100ms = 150ms minimum
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
}

// TestRetryConfig_Validation tests validation of retry configuration
func TestRetryConfig_Validation(t *testing.T) {
	tests := []struct {
		name         string
		maxRetries   int
		initialDelay time.Duration
		maxDelay     time.Duration
		shouldAdjust bool
	}{
		{
			name:         "valid config",
			maxRetries:   3,
			initialDelay: 100 * time.Millisecond,
			maxDelay:     5 * time.Second,
			shouldAdjust: false,
		},
		{
			name:         "zero retries adjusted to default",
			maxRetries:   0,
			initialDelay: 100 * time.Millisecond,
			maxDelay:     5 * time.Second,
			shouldAdjust: true,
		},
		{
			name:         "negative retries adjusted to default",
			maxRetries:   -1,
			initialDelay: 0,
			maxDelay:     0,
			shouldAdjust: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := NewRetryConfig(tt.maxRetries, tt.initialDelay, tt.maxDelay)
			require.NotNil(t, config)

			if tt.shouldAdjust {
				assert.Equal(t, 3, config.MaxRetries)
				assert.Greater(t, config.InitialDelay, time.Duration(0))
				assert.Greater(t, config.MaxDelay, time.Duration(0))
			} else {
				assert.Equal(t, tt.maxRetries, config.MaxRetries)
			}
		})
	}
}

// TestDialWithRetry tests that dialing is retried until the server listens
func TestDialWithRetry(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	// bring the listener back after the first attempt has failed
	ready := make(chan net.Listener, 1)
	go func() {
		time.Sleep(50 * time.Millisecond)
		l, err := net.Listen("tcp", addr)
		if err != nil {
			ready <- nil
			return
		}
		ready <- l
		if c, err := l.Accept(); err == nil {
			c.Close()
		}
	}()

	stats := &RecoveryMetrics{}
	conn, err := DialWithRetry(context.Background(), addr, ConnConfig{Timeout: time.Second},
		NewRetryConfig(10, 20*time.Millisecond, 100*time.Millisecond), stats)

	l := <-ready
	if l == nil {
		t.Skip("address was taken by another process")
	}
	defer l.Close()

	require.NoError(t, err)
	defer conn.Close()

	total, succeeded, failed := stats.Snapshot()
	assert.Equal(t, 1, succeeded)
	assert.GreaterOrEqual(t, failed, 1)
	assert.Equal(t, total, succeeded+failed)
	assert.False(t, stats.LastSuccess.IsZero())
}

func TestDialWithRetry_GivesUp(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	stats := &RecoveryMetrics{}
	_, err = DialWithRetry(context.Background(), addr, ConnConfig{Timeout: time.Second},
		NewRetryConfig(2, 10*time.Millisecond, 20*time.Millisecond), stats)

	assert.ErrorIs(t, err, ErrTransport)
	assert.Contains(t, err.Error(), "max retries exceeded after 2 attempts")

	total, succeeded, failed := stats.Snapshot()
	assert.Equal(t, 2, total)
	assert.Equal(t, 0, succeeded)
	assert.Equal(t, 2, failed)
}

func TestRecoveryMetrics_NilSafe(t *testing.T) {
	var m *RecoveryMetrics
	assert.NotPanics(t, func() { m.record(true) })
}
