package rtsp

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RetryConfig holds configuration for connect retries
type RetryConfig struct {
	MaxRetries   int           // Maximum number of attempts
	InitialDelay time.Duration // Initial delay before first retry
	MaxDelay     time.Duration // Maximum delay between retries
}

// RecoveryMetrics tracks connect attempt statistics
type RecoveryMetrics struct {
	mu                 sync.RWMutex
	TotalAttempts      int
	SuccessfulAttempts int
	FailedAttempts     int
	LastAttempt        time.Time
	LastSuccess        time.Time
}

// NewRetryConfig creates a new retry configuration
func NewRetryConfig(maxRetries int, initialDelay, maxDelay time.Duration) *RetryConfig {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if initialDelay <= 0 {
		initialDelay = 100 * time.Millisecond
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	return &RetryConfig{
		MaxRetries:   maxRetries,
		InitialDelay: initialDelay,
		MaxDelay:     maxDelay,
	}
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return NewRetryConfig(3, 100*time.Millisecond, 30*time.Second)
}

// record notes the outcome of one attempt
func (m *RecoveryMetrics) record(success bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.TotalAttempts++
	m.LastAttempt = time.Now()

	if success {
		m.SuccessfulAttempts++
		m.LastSuccess = time.Now()
	} else {
		m.FailedAttempts++
	}
}

// Snapshot returns attempt counters under the lock
func (m *RecoveryMetrics) Snapshot() (total, succeeded, failed int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.TotalAttempts, m.SuccessfulAttempts, m.FailedAttempts
}

// DialWithRetry dials with exponential backoff. Only connection establishment
// is retried; requests on an established channel never are.
func DialWithRetry(ctx context.Context, address string, cfg ConnConfig, retry *RetryConfig, stats *RecoveryMetrics) (*Conn, error) {
	if retry == nil {
		retry = DefaultRetryConfig()
	}

	var conn *Conn
	err := retryWithBackoff(ctx, retry, func() error {
		c, err := Dial(ctx, address, cfg)
		stats.record(err == nil)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// retryWithBackoff executes a function with exponential backoff retry logic
func retryWithBackoff(ctx context.Context, config *RetryConfig, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt < config.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		// If this is the last attempt, don't wait
		if attempt == config.MaxRetries-1 {
			break
		}

		select {
		case <-time.After(calculateBackoff(attempt, config.InitialDelay, config.MaxDelay)):
		case <-ctx.Done():
			return fmt.Errorf("retry aborted after %d attempts: %w", attempt+1, ctx.Err())
		}
	}

	return fmt.Errorf("max retries exceeded after %d attempts: %w", config.MaxRetries, lastErr)
}

// calculateBackoff calculates the backoff delay for a given attempt
func calculateBackoff(attempt int, initialDelay, maxDelay time.Duration) time.Duration {
	// Exponential backoff: initialDelay * 2^attempt
	delay := initialDelay * time.Duration(1<<uint(attempt))

	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}

	return delay
}
