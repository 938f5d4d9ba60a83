package client

import (
	"errors"
	"sync"
	"time"
)

// ErrReconnectExhausted is returned when the retry budget is spent without
// re-establishing a connection.
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

const (
	defaultInitialDelay = time.Second
	defaultMaxDelay     = 30 * time.Second
	defaultMultiplier   = 2.0
)

// RetryPolicy shapes the reconnection backoff. The delay before attempt n+1
// is the previous delay times Multiplier, capped at MaxDelay; a successful
// connection resets the sequence to InitialDelay.
type RetryPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// MaxAttempts caps consecutive failed attempts. 0 retries forever.
	MaxAttempts int
}

// DefaultRetryPolicy retries forever with a 1s..30s doubling backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialDelay: defaultInitialDelay,
		MaxDelay:     defaultMaxDelay,
		Multiplier:   defaultMultiplier,
	}
}

// retryState tracks the position in the backoff sequence across attempts.
type retryState struct {
	mu     sync.Mutex
	policy RetryPolicy

	attempts  int
	nextDelay time.Duration
}

func newRetryState(policy RetryPolicy) *retryState {
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = defaultInitialDelay
	}
	if policy.MaxDelay < policy.InitialDelay {
		policy.MaxDelay = defaultMaxDelay
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = defaultMultiplier
	}

	return &retryState{
		policy:    policy,
		nextDelay: policy.InitialDelay,
	}
}

// Next returns the delay to wait before the next attempt and advances the
// sequence. Returns ErrReconnectExhausted once MaxAttempts is spent.
func (rs *retryState) Next() (time.Duration, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.policy.MaxAttempts > 0 && rs.attempts >= rs.policy.MaxAttempts {
		return 0, ErrReconnectExhausted
	}
	rs.attempts++

	delay := rs.nextDelay

	next := time.Duration(float64(rs.nextDelay) * rs.policy.Multiplier)
	if next > rs.policy.MaxDelay {
		next = rs.policy.MaxDelay
	}
	rs.nextDelay = next

	return delay, nil
}

// Reset restores the sequence after a successful connection.
func (rs *retryState) Reset() {
	rs.mu.Lock()
	rs.attempts = 0
	rs.nextDelay = rs.policy.InitialDelay
	rs.mu.Unlock()
}

// Attempts returns the consecutive failed attempts so far.
func (rs *retryState) Attempts() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.attempts
}
