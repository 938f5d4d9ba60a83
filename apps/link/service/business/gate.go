package business

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrRateLimited is returned when a connection exceeds its message rate.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrKindNotAllowed is returned when a sender submits a message kind it
	// has no permission for, such as a client-originated SYSTEM notice.
	ErrKindNotAllowed = errors.New("message kind not allowed")
)

// rateLimitBurst is the instantaneous burst a connection may send before
// the steady-state rate applies.
const rateLimitBurst = 20

// tokenBucket implements a simple token bucket rate limiter.
// Tokens refill continuously at ratePerSec, capped at the burst size.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	ratePerSec float64
	lastRefill time.Time
}

func newTokenBucket(ratePerSec float64, burst int) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		ratePerSec: ratePerSec,
		lastRefill: time.Now(),
	}
}

// Allow consumes one token if available.
func (tb *tokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.lastRefill = now

	tb.tokens += elapsed * tb.ratePerSec
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}

	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}

// Gate throttles per-sender message rate and authorises message kinds
// before the router acts. It composes in front of the router; the router
// itself never rejects on policy grounds.
type Gate struct {
	ratePerSec   float64
	burst        int
	allowedKinds map[Kind]bool

	mu       sync.Mutex
	limiters map[string]*tokenBucket // keyed by connection ID

	rateLimited atomic.Uint64
}

// NewGate creates a gate admitting up to maxMessagesPerSecond per
// connection for the given kinds. Heartbeats are always admitted: liveness
// traffic must never be throttled into a false timeout.
func NewGate(maxMessagesPerSecond int, kinds ...Kind) *Gate {
	allowed := make(map[Kind]bool, len(kinds)+1)
	allowed[KindHeartbeat] = true
	for _, k := range kinds {
		allowed[k] = true
	}

	return &Gate{
		ratePerSec:   float64(maxMessagesPerSecond),
		burst:        rateLimitBurst,
		allowedKinds: allowed,
		limiters:     make(map[string]*tokenBucket),
	}
}

// Admit checks permissions and the sender's rate budget for one envelope.
func (g *Gate) Admit(cc *ConnContext, msg *Message) error {
	if !g.allowedKinds[msg.Kind] {
		return ErrKindNotAllowed
	}

	if msg.Kind == KindHeartbeat {
		return nil
	}

	if !g.limiterFor(cc.Conn.ID()).Allow() {
		g.rateLimited.Add(1)
		return ErrRateLimited
	}
	return nil
}

// Release drops the rate state for a closed connection.
func (g *Gate) Release(connID string) {
	g.mu.Lock()
	delete(g.limiters, connID)
	g.mu.Unlock()
}

// RateLimitedCount returns the number of rejected messages so far.
func (g *Gate) RateLimitedCount() uint64 {
	return g.rateLimited.Load()
}

func (g *Gate) limiterFor(connID string) *tokenBucket {
	g.mu.Lock()
	defer g.mu.Unlock()

	tb, ok := g.limiters[connID]
	if !ok {
		tb = newTokenBucket(g.ratePerSec, g.burst)
		g.limiters[connID] = tb
	}
	return tb
}
