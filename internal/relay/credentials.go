// Package relay bridges browser WebSocket connections to SSH shells running
// inside sandbox containers.
package relay

import (
	"fmt"
	"sync"
	"time"
)

// Security-related limits for relayed terminal traffic.
const (
	// MaxInputMessageSize is the maximum size in bytes for a single input
	// message sent over the WebSocket. Larger messages are rejected.
	MaxInputMessageSize = 64 * 1024 // 64 KB

	// MaxTermCols is the maximum allowed terminal width.
	MaxTermCols = 500
	// MaxTermRows is the maximum allowed terminal height.
	MaxTermRows = 200

	// MessageRateLimit is the maximum number of messages per second from a client.
	MessageRateLimit = 100
	// MessageRateBurst is the burst allowance for the rate limiter.
	MessageRateBurst = 200
)

// Credentials carries the SSH connection parameters supplied by a client when
// it starts a session. Exactly one of Password or PrivateKey must be set.
type Credentials struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"privateKey,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
}

// ValidationError reports a rejected credential field. The client-facing
// message never echoes secret material.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Validate checks the credentials without performing any network activity.
// Validation failures must leave no side effects on pool or session state,
// so this runs before any resource is acquired.
func (c *Credentials) Validate() error {
	if c.Host == "" {
		return &ValidationError{Field: "host", Reason: "must not be empty"}
	}
	if c.Port < 1 || c.Port > 65535 {
		return &ValidationError{Field: "port", Reason: fmt.Sprintf("%d is outside 1-65535", c.Port)}
	}
	if c.Username == "" {
		return &ValidationError{Field: "username", Reason: "must not be empty"}
	}
	if c.Password == "" && c.PrivateKey == "" {
		return &ValidationError{Field: "auth", Reason: "either password or privateKey is required"}
	}
	if c.Password != "" && c.PrivateKey != "" {
		return &ValidationError{Field: "auth", Reason: "password and privateKey are mutually exclusive"}
	}
	if c.Passphrase != "" && c.PrivateKey == "" {
		return &ValidationError{Field: "auth", Reason: "passphrase requires privateKey"}
	}
	return nil
}

// clampResize bounds a requested terminal geometry to the permitted range.
// Zero or negative dimensions fall back to the standard 80x24.
func clampResize(cols, rows int) (uint16, uint16) {
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	if cols > MaxTermCols {
		cols = MaxTermCols
	}
	if rows > MaxTermRows {
		rows = MaxTermRows
	}
	return uint16(cols), uint16(rows)
}

// RateLimiter implements a token bucket rate limiter for WebSocket messages.
type RateLimiter struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewRateLimiter creates a rate limiter with the given rate (tokens/sec) and
// burst size.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	return &RateLimiter{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: rate,
		lastRefill: time.Now(),
	}
}

// Allow returns true if a message is permitted, consuming one token.
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(rl.lastRefill).Seconds()
	rl.lastRefill = now

	rl.tokens += elapsed * rl.refillRate
	if rl.tokens > rl.maxTokens {
		rl.tokens = rl.maxTokens
	}

	if rl.tokens < 1 {
		return false
	}
	rl.tokens--
	return true
}
