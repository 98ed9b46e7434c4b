// Package ratelimiter throttles inbox traffic per sender id.
package ratelimiter

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultIdleTTL    = 10 * time.Minute
	DefaultMaxSenders = 4096
)

// Config sizes the per-sender token buckets. RPS or Burst at zero disables
// limiting.
type Config struct {
	RPS        float64
	Burst      int
	IdleTTL    time.Duration
	MaxSenders int
}

// SenderLimiter keeps one token bucket per sender. Buckets idle for longer
// than IdleTTL are dropped, and the table never holds more than MaxSenders
// entries: a new sender on a full table evicts the least recently seen one.
type SenderLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	idleTTL   time.Duration
	max       int
	senders   map[string]*senderBucket
	nextSweep time.Time
	rejected  uint64
}

type senderBucket struct {
	tokens   *rate.Limiter
	lastSeen time.Time
}

// New returns nil when cfg disables limiting; a nil limiter allows everything.
func New(cfg Config) *SenderLimiter {
	if cfg.RPS <= 0 || cfg.Burst <= 0 {
		return nil
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultIdleTTL
	}
	if cfg.MaxSenders <= 0 {
		cfg.MaxSenders = DefaultMaxSenders
	}
	return &SenderLimiter{
		limit:   rate.Limit(cfg.RPS),
		burst:   cfg.Burst,
		idleTTL: cfg.IdleTTL,
		max:     cfg.MaxSenders,
		senders: make(map[string]*senderBucket),
	}
}

// Allow spends one token of sender's bucket. Callers resolve the sender before
// asking; an empty id is not limited.
func (l *SenderLimiter) Allow(sender string, now time.Time) bool {
	if l == nil {
		return true
	}
	sender = strings.TrimSpace(sender)
	if sender == "" {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !now.Before(l.nextSweep) {
		l.sweepLocked(now)
	}
	b, ok := l.senders[sender]
	if !ok {
		if len(l.senders) >= l.max {
			l.evictOldestLocked()
		}
		b = &senderBucket{tokens: rate.NewLimiter(l.limit, l.burst)}
		l.senders[sender] = b
	}
	b.lastSeen = now
	if !b.tokens.AllowN(now, 1) {
		l.rejected++
		return false
	}
	return true
}

// Senders reports how many sender buckets are tracked.
func (l *SenderLimiter) Senders() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.senders)
}

// Rejected reports how many messages were refused since creation.
func (l *SenderLimiter) Rejected() uint64 {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rejected
}

func (l *SenderLimiter) sweepLocked(now time.Time) {
	cutoff := now.Add(-l.idleTTL)
	for id, b := range l.senders {
		if b.lastSeen.Before(cutoff) {
			delete(l.senders, id)
		}
	}
	l.nextSweep = now.Add(l.idleTTL / 2)
}

func (l *SenderLimiter) evictOldestLocked() {
	var (
		oldestID string
		oldest   time.Time
	)
	for id, b := range l.senders {
		if oldestID == "" || b.lastSeen.Before(oldest) {
			oldestID, oldest = id, b.lastSeen
		}
	}
	delete(l.senders, oldestID)
}
