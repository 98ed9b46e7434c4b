package ratelimiter

import (
	"strconv"
	"testing"
	"time"
)

func TestAllowConsumesBurstPerSender(t *testing.T) {
	l := New(Config{RPS: 1, Burst: 2, IdleTTL: time.Minute})
	now := time.Unix(1_700_000_000, 0)
	if !l.Allow("peer-a", now) || !l.Allow("peer-a", now) {
		t.Fatal("expected burst of 2 to be allowed")
	}
	if l.Allow("peer-a", now) {
		t.Fatal("third message within the same instant should be limited")
	}
	if !l.Allow("peer-b", now) {
		t.Fatal("other senders must have their own bucket")
	}
	if !l.Allow("peer-a", now.Add(time.Second)) {
		t.Fatal("bucket should refill after one second")
	}
	if l.Rejected() != 1 {
		t.Fatalf("expected 1 rejection, got %d", l.Rejected())
	}
}

func TestDisabledLimiterAllowsEverything(t *testing.T) {
	l := New(Config{})
	if l != nil {
		t.Fatal("expected nil limiter for disabled configuration")
	}
	if !l.Allow("peer", time.Now()) || l.Senders() != 0 {
		t.Fatal("nil limiter must allow")
	}
}

func TestIdleSendersAreSwept(t *testing.T) {
	l := New(Config{RPS: 10, Burst: 10, IdleTTL: time.Second})
	start := time.Unix(1_700_000_000, 0)
	for i := 0; i < 50; i++ {
		l.Allow("idle-"+strconv.Itoa(i), start)
	}
	l.Allow("fresh", start.Add(time.Hour))
	if got := l.Senders(); got != 1 {
		t.Fatalf("expected only the fresh sender after sweep, got %d", got)
	}
}

func TestFullTableEvictsLeastRecentSender(t *testing.T) {
	l := New(Config{RPS: 1, Burst: 1, IdleTTL: time.Hour, MaxSenders: 3})
	start := time.Unix(1_700_000_000, 0)
	for i := 0; i < 3; i++ {
		l.Allow("peer-"+strconv.Itoa(i), start.Add(time.Duration(i)*time.Second))
	}
	if !l.Allow("peer-3", start.Add(5*time.Second)) {
		t.Fatal("new sender must be admitted on a full table")
	}
	if got := l.Senders(); got != 3 {
		t.Fatalf("expected table capped at 3, got %d", got)
	}
	// peer-0 was evicted, so it starts again with a full bucket.
	if !l.Allow("peer-0", start.Add(6*time.Second)) {
		t.Fatal("evicted sender should get a fresh bucket")
	}
	// peer-2 kept its spent bucket.
	if l.Allow("peer-2", start.Add(2*time.Second)) {
		t.Fatal("tracked sender must keep its spent bucket")
	}
}
