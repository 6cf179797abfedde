package service

import (
	"math"
	"strings"
	"sync"
	"time"

	"github.com/fleetlink/relay/module/core/domain"
)

// RateLimit is the budget for one event type: a bucket holds at most
// Capacity tokens and refills continuously at RefillPerSec.
type RateLimit struct {
	Capacity     float64
	RefillPerSec float64
}

// DefaultRateLimits tunes each event type. Location updates are the chatty
// path (clients coalesce to at most one per 200ms); emergency alerts are
// nearly one-shot; ICE candidates arrive in bursts during negotiation.
func DefaultRateLimits() map[string]RateLimit {
	return map[string]RateLimit{
		domain.EventRegister:        {Capacity: 3, RefillPerSec: 0.2},
		domain.EventHeartbeat:       {Capacity: 5, RefillPerSec: 0.5},
		domain.EventLocationUpdate:  {Capacity: 10, RefillPerSec: 5},
		domain.EventSendMessage:     {Capacity: 20, RefillPerSec: 2},
		domain.EventEmergencyAlert:  {Capacity: 3, RefillPerSec: 0.05},
		domain.EventCallInitiate:    {Capacity: 5, RefillPerSec: 0.5},
		domain.EventWebRTCOffer:     {Capacity: 20, RefillPerSec: 5},
		domain.EventWebRTCAnswer:    {Capacity: 20, RefillPerSec: 5},
		domain.EventICECandidate:    {Capacity: 60, RefillPerSec: 20},
		domain.EventCallEnd:         {Capacity: 5, RefillPerSec: 0.5},
		domain.EventConnectRequest:  {Capacity: 10, RefillPerSec: 1},
		domain.EventConnectResponse: {Capacity: 10, RefillPerSec: 1},
	}
}

type bucket struct {
	tokens       float64
	lastRefillAt time.Time
}

// RateLimiter owns one token bucket per (key, eventType). An event either
// consumes a token or is rejected; nothing is ever queued or delayed.
type RateLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	limits   map[string]RateLimit
	fallback RateLimit
	now      func() time.Time
}

func NewRateLimiter(limits map[string]RateLimit) *RateLimiter {
	if limits == nil {
		limits = DefaultRateLimits()
	}
	return &RateLimiter{
		buckets:  make(map[string]*bucket),
		limits:   limits,
		fallback: RateLimit{Capacity: 10, RefillPerSec: 1},
		now:      time.Now,
	}
}

// Allow spends one token from the bucket for (key, event); false means the
// caller should reply rate_limited.
func (l *RateLimiter) Allow(key, event string) bool {
	limit, ok := l.limits[event]
	if !ok {
		limit = l.fallback
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	id := key + "|" + event
	b, ok := l.buckets[id]
	if !ok {
		b = &bucket{tokens: limit.Capacity, lastRefillAt: now}
		l.buckets[id] = b
	} else {
		elapsed := now.Sub(b.lastRefillAt).Seconds()
		b.tokens = math.Min(limit.Capacity, b.tokens+elapsed*limit.RefillPerSec)
		b.lastRefillAt = now
	}

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Forget drops every bucket belonging to key, called when the vehicle's
// session leaves the registry.
func (l *RateLimiter) Forget(key string) {
	prefix := key + "|"
	l.mu.Lock()
	defer l.mu.Unlock()
	for id := range l.buckets {
		if strings.HasPrefix(id, prefix) {
			delete(l.buckets, id)
		}
	}
}
