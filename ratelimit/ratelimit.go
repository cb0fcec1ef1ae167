// Copyright (c) DriftMQ Contributors
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides token-bucket rate limiting for connections
// and per-client message flow.
package ratelimit

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ConnLimiter throttles connection attempts per source IP.
type ConnLimiter struct {
	mu       sync.Mutex
	entries  map[string]*connEntry
	rate     rate.Limit
	burst    int
	staleAge time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

type connEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewConnLimiter creates a per-IP connection limiter allowing r attempts
// per second with the given burst. Idle entries are evicted in the
// background.
func NewConnLimiter(r float64, burst int) *ConnLimiter {
	l := &ConnLimiter{
		entries:  make(map[string]*connEntry),
		rate:     rate.Limit(r),
		burst:    burst,
		staleAge: 10 * time.Minute,
		stopCh:   make(chan struct{}),
	}
	go l.evictLoop()
	return l
}

// Allow reports whether a connection from addr may proceed. Addresses
// without an extractable IP are always allowed.
func (l *ConnLimiter) Allow(addr net.Addr) bool {
	ip := hostOf(addr)
	if ip == "" {
		return true
	}

	l.mu.Lock()
	entry, ok := l.entries[ip]
	if !ok {
		entry = &connEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.entries[ip] = entry
	}
	entry.lastSeen = time.Now()
	limiter := entry.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

func (l *ConnLimiter) evictLoop() {
	ticker := time.NewTicker(l.staleAge / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evictStale()
		case <-l.stopCh:
			return
		}
	}
}

func (l *ConnLimiter) evictStale() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-l.staleAge)
	for ip, entry := range l.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(l.entries, ip)
		}
	}
}

// Close stops the background eviction goroutine.
func (l *ConnLimiter) Close() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// ClientLimiter throttles PUBLISH and SUBSCRIBE traffic per client ID.
type ClientLimiter struct {
	mu           sync.Mutex
	publishers   map[string]*rate.Limiter
	subscribers  map[string]*rate.Limiter
	publishRate  rate.Limit
	publishBurst int
	subRate      rate.Limit
	subBurst     int
}

// NewClientLimiter creates a per-client limiter. The subscribe limiter
// uses a quarter of the publish rate, which is generous for any sane
// client.
func NewClientLimiter(publishRate float64, publishBurst int) *ClientLimiter {
	subRate := publishRate / 4
	if subRate < 1 {
		subRate = 1
	}
	return &ClientLimiter{
		publishers:   make(map[string]*rate.Limiter),
		subscribers:  make(map[string]*rate.Limiter),
		publishRate:  rate.Limit(publishRate),
		publishBurst: publishBurst,
		subRate:      rate.Limit(subRate),
		subBurst:     publishBurst,
	}
}

// AllowPublish reports whether a PUBLISH from the client may proceed.
func (l *ClientLimiter) AllowPublish(clientID string) bool {
	l.mu.Lock()
	limiter, ok := l.publishers[clientID]
	if !ok {
		limiter = rate.NewLimiter(l.publishRate, l.publishBurst)
		l.publishers[clientID] = limiter
	}
	l.mu.Unlock()

	return limiter.Allow()
}

// AllowSubscribe reports whether a SUBSCRIBE from the client may proceed.
func (l *ClientLimiter) AllowSubscribe(clientID string) bool {
	l.mu.Lock()
	limiter, ok := l.subscribers[clientID]
	if !ok {
		limiter = rate.NewLimiter(l.subRate, l.subBurst)
		l.subscribers[clientID] = limiter
	}
	l.mu.Unlock()

	return limiter.Allow()
}

// Forget drops limiter state for a disconnected client.
func (l *ClientLimiter) Forget(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.publishers, clientID)
	delete(l.subscribers, clientID)
}
