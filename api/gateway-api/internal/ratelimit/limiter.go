// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rapidaai/alchemist/pkg/commons"
)

const (
	// sweep idle sources once the table grows past this
	sweepThreshold = 1024
	staleAfter     = 3 * time.Minute
)

// Limiter enforces a per-source request budget. Each source (typically a
// client IP) gets its own token bucket that refills at rpm requests per
// minute and allows a burst of a full minute's budget.
type Limiter struct {
	logger commons.Logger
	rpm    int

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiter builds a limiter for rpm requests per minute per source.
// rpm <= 0 disables limiting.
func NewLimiter(logger commons.Logger, rpm int) *Limiter {
	return &Limiter{
		logger:  logger,
		rpm:     rpm,
		buckets: make(map[string]*bucket),
	}
}

// Allow consumes one token for source. When the budget is exhausted it
// returns a rate_limited error carrying the wait until the next token.
func (l *Limiter) Allow(source string) error {
	if l.rpm <= 0 {
		return nil
	}
	lim := l.bucketFor(source)
	if lim.Allow() {
		return nil
	}
	res := lim.Reserve()
	retryAfter := res.Delay()
	res.Cancel()
	retryAfterMs := retryAfter.Milliseconds()
	if retryAfterMs < 1 {
		retryAfterMs = 1
	}
	l.logger.Debugw("request over budget", "source", source, "retry_after_ms", retryAfterMs)
	return commons.RateLimited("too many requests", retryAfterMs)
}

func (l *Limiter) bucketFor(source string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	b, ok := l.buckets[source]
	if !ok {
		if len(l.buckets) >= sweepThreshold {
			l.sweepLocked(now)
		}
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(float64(l.rpm)/60.0), l.rpm)}
		l.buckets[source] = b
	}
	b.lastSeen = now
	return b.limiter
}

func (l *Limiter) sweepLocked(now time.Time) {
	for source, b := range l.buckets {
		if now.Sub(b.lastSeen) > staleAfter {
			delete(l.buckets, source)
		}
	}
}
