// Package ratelimit throttles write requests per client IP using a fixed
// one-minute window. State is process-local.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/gftdcojp/agentchan/internal/clock"
	"go.uber.org/zap"
)

const window = time.Minute

type bucket struct {
	count int
	start time.Time
}

// Limiter allows up to rpm requests per IP in each window.
type Limiter struct {
	enabled bool
	rpm     int
	clock   clock.Clock
	logger  *zap.Logger

	mu      sync.Mutex
	windows map[string]*bucket
}

type Config struct {
	Enabled bool
	RPM     int
	Clock   clock.Clock
}

func New(cfg Config, logger *zap.Logger) *Limiter {
	c := cfg.Clock
	if c == nil {
		c = clock.Real()
	}
	return &Limiter{
		enabled: cfg.Enabled,
		rpm:     cfg.RPM,
		clock:   c,
		logger:  logger,
		windows: make(map[string]*bucket),
	}
}

// Allow records a request from ip. When denied it returns how long until
// the ip's window ends.
func (l *Limiter) Allow(ip string) (bool, time.Duration) {
	if !l.enabled {
		return true, 0
	}
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.windows[ip]
	if !ok || now.Sub(b.start) >= window {
		l.windows[ip] = &bucket{count: 1, start: now}
		return true, 0
	}
	if b.count >= l.rpm {
		return false, b.start.Add(window).Sub(now)
	}
	b.count++
	return true, 0
}

// Cleanup drops windows that have ended and returns how many were removed.
func (l *Limiter) Cleanup() int {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int
	for ip, b := range l.windows {
		if now.Sub(b.start) >= window {
			delete(l.windows, ip)
			n++
		}
	}
	return n
}

// Tracked returns the number of IPs currently held in memory.
func (l *Limiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Run calls Cleanup every interval until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := l.Cleanup(); n > 0 {
				l.logger.Debug("expired rate windows", zap.Int("removed", n))
			}
		}
	}
}
