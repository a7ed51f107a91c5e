package server

import (
	"sync"
	"time"
)

// maxTrackedKeys bounds the limiter's memory. When the map fills, new
// keys are rejected outright, which only happens under abuse.
const maxTrackedKeys = 10000

// rateLimiter is a sliding-window counter keyed by submitter identity
// (session id, falling back to hashed IP). A background sweep prunes
// idle keys so the map tracks only recent submitters.
type rateLimiter struct {
	limit  int
	window time.Duration

	mu   sync.Mutex
	hits map[string][]time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	l := &rateLimiter{
		limit:  limit,
		window: window,
		hits:   make(map[string][]time.Time),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go l.sweep()
	return l
}

// Allow records an attempt for key and reports whether it is within the
// limit. When denied, the second return is how long until the oldest
// counted attempt leaves the window.
func (l *rateLimiter) Allow(key string) (bool, time.Duration) {
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	recent := l.hits[key][:0]
	for _, t := range l.hits[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= l.limit {
		l.hits[key] = recent
		return false, recent[0].Sub(cutoff)
	}

	if _, tracked := l.hits[key]; !tracked && len(l.hits) >= maxTrackedKeys {
		return false, l.window
	}

	l.hits[key] = append(recent, now)
	return true, 0
}

// sweep drops keys with no attempts inside the window.
func (l *rateLimiter) sweep() {
	defer close(l.done)
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-l.window)
			l.mu.Lock()
			for key, times := range l.hits {
				live := false
				for _, t := range times {
					if t.After(cutoff) {
						live = true
						break
					}
				}
				if !live {
					delete(l.hits, key)
				}
			}
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

// Stop terminates the sweep goroutine. Idempotent.
func (l *rateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	<-l.done
}
