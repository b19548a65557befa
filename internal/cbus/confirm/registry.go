// Package confirm implements the bounded confirmation-code allocator: a
// fixed 20-character alphabet of single-byte transaction identifiers handed
// out round-robin, reaped on timeout, and forcibly evicted under pressure.
package confirm

import (
	"context"
	"sync"
	"time"
)

// Alphabet is the canonical confirmation-code character set.
const Alphabet = "hijklmnopqrstuvwxyzg"

const (
	// DefaultTimeout is how long an allocated code may stay in use before
	// Reap releases it.
	DefaultTimeout = 30 * time.Second
	// pressureThreshold is the in-use fraction of the alphabet at or above
	// which Reap force-releases the oldest code even if it has not timed out.
	pressureThreshold = 0.9
	// pollInterval is how often a blocked Acquire rechecks for a free code.
	pollInterval = 100 * time.Millisecond
	// backstop is the absolute maximum an Acquire call will wait before it
	// force-releases the oldest code to make room for itself.
	backstop = 3 * time.Second
)

// Registry is the confirmation-code pool. The zero value is not usable; use
// New.
type Registry struct {
	timeout time.Duration

	mu      sync.Mutex
	cursor  int
	inUse   map[byte]time.Time
	onEvict func(code byte)
}

// Option configures a Registry.
type Option func(*Registry)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) { r.timeout = d }
}

// WithEvictionHandler registers a callback invoked whenever a code is
// released by Reap or by forced eviction (but not by an explicit Release),
// so the PCI session can abandon the corresponding pending send.
func WithEvictionHandler(f func(code byte)) Option {
	return func(r *Registry) { r.onEvict = f }
}

// New constructs an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		timeout: DefaultTimeout,
		inUse:   make(map[byte]time.Time),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Acquire blocks cooperatively until a free code is available, or ctx is
// cancelled.
func (r *Registry) Acquire(ctx context.Context) (byte, error) {
	r.reap(time.Now())
	if code, ok := r.tryAcquire(); ok {
		return code, nil
	}

	deadline := time.Now().Add(backstop)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case now := <-ticker.C:
			r.reap(now)
			if code, ok := r.tryAcquire(); ok {
				return code, nil
			}
			if now.After(deadline) {
				if code, ok := r.forceReleaseOldest(); ok {
					r.notifyEvict(code)
					r.mu.Lock()
					r.inUse[code] = time.Now()
					r.mu.Unlock()
					return code, nil
				}
			}
		}
	}
}

func (r *Registry) tryAcquire() (byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < len(Alphabet); i++ {
		code := Alphabet[r.cursor]
		r.cursor = (r.cursor + 1) % len(Alphabet)
		if _, busy := r.inUse[code]; !busy {
			r.inUse[code] = time.Now()
			return code, true
		}
	}
	return 0, false
}

// Release marks code as free again. Unknown codes are ignored; callers
// should log a warning themselves since Registry has no logger of its own.
func (r *Registry) Release(code byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.inUse[code]; !ok {
		return false
	}
	delete(r.inUse, code)
	return true
}

// Reap releases any code whose in-use age exceeds the timeout, then, if the
// pool is still under pressure, force-evicts the oldest remaining code.
func (r *Registry) Reap(now time.Time) {
	r.reap(now)
}

func (r *Registry) reap(now time.Time) {
	var evicted []byte
	r.mu.Lock()
	for code, acquired := range r.inUse {
		if now.Sub(acquired) > r.timeout {
			delete(r.inUse, code)
			evicted = append(evicted, code)
		}
	}
	busy := len(r.inUse)
	r.mu.Unlock()

	for _, code := range evicted {
		r.notifyEvict(code)
	}

	if float64(busy) >= pressureThreshold*float64(len(Alphabet)) {
		if code, ok := r.forceReleaseOldest(); ok {
			r.notifyEvict(code)
		}
	}
}

// forceReleaseOldest deletes the oldest in-use code and returns it,
// leaving it free. Callers that want to immediately re-acquire it (the
// Acquire backstop) must re-insert it themselves after notifying eviction.
func (r *Registry) forceReleaseOldest() (byte, bool) {
	r.mu.Lock()
	var oldestCode byte
	var oldestTime time.Time
	found := false
	for code, acquired := range r.inUse {
		if !found || acquired.Before(oldestTime) {
			oldestCode, oldestTime, found = code, acquired, true
		}
	}
	if !found {
		r.mu.Unlock()
		return 0, false
	}
	delete(r.inUse, oldestCode)
	r.mu.Unlock()
	return oldestCode, true
}

func (r *Registry) notifyEvict(code byte) {
	if r.onEvict != nil {
		r.onEvict(code)
	}
}

// InUse reports the number of codes currently allocated, for metrics.
func (r *Registry) InUse() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inUse)
}
