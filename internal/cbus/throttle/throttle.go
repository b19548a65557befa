// Package throttle implements the single-consumer command dispatch queue
// that enforces a minimum spacing between successive PCI writes.
package throttle

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/mitchell-johnson/cbus/internal/metrics"
)

const (
	// DefaultCapacity is the default bounded queue size.
	DefaultCapacity = 1000
	// DefaultInterval is the default minimum spacing between dequeued tasks.
	DefaultInterval = 200 * time.Millisecond
)

// Task is a unit of work the Throttler runs to completion before sleeping
// for the configured interval.
type Task func(ctx context.Context)

// Throttler is a bounded FIFO drained by a single worker goroutine at a
// fixed minimum interval. Enqueue never blocks: a full queue drops the new
// task and logs a warning.
type Throttler struct {
	interval time.Duration
	queue    chan Task
	stat     *metrics.Stat

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	shutdown bool
}

// Option configures a Throttler.
type Option func(*Throttler)

// WithCapacity overrides DefaultCapacity.
func WithCapacity(n int) Option {
	return func(t *Throttler) { t.queue = make(chan Task, n) }
}

// WithInterval overrides DefaultInterval.
func WithInterval(d time.Duration) Option {
	return func(t *Throttler) { t.interval = d }
}

// WithStat registers Prometheus gauges/counters for queue depth and drops.
func WithStat(s *metrics.Stat) Option {
	return func(t *Throttler) { t.stat = s }
}

// New constructs a Throttler and starts its worker goroutine bound to ctx.
func New(ctx context.Context, opts ...Option) *Throttler {
	runCtx, cancel := context.WithCancel(ctx)
	t := &Throttler{
		interval: DefaultInterval,
		queue:    make(chan Task, DefaultCapacity),
		ctx:      runCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	go t.run()
	return t
}

// Enqueue submits task for eventual execution. It returns false, dropping
// the task, if the queue is full or the Throttler has been shut down.
func (t *Throttler) Enqueue(task Task) bool {
	t.mu.Lock()
	if t.shutdown {
		t.mu.Unlock()
		return false
	}
	t.mu.Unlock()

	select {
	case t.queue <- task:
		if t.stat != nil {
			t.stat.ThrottleQueueDepth.Set(float64(len(t.queue)))
		}
		return true
	default:
		log.Printf("throttle: queue full (capacity %d), dropping task", cap(t.queue))
		if t.stat != nil {
			t.stat.ThrottleDropped.Inc()
		}
		return false
	}
}

func (t *Throttler) run() {
	defer close(t.done)
	for {
		select {
		case <-t.ctx.Done():
			return
		case task := <-t.queue:
			if t.stat != nil {
				t.stat.ThrottleQueueDepth.Set(float64(len(t.queue)))
			}
			task(t.ctx)
			select {
			case <-t.ctx.Done():
				return
			case <-time.After(t.interval):
			}
		}
	}
}

// Shutdown stops the worker and drains the queue, discarding remaining
// tasks without running them.
func (t *Throttler) Shutdown() {
	t.mu.Lock()
	if t.shutdown {
		t.mu.Unlock()
		return
	}
	t.shutdown = true
	t.mu.Unlock()

	t.cancel()
	<-t.done
	for {
		select {
		case <-t.queue:
		default:
			return
		}
	}
}
