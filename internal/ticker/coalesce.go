package ticker

import (
	"sync"
	"time"
)

// Coalescer batches high-frequency ticks: within a window only the latest
// tick per symbol survives, and the whole batch is flushed at once.
type Coalescer struct {
	window time.Duration
	flush  func(map[string]Tick)

	mu      sync.Mutex
	pending map[string]Tick
	stop    chan struct{}
	done    chan struct{}
}

// NewCoalescer starts a coalescer that calls flush at most once per window.
func NewCoalescer(window time.Duration, flush func(map[string]Tick)) *Coalescer {
	if window <= 0 {
		window = 300 * time.Millisecond
	}
	c := &Coalescer{
		window:  window,
		flush:   flush,
		pending: make(map[string]Tick),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.run()
	return c
}

// Offer records a tick; a newer tick for the same symbol replaces it.
func (c *Coalescer) Offer(tick Tick) {
	c.mu.Lock()
	c.pending[tick.Symbol] = tick
	c.mu.Unlock()
}

// Stop flushes anything pending and stops the loop.
func (c *Coalescer) Stop() {
	select {
	case <-c.stop:
		return
	default:
	}
	close(c.stop)
	<-c.done
}

func (c *Coalescer) run() {
	defer close(c.done)
	ticker := time.NewTicker(c.window)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			c.drain()
			return
		case <-ticker.C:
			c.drain()
		}
	}
}

func (c *Coalescer) drain() {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.pending
	c.pending = make(map[string]Tick)
	c.mu.Unlock()
	c.flush(batch)
}
