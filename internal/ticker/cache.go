package ticker

import (
	"sync"

	"github.com/shopspring/decimal"
)

// Tick is the latest mini-ticker reading for one symbol.
type Tick struct {
	Symbol      string
	Last        decimal.Decimal
	Open        decimal.Decimal
	High        decimal.Decimal
	Low         decimal.Decimal
	Volume      decimal.Decimal
	QuoteVolume decimal.Decimal
	EventTime   int64
}

// Cache holds the latest tick per symbol. It is injected into whoever needs
// prices rather than held as a package singleton.
type Cache struct {
	mu    sync.RWMutex
	ticks map[string]Tick
}

// NewCache builds an empty cache.
func NewCache() *Cache {
	return &Cache{ticks: make(map[string]Tick)}
}

// Put stores the latest tick for its symbol.
func (c *Cache) Put(tick Tick) {
	c.mu.Lock()
	c.ticks[tick.Symbol] = tick
	c.mu.Unlock()
}

// PutAll stores a batch of ticks.
func (c *Cache) PutAll(ticks map[string]Tick) {
	c.mu.Lock()
	for symbol, tick := range ticks {
		c.ticks[symbol] = tick
	}
	c.mu.Unlock()
}

// Get returns the latest tick for the symbol.
func (c *Cache) Get(symbol string) (Tick, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tick, ok := c.ticks[symbol]
	return tick, ok
}

// All returns a copy of every cached tick.
func (c *Cache) All() map[string]Tick {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Tick, len(c.ticks))
	for symbol, tick := range c.ticks {
		out[symbol] = tick
	}
	return out
}

// Len reports how many symbols have a cached tick.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ticks)
}
