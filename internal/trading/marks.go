package trading

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// markCache holds the latest mark price per symbol, fed by the broker's
// market-data stream and refreshed on demand over REST when a symbol
// has no mark yet.
type markCache struct {
	mu    sync.RWMutex
	marks map[string]markEntry
}

type markEntry struct {
	price decimal.Decimal
	at    time.Time
}

func newMarkCache() *markCache {
	return &markCache{marks: make(map[string]markEntry)}
}

func (c *markCache) Set(symbol string, price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}
	c.mu.Lock()
	c.marks[symbol] = markEntry{price: price, at: time.Now().UTC()}
	c.mu.Unlock()
}

func (c *markCache) Get(symbol string) (decimal.Decimal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.marks[symbol]
	return e.price, ok
}

// All returns a copy of the current marks, keyed by symbol.
func (c *markCache) All() map[string]decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]decimal.Decimal, len(c.marks))
	for sym, e := range c.marks {
		out[sym] = e.price
	}
	return out
}
