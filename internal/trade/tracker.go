package trade

import (
	"encoding/json"
	"sync"

	"bookflow/models"
)

// Tracker keeps the last and previous accepted trade prices.
type Tracker struct {
	mu    sync.RWMutex
	price models.TradePrice
}

func NewTracker() *Tracker {
	return &Tracker{}
}

// Apply reads data[0].price from a trade payload. A missing, non-numeric or
// non-positive price is ignored and Apply returns false. Otherwise last moves
// to previous and the new price becomes last.
func (t *Tracker) Apply(data json.RawMessage) bool {
	price, ok := firstPrice(data)
	if !ok || price <= 0 {
		return false
	}

	t.mu.Lock()
	t.price.Previous = t.price.Last
	t.price.Last = price
	t.mu.Unlock()
	return true
}

func (t *Tracker) Price() models.TradePrice {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.price
}

func firstPrice(data json.RawMessage) (float64, bool) {
	var entries []json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil || len(entries) == 0 {
		return 0, false
	}
	var first models.TradeEntry
	if err := json.Unmarshal(entries[0], &first); err != nil {
		return 0, false
	}
	return models.ParseNumber(first.Price)
}
