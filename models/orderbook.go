package models

import (
	"time"
)

// Side names one half of the book.
type Side string

const (
	SideSell Side = "sell"
	SideBuy  Side = "buy"
)

// IsBuy reports whether the side sorts best-first by descending price.
func (s Side) IsBuy() bool { return s == SideBuy }

// PriceLevel is one normalised [price, size] entry. Size 0 means "remove".
type PriceLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// SizeChange is the direction of a size move at an unchanged price.
type SizeChange string

const (
	SizeIncrease SizeChange = "increase"
	SizeDecrease SizeChange = "decrease"
	SizeNone     SizeChange = "none"
)

// QuoteRow is one visible row of a side. Rows are handed out by pointer and an
// unchanged row keeps the pointer it had in the previous frame.
type QuoteRow struct {
	Price      float64    `json:"price"`
	Size       float64    `json:"size"`
	Total      float64    `json:"total"`
	Percent    float64    `json:"percent"`
	IsNew      bool       `json:"isNew"`
	IsChanged  bool       `json:"isChanged"`
	SizeChange SizeChange `json:"sizeChange"`
}

// IsPlaceholder reports whether the row only pads the side to its depth.
func (q *QuoteRow) IsPlaceholder() bool {
	return q.Price == 0 && q.Size == 0
}

// TradePrice holds the last two accepted trade prices; zero means none yet.
type TradePrice struct {
	Last     float64 `json:"last"`
	Previous float64 `json:"previous"`
}

// Frame is a complete view handed to consumers after a rebuild.
type Frame struct {
	Symbol      string      `json:"symbol"`
	Sell        []*QuoteRow `json:"sell"`
	Buy         []*QuoteRow `json:"buy"`
	Trade       TradePrice  `json:"trade"`
	Seq         int64       `json:"seq"`
	State       string      `json:"state"`
	FlashMillis int64       `json:"flashDurationMs"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}
