package book

import (
	"fmt"

	"bookflow/models"
)

// Book reconciles snapshots and deltas for one instrument. It is not safe
// for concurrent use; the engine loop owns it.
type Book struct {
	sell  *RawSide
	buy   *RawSide
	guard SequenceGuard
}

// New returns an empty book whose sides hold at most maxQuotes levels each.
func New(maxQuotes int) *Book {
	return &Book{
		sell: NewRawSide(models.SideSell, maxQuotes),
		buy:  NewRawSide(models.SideBuy, maxQuotes),
	}
}

func (b *Book) Sell() *RawSide { return b.sell }
func (b *Book) Buy() *RawSide  { return b.buy }

func (b *Book) State() State   { return b.guard.State() }
func (b *Book) LastSeq() int64 { return b.guard.LastSeq() }

// Apply dispatches on the payload type. Unknown types are rejected.
func (b *Book) Apply(data models.BookData) error {
	switch {
	case data.IsSnapshot():
		b.ApplySnapshot(data)
		return nil
	case data.IsDelta():
		return b.ApplyDelta(data)
	default:
		return fmt.Errorf("unknown order book message type %q", data.Type)
	}
}

// ApplySnapshot replaces both sides and re-anchors the sequence.
func (b *Book) ApplySnapshot(data models.BookData) {
	b.sell.Replace(data.Asks)
	b.buy.Replace(data.Bids)
	b.guard.Reset(data.SeqNum)
}

// ApplyDelta merges data when it continues the sequence. On any error the
// book is left untouched.
func (b *Book) ApplyDelta(data models.BookData) error {
	if err := b.guard.Check(data.PrevSeqNum, data.SeqNum); err != nil {
		return err
	}
	b.sell.Merge(data.Asks)
	b.buy.Merge(data.Bids)
	b.guard.Advance(data.SeqNum)
	return nil
}

// Discard drops both sides but keeps the sequence state, so a book waiting
// on a resync reports as such while holding no stale levels.
func (b *Book) Discard() {
	b.sell.Reset()
	b.buy.Reset()
}

// Reset discards both sides and the sequence anchor.
func (b *Book) Reset() {
	b.sell.Reset()
	b.buy.Reset()
	b.guard.Clear()
}

// View builds both sides against the previous rows.
func (b *Book) View(prevSell, prevBuy []*models.QuoteRow, depth int) (sell, buy []*models.QuoteRow) {
	sell = BuildView(b.sell, prevSell, false, depth)
	buy = BuildView(b.buy, prevBuy, true, depth)
	return sell, buy
}
