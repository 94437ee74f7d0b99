package book

import (
	"bookflow/models"
)

// BuildView turns a raw side into exactly depth rows, best price first.
//
// Percent is the running total over the size of the whole side, not just the
// visible rows. Change flags compare against the previous row with the same
// price. Missing levels are filled with zero placeholder rows. Rows equal in
// price and size to the previous row at the same rank keep that row's pointer.
func BuildView(raw *RawSide, prev []*models.QuoteRow, isBuy bool, depth int) []*models.QuoteRow {
	if depth <= 0 {
		return []*models.QuoteRow{}
	}

	var levels []models.PriceLevel
	if raw != nil {
		levels = raw.Levels()
	}
	sortLevels(levels, isBuy)

	fullTotal := 0.0
	for _, l := range levels {
		fullTotal += l.Size
	}

	byPrice := make(map[float64]*models.QuoteRow, len(prev))
	for _, row := range prev {
		if row != nil && !row.IsPlaceholder() {
			byPrice[row.Price] = row
		}
	}

	rows := make([]*models.QuoteRow, depth)
	running := 0.0
	for i := 0; i < depth; i++ {
		if i >= len(levels) {
			rows[i] = &models.QuoteRow{SizeChange: models.SizeNone}
			continue
		}
		l := levels[i]
		running += l.Size

		row := &models.QuoteRow{
			Price:      l.Price,
			Size:       l.Size,
			Total:      running,
			SizeChange: models.SizeNone,
		}
		if fullTotal > 0 {
			row.Percent = running / fullTotal
		}

		old, existed := byPrice[l.Price]
		row.IsNew = !existed
		if existed && old.Size != l.Size {
			row.IsChanged = true
			if l.Size > old.Size {
				row.SizeChange = models.SizeIncrease
			} else {
				row.SizeChange = models.SizeDecrease
			}
		}
		rows[i] = row
	}

	return Stabilize(prev, rows)
}

// Stabilize swaps each row in next for the row at the same rank in prev when
// both price and size match, so unchanged rows keep their identity.
func Stabilize(prev, next []*models.QuoteRow) []*models.QuoteRow {
	for i, row := range next {
		if i >= len(prev) || prev[i] == nil || row == nil {
			continue
		}
		if prev[i].Price == row.Price && prev[i].Size == row.Size {
			next[i] = prev[i]
		}
	}
	return next
}
