package book

import (
	"sort"

	"bookflow/models"
)

// RawSide is the price->size store for one side of the book. Every stored
// entry has price > 0 and size > 0, and the side never holds more than its cap.
type RawSide struct {
	side   models.Side
	limit  int
	levels map[float64]float64
}

func NewRawSide(side models.Side, limit int) *RawSide {
	return &RawSide{side: side, limit: limit, levels: make(map[float64]float64)}
}

func (s *RawSide) Side() models.Side { return s.side }

func (s *RawSide) Len() int { return len(s.levels) }

// Size returns the stored size at price and whether the level exists.
func (s *RawSide) Size(price float64) (float64, bool) {
	v, ok := s.levels[price]
	return v, ok
}

// Replace discards every level and loads entries, as on a snapshot.
func (s *RawSide) Replace(entries []models.RawLevel) {
	s.levels = make(map[float64]float64, len(entries))
	for _, e := range entries {
		if !e.Valid {
			continue
		}
		s.levels[e.Price] = e.Size
	}
	s.cleanup()
}

// Merge applies delta entries: size 0 removes the level, anything else upserts.
func (s *RawSide) Merge(entries []models.RawLevel) {
	for _, e := range entries {
		if !e.Valid {
			continue
		}
		if e.Size == 0 {
			delete(s.levels, e.Price)
			continue
		}
		s.levels[e.Price] = e.Size
	}
	s.cleanup()
}

func (s *RawSide) Reset() {
	s.levels = make(map[float64]float64)
}

// Levels returns every stored level sorted best-first for the side.
func (s *RawSide) Levels() []models.PriceLevel {
	out := make([]models.PriceLevel, 0, len(s.levels))
	for p, sz := range s.levels {
		out = append(out, models.PriceLevel{Price: p, Size: sz})
	}
	sortLevels(out, s.side.IsBuy())
	return out
}

// cleanup purges non-positive entries and truncates to the cap, keeping the
// best levels.
func (s *RawSide) cleanup() {
	for p, sz := range s.levels {
		if p <= 0 || sz <= 0 {
			delete(s.levels, p)
		}
	}
	if s.limit <= 0 || len(s.levels) <= s.limit {
		return
	}
	for _, l := range s.Levels()[s.limit:] {
		delete(s.levels, l.Price)
	}
}

func sortLevels(levels []models.PriceLevel, isBuy bool) {
	if isBuy {
		sort.Slice(levels, func(i, j int) bool { return levels[i].Price > levels[j].Price })
		return
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i].Price < levels[j].Price })
}
