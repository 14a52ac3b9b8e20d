package market

import (
	"bytes"
	"sort"
)

// SortByPrice orders signals by ascending price with unpriced signals last.
// Equal prices fall back to timestamp and then id so the order is total.
func SortByPrice(signals []Signal) {
	sort.SliceStable(signals, func(i, j int) bool {
		return lessByPrice(signals[i], signals[j])
	})
}

func lessByPrice(a, b Signal) bool {
	switch {
	case a.Price.Valid && !b.Price.Valid:
		return true
	case !a.Price.Valid && b.Price.Valid:
		return false
	case a.Price.Valid && b.Price.Valid:
		if c := a.Price.Decimal.Cmp(b.Price.Decimal); c != 0 {
			return c < 0
		}
	}
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return bytes.Compare(a.ID[:], b.ID[:]) < 0
}
