package strategy

import (
	"errors"
	"fmt"

	"pixeloff/internal/media"
)

// ErrNoItems is returned when a resource yields no media items at all.
var ErrNoItems = errors.New("no media items found")

// Select picks the 1-based item subIndex from items.
//
// With clamp set an index past the end selects the last item; otherwise it
// is an error. A video item is never returned. The chosen 1-based position is
// returned alongside the item.
func Select(items []media.Item, subIndex int, clamp bool) (media.Item, int, error) {
	if len(items) == 0 {
		return media.Item{}, 0, ErrNoItems
	}
	if subIndex < 1 {
		subIndex = 1
	}

	n := subIndex
	if n > len(items) {
		if !clamp {
			return media.Item{}, 0, fmt.Errorf("item %d out of range (%d items)", subIndex, len(items))
		}
		n = len(items)
	}

	item := items[n-1]
	if item.IsVideo {
		return media.Item{}, 0, fmt.Errorf("item %d is video, not image", n)
	}
	return item, n, nil
}
