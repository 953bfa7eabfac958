package recommender

import "sort"

// ScoredItem is an item with its predicted score.
type ScoredItem struct {
	ItemID string  `json:"item_id"`
	Score  float64 `json:"score"`
}

// TopN orders scores descending, breaking ties by item id ascending, and
// keeps at most n entries. An empty map yields an empty, non-nil slice.
func TopN(scores map[string]float64, n int) []ScoredItem {
	items := make([]ScoredItem, 0, len(scores))
	for id, score := range scores {
		items = append(items, ScoredItem{ItemID: id, Score: score})
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		return items[i].ItemID < items[j].ItemID
	})

	if n < 0 {
		n = 0
	}
	if len(items) > n {
		items = items[:n]
	}
	return items
}
