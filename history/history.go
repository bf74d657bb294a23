// Package history holds the product snapshot model and the append-only
// price history derived from it.
//
// History grows by merging freshly scraped snapshots into the stored ones:
// exact duplicates collapse, everything else is kept, and the result is
// ordered by time. Two snapshots with the same timestamp but different
// prices are both retained; the dedup key includes the price.
package history

import (
	"sort"
	"time"
)

// Snapshot is one observed product state at a point in time.
type Snapshot struct {
	Timestamp  time.Time `json:"timestamp"`
	Source     string    `json:"source"`
	Model      string    `json:"model"`
	Title      string    `json:"title"`
	SKU        string    `json:"sku,omitempty"`
	Currency   string    `json:"currency"`
	Price      float64   `json:"price"`
	ProductURL string    `json:"product_url"`
	ImageURL   string    `json:"image_url"`
	ImagePath  string    `json:"image_path,omitempty"`
}

// dedupKey identifies a snapshot: same instant, source, model and price
// means the same observation.
type dedupKey struct {
	ts     int64
	source string
	model  string
	price  float64
}

func keyOf(s Snapshot) dedupKey {
	return dedupKey{
		ts:     s.Timestamp.UnixNano(),
		source: s.Source,
		model:  s.Model,
		price:  s.Price,
	}
}

// Merge combines stored history with freshly scraped snapshots.
// Existing entries come first, so on duplicate keys the stored entry wins.
// The result is sorted ascending by (timestamp, model); the sort is stable,
// so equal-key entries keep their relative order. Merging the same input
// twice yields the same history.
func Merge(existing, incoming []Snapshot) []Snapshot {
	combined := make([]Snapshot, 0, len(existing)+len(incoming))
	combined = append(combined, existing...)
	combined = append(combined, incoming...)

	seen := make(map[dedupKey]struct{}, len(combined))
	out := make([]Snapshot, 0, len(combined))
	for _, s := range combined {
		k := keyOf(s)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, s)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].Model < out[j].Model
	})
	return out
}

// Latest returns the newest snapshot per model, following Merge order.
func Latest(snaps []Snapshot) map[string]Snapshot {
	out := make(map[string]Snapshot)
	for _, s := range snaps {
		cur, ok := out[s.Model]
		if !ok || !s.Timestamp.Before(cur.Timestamp) {
			out[s.Model] = s
		}
	}
	return out
}
