package contacts

import (
	"strings"
	"sync"
)

// Filter returns the subsequence of records whose name contains term,
// compared case-insensitively. An empty term returns the full snapshot
// unchanged in order.
func Filter(records []Record, term string) []Record {
	if term == "" {
		return records
	}
	needle := strings.ToLower(term)
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if strings.Contains(strings.ToLower(r.Name), needle) {
			out = append(out, r)
		}
	}
	return out
}

// Favorites returns the subsequence of records marked as favorites.
func Favorites(records []Record) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if r.IsFavorite {
			out = append(out, r)
		}
	}
	return out
}

// ListView is a pure projection over repository snapshots for one screen:
// an optional favorites-only predicate, a search term, and a selection
// toggle. It owns no data — feed it snapshots from a Watch and re-read
// Visible after every change. The favorites screen is simply a second
// ListView in favorites-only mode on its own independent watch.
type ListView struct {
	mu            sync.RWMutex
	favoritesOnly bool
	snapshot      []Record
	term          string
	selected      string
}

// NewListView creates a list view. When favoritesOnly is true only
// favorite contacts are visible.
func NewListView(favoritesOnly bool) *ListView {
	return &ListView{favoritesOnly: favoritesOnly}
}

// SetSnapshot replaces the view's snapshot wholesale. Call it from the
// watch's snapshot callback.
func (v *ListView) SetSnapshot(records []Record) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.snapshot = cloneRecords(records)
}

// SetSearchTerm sets the case-insensitive name filter. Empty clears it.
func (v *ListView) SetSearchTerm(term string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.term = term
}

// Select toggles selection of the named contact: selecting the already
// selected name clears the selection.
func (v *ListView) Select(name string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.selected == name {
		v.selected = ""
		return
	}
	v.selected = name
}

// Selected returns the selected contact name, or "" if none.
func (v *ListView) Selected() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.selected
}

// Visible returns the filtered projection of the current snapshot, in
// snapshot order. It is recomputed on every call and never cached.
func (v *ListView) Visible() []Record {
	v.mu.RLock()
	defer v.mu.RUnlock()

	records := v.snapshot
	if v.favoritesOnly {
		records = Favorites(records)
	}
	return cloneRecords(Filter(records, v.term))
}
