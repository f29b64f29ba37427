// Package contacts implements synchronization of a per-user contact list
// against a remote document store.
//
// A user's contacts live in a single document holding one array field. The
// store exposes set-style array mutations keyed by value equality, so a
// Record has no stable identifier: two records are the same contact exactly
// when their name and address sequence match. Renaming a contact or
// reordering its addresses changes its identity, and any concurrent
// mutation keyed on the old value silently no-ops. The Repository preserves
// these semantics rather than papering over them.
package contacts

// Record is one contact as stored in the user's contact document.
type Record struct {
	Name       string   `json:"name"`
	Addresses  []string `json:"addresses"`
	IsFavorite bool     `json:"isFavorite"`
}

// Equal reports full value equality: every field matches and the address
// sequences are element-wise equal in order.
func (r Record) Equal(o Record) bool {
	return r.IsFavorite == o.IsFavorite && r.SameContact(o)
}

// SameContact reports mutation identity: name and address sequence match,
// regardless of the favorite flag. This is the equality used when an edit
// replaces an existing record.
func (r Record) SameContact(o Record) bool {
	if r.Name != o.Name || len(r.Addresses) != len(o.Addresses) {
		return false
	}
	for i := range r.Addresses {
		if r.Addresses[i] != o.Addresses[i] {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	c := r
	if r.Addresses != nil {
		c.Addresses = make([]string, len(r.Addresses))
		copy(c.Addresses, r.Addresses)
	}
	return c
}

func cloneRecords(records []Record) []Record {
	if records == nil {
		return nil
	}
	out := make([]Record, len(records))
	for i, r := range records {
		out[i] = r.Clone()
	}
	return out
}
