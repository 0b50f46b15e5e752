package inventory

// TagEntry is a tag discovered during one inventory cycle.
type TagEntry struct {
	ID    string `json:"id"`
	Order int    `json:"order"`
}

// Registry collects the distinct tags reported during one inventory cycle,
// in the order they were first seen.
type Registry struct {
	entries []TagEntry
	seen    map[string]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{seen: make(map[string]struct{})}
}

// Accept registers the tag carried by rec. Records that are not tags,
// collisions and ids already registered this cycle are ignored. It reports
// whether a new entry was added.
func (r *Registry) Accept(rec Record) bool {
	if !rec.IsAcceptedTag() {
		return false
	}
	if _, ok := r.seen[rec.ID]; ok {
		return false
	}
	r.seen[rec.ID] = struct{}{}
	r.entries = append(r.entries, TagEntry{ID: rec.ID, Order: len(r.entries)})
	return true
}

// Len returns the number of distinct tags registered.
func (r *Registry) Len() int {
	return len(r.entries)
}

// Finalize returns the registered tags in discovery order and clears the
// registry. The returned slice is never nil and is not shared with the
// registry.
func (r *Registry) Finalize() []TagEntry {
	snapshot := make([]TagEntry, len(r.entries))
	copy(snapshot, r.entries)
	r.Clear()
	return snapshot
}

// Clear discards every registered tag.
func (r *Registry) Clear() {
	r.entries = nil
	clear(r.seen)
}
