package state

// ring keeps the last cap items in arrival order, evicting the oldest.
type ring[T any] struct {
	items []T
	cap   int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring[T]{items: make([]T, 0, capacity), cap: capacity}
}

func (r *ring[T]) push(v T) {
	if len(r.items) == r.cap {
		copy(r.items, r.items[1:])
		r.items = r.items[:r.cap-1]
	}
	r.items = append(r.items, v)
}

// newestFirst returns a copy with the latest item first.
func (r *ring[T]) newestFirst() []T {
	out := make([]T, len(r.items))
	for i, v := range r.items {
		out[len(r.items)-1-i] = v
	}
	return out
}

func (r *ring[T]) clear() { r.items = r.items[:0] }
