// Package buffer holds the bounded ring behind per-instance message logs
// and the log journal.
package buffer

// Ring keeps the newest Cap() items. It is not safe for concurrent use;
// owners guard it with their own lock.
type Ring[T any] struct {
	items []T
	next  int
	limit int
}

func NewRing[T any](limit int) *Ring[T] {
	if limit <= 0 {
		limit = 1
	}
	return &Ring[T]{items: make([]T, 0, limit), limit: limit}
}

// Add appends item. Once the ring is full each Add replaces the oldest item.
func (r *Ring[T]) Add(item T) {
	if r == nil {
		return
	}
	if len(r.items) < r.limit {
		r.items = append(r.items, item)
		return
	}
	r.items[r.next] = item
	r.next = (r.next + 1) % r.limit
}

func (r *Ring[T]) Len() int {
	if r == nil {
		return 0
	}
	return len(r.items)
}

func (r *Ring[T]) Cap() int {
	if r == nil {
		return 0
	}
	return r.limit
}

// List copies the items out, oldest first.
func (r *Ring[T]) List() []T {
	if r == nil || len(r.items) == 0 {
		return nil
	}
	out := make([]T, 0, len(r.items))
	out = append(out, r.items[r.next:]...)
	return append(out, r.items[:r.next]...)
}
