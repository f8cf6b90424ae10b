package ds

import (
	"sort"
	"sync/atomic"
)

// Registry keeps values in registration order. Add returns the handle that removes the value
// again, so values need not be comparable.
type Registry[T any] struct {
	next    atomic.Int64
	entries *SyncMap[int64, T]
}

func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{entries: NewSyncMap[int64, T]()}
}

func (r *Registry[T]) Add(v T) (remove func()) {
	id := r.next.Add(1)
	r.entries.Set(id, v)
	return func() {
		r.entries.Delete(id)
	}
}

func (r *Registry[T]) Len() int {
	return r.entries.Len()
}

// Snapshot returns the registered values, oldest first.
func (r *Registry[T]) Snapshot() []T {
	ids := make([]int64, 0, r.entries.Len())
	r.entries.Range(func(id int64, _ T) bool {
		ids = append(ids, id)
		return true
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		if v, ok := r.entries.Get(id); ok {
			out = append(out, v)
		}
	}
	return out
}
