package perf

// ring is a fixed-capacity FIFO that overwrites its oldest element.
type ring[T any] struct {
	buf   []T
	start int
	n     int
}

func newRing[T any](capacity int) *ring[T] {
	return &ring[T]{buf: make([]T, capacity)}
}

// push appends v and reports whether an old element was dropped.
func (r *ring[T]) push(v T) bool {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = v
		r.n++
		return false
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
	return true
}

// dropWhile removes leading elements for which drop returns true.
func (r *ring[T]) dropWhile(drop func(T) bool) int {
	removed := 0
	var zero T
	for r.n > 0 && drop(r.buf[r.start]) {
		r.buf[r.start] = zero
		r.start = (r.start + 1) % len(r.buf)
		r.n--
		removed++
	}
	return removed
}

// each visits elements oldest first until fn returns false.
func (r *ring[T]) each(fn func(T) bool) {
	for i := 0; i < r.n; i++ {
		if !fn(r.buf[(r.start+i)%len(r.buf)]) {
			return
		}
	}
}

func (r *ring[T]) len() int { return r.n }
