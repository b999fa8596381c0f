package state

import "sync"

// listeners is a registration-ordered callback list whose remove funcs are
// idempotent.
type listeners[F any] struct {
	mu     sync.Mutex
	nextID int
	items  []listener[F]
}

type listener[F any] struct {
	id int
	fn F
}

func (l *listeners[F]) add(fn F) func() {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.items = append(l.items, listener[F]{id: id, fn: fn})
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			for i, it := range l.items {
				if it.id == id {
					l.items = append(l.items[:i:i], l.items[i+1:]...)
					return
				}
			}
		})
	}
}

func (l *listeners[F]) snapshot() []F {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]F, len(l.items))
	for i, it := range l.items {
		out[i] = it.fn
	}
	return out
}
