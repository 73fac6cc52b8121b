package callctl

import "sync"

// listeners is a typed observer list. Emission iterates over a snapshot
// taken at emit time, so removal during dispatch does not affect the
// current pass.
type listeners[T any] struct {
	mu     sync.Mutex
	nextID uint64
	ids    []uint64
	fns    map[uint64]func(T)
}

// add registers fn and returns a function that removes it.
func (l *listeners[T]) add(fn func(T)) (remove func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fns == nil {
		l.fns = make(map[uint64]func(T))
	}
	l.nextID++
	id := l.nextID
	l.fns[id] = fn
	l.ids = append(l.ids, id)

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if _, ok := l.fns[id]; !ok {
			return
		}
		delete(l.fns, id)
		for i, v := range l.ids {
			if v == id {
				l.ids = append(l.ids[:i], l.ids[i+1:]...)
				break
			}
		}
	}
}

func (l *listeners[T]) emit(v T) {
	l.mu.Lock()
	snapshot := make([]func(T), 0, len(l.ids))
	for _, id := range l.ids {
		snapshot = append(snapshot, l.fns[id])
	}
	l.mu.Unlock()

	for _, fn := range snapshot {
		fn(v)
	}
}

func (l *listeners[T]) clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ids = nil
	l.fns = nil
}
