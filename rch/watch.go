package rch

import "sync"

// Watch is a value cell that can be observed. The first Set makes Ready
// fire; later calls to Set replace the value.
type Watch[T any] struct {
	mu    sync.Mutex
	value T
	set   bool
	ready chan struct{}
}

func NewWatch[T any]() *Watch[T] {
	return &Watch[T]{ready: make(chan struct{})}
}

// Set stores v. It reports whether this was the first value.
func (w *Watch[T]) Set(v T) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.value = v
	if w.set {
		return false
	}
	w.set = true
	close(w.ready)
	return true
}

// SetOnce stores v only if no value was stored before.
func (w *Watch[T]) SetOnce(v T) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.set {
		return false
	}
	w.value = v
	w.set = true
	close(w.ready)
	return true
}

func (w *Watch[T]) Get() (T, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.value, w.set
}

// Ready is closed once a value has been set.
func (w *Watch[T]) Ready() <-chan struct{} {
	return w.ready
}
