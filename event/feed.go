// Package event provides observer lists used to fan notifications out to independent subscribers. A panic in one
// observer is recovered and logged so it never prevents delivery to the others.
package event

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/nlowe/hqttd/log"
)

// ID identifies a subscription on a Feed. The zero ID is never issued, so it can be used as a "not subscribed"
// sentinel.
type ID uint64

// Observable is the subscribe side of a Feed. Components expose an Observable instead of the Feed itself so only the
// owner can emit.
type Observable[T any] interface {
	// Subscribe registers fn to be called for every future notification and returns an ID that can be passed to
	// Unsubscribe.
	Subscribe(fn func(T)) ID

	// Unsubscribe removes the observer registered with id. Unknown IDs are ignored.
	Unsubscribe(id ID)
}

// Feed is an ordered list of observers for notifications of type T. The zero value is ready to use. Observers are
// invoked in subscription order.
type Feed[T any] struct {
	name string

	mu        sync.RWMutex
	next      ID
	order     []ID
	observers map[ID]func(T)
}

var _ Observable[struct{}] = &Feed[struct{}]{}

// NewFeed constructs a Feed whose name is attached to log messages about misbehaving observers.
func NewFeed[T any](name string) *Feed[T] {
	return &Feed[T]{name: name}
}

func (f *Feed[T]) Subscribe(fn func(T)) ID {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.observers == nil {
		f.observers = map[ID]func(T){}
	}

	f.next++
	f.observers[f.next] = fn
	f.order = append(f.order, f.next)

	return f.next
}

func (f *Feed[T]) Unsubscribe(id ID) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.observers[id]; !ok {
		return
	}

	delete(f.observers, id)
	f.order = slices.DeleteFunc(f.order, func(v ID) bool {
		return v == id
	})
}

// Len returns the number of subscribed observers.
func (f *Feed[T]) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return len(f.order)
}

// Emit calls every observer with v on the calling goroutine, in subscription order.
func (f *Feed[T]) Emit(v T) {
	for _, fn := range f.snapshot() {
		f.invoke(fn, v)
	}
}

// Go calls every observer with v, each on its own goroutine. The returned channel is closed once every observer has
// returned. Callers that don't care about completion can ignore it.
func (f *Feed[T]) Go(v T) <-chan struct{} {
	var wg sync.WaitGroup
	for _, fn := range f.snapshot() {
		wg.Go(func() {
			f.invoke(fn, v)
		})
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	return done
}

func (f *Feed[T]) snapshot() []func(T) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	result := make([]func(T), 0, len(f.order))
	for _, id := range f.order {
		result = append(result, f.observers[id])
	}

	return result
}

func (f *Feed[T]) invoke(fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			log.ForComponent("event").With(
				slog.String("feed", f.name),
				log.Error(fmt.Errorf("observer panic: %v", r)),
			).Error("Recovered from panic in observer")
		}
	}()

	fn(v)
}
