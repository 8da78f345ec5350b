package distobj

import (
	"sync"

	"github.com/fieldmesh/fieldmesh/internal/pkg/event"
	"github.com/fieldmesh/fieldmesh/internal/pkg/utils/errors"
)

// Registry is the arena of distributed objects of one type on one node.
//
// FindOrRequest implements the find-or-request pattern: the first caller
// asking for a not-yet-local object issues a request to the owner node,
// concurrent callers share the same pending completion handle. The object
// becomes visible once the response arrives and Register is called.
type Registry[T Object] struct {
	mu      sync.Mutex
	objects map[ID]T
	pending map[ID]*event.Handle
}

func NewRegistry[T Object]() *Registry[T] {
	return &Registry[T]{objects: make(map[ID]T), pending: make(map[ID]*event.Handle)}
}

func (r *Registry[T]) Find(id ID) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	obj, found := r.objects[id]
	return obj, found
}

func (r *Registry[T]) MustGet(id ID) T {
	obj, found := r.Find(id)
	if !found {
		panic(errors.Errorf(`distributed object "%d" not found`, id))
	}
	return obj
}

// Register adds the object and wakes up pending finds.
func (r *Registry[T]) Register(obj T) error {
	id := obj.DistID()
	r.mu.Lock()
	if _, found := r.objects[id]; found {
		r.mu.Unlock()
		return errors.Errorf(`distributed object "%d" is already registered`, id)
	}
	r.objects[id] = obj
	ready := r.pending[id]
	delete(r.pending, id)
	r.mu.Unlock()
	if ready != nil {
		ready.Trigger()
	}
	return nil
}

// FindOrRequest returns the object if it is local, otherwise it records a
// pending find and returns a handle that fires once the object arrives.
// The request callback is invoked for the first caller only, it must issue
// the asynchronous request to the owner node.
func (r *Registry[T]) FindOrRequest(id ID, request func() error) (obj T, ready *event.Handle, err error) {
	r.mu.Lock()
	if obj, found := r.objects[id]; found {
		r.mu.Unlock()
		return obj, nil, nil
	}
	ready, requested := r.pending[id]
	if !requested {
		ready = event.NewHandle()
		r.pending[id] = ready
	}
	r.mu.Unlock()

	if !requested {
		if err := request(); err != nil {
			var zero T
			return zero, nil, err
		}
	}
	var zero T
	return zero, ready, nil
}

// Unregister removes the object, the caller must have checked that no
// references remain anywhere.
func (r *Registry[T]) Unregister(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.objects, id)
}

func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.objects)
}

// Each calls the function for every registered object.
func (r *Registry[T]) Each(fn func(obj T)) {
	r.mu.Lock()
	snapshot := make([]T, 0, len(r.objects))
	for _, obj := range r.objects {
		snapshot = append(snapshot, obj)
	}
	r.mu.Unlock()
	for _, obj := range snapshot {
		fn(obj)
	}
}
