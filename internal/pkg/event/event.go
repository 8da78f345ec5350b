// Package event provides one-shot completion handles.
//
// A handle is the only suspension point exposed to callers of the versioning
// layer: cross-node requests record a handle, the answer triggers it.
// A nil *Handle means "already completed", mirroring the no-event value
// of the runtime substrate, all methods are nil-safe.
package event

import (
	"context"
	"sync"

	"go.uber.org/atomic"

	"github.com/fieldmesh/fieldmesh/internal/pkg/utils/errors"
)

// Handle is a one-shot completion signal.
// Producers call Trigger exactly once, consumers wait or chain continuations.
type Handle struct {
	done      chan struct{}
	triggered *atomic.Bool
}

func NewHandle() *Handle {
	return &Handle{done: make(chan struct{}), triggered: atomic.NewBool(false)}
}

// Trigger fires the handle. A handle can be triggered only once.
func (h *Handle) Trigger() {
	if !h.triggered.CompareAndSwap(false, true) {
		panic(errors.New("completion handle triggered twice"))
	}
	close(h.done)
}

// TriggerOn fires the handle once the precondition fires.
// A nil precondition triggers immediately.
func (h *Handle) TriggerOn(pre *Handle) {
	if pre.HasTriggered() {
		h.Trigger()
		return
	}
	go func() {
		<-pre.done
		h.Trigger()
	}()
}

func (h *Handle) HasTriggered() bool {
	if h == nil {
		return true
	}
	return h.triggered.Load()
}

// Done returns a channel closed when the handle fires.
func (h *Handle) Done() <-chan struct{} {
	if h == nil {
		return closedChan
	}
	return h.done
}

// Wait blocks until the handle fires or the context is cancelled.
func (h *Handle) Wait(ctx context.Context) error {
	if h.HasTriggered() {
		return nil
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "wait for completion handle interrupted")
	}
}

// Merge returns a handle that fires when all the given handles fire.
// Handles that already fired are skipped, if none remain, nil is returned.
func Merge(handles ...*Handle) *Handle {
	pending := make([]*Handle, 0, len(handles))
	for _, h := range handles {
		if !h.HasTriggered() {
			pending = append(pending, h)
		}
	}
	switch len(pending) {
	case 0:
		return nil
	case 1:
		return pending[0]
	}
	out := NewHandle()
	go func() {
		for _, h := range pending {
			<-h.done
		}
		out.Trigger()
	}()
	return out
}

// Set collects completion handles, it is the output parameter of protocol calls.
type Set struct {
	mu      sync.Mutex
	handles []*Handle
}

func (s *Set) Insert(h *Handle) {
	if h.HasTriggered() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles = append(s.handles, h)
}

func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Merge drains the set into a single handle, nil if nothing is pending.
func (s *Set) Merge() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Merge(s.handles...)
	s.handles = nil
	return out
}

// Wait waits for all collected handles.
func (s *Set) Wait(ctx context.Context) error {
	return s.Merge().Wait(ctx)
}

var closedChan = func() chan struct{} { // nolint: gochecknoglobals
	ch := make(chan struct{})
	close(ch)
	return ch
}()
