package version

import (
	"sync"

	"github.com/fieldmesh/fieldmesh/internal/pkg/event"
	"github.com/fieldmesh/fieldmesh/internal/pkg/fieldmask"
	"github.com/fieldmesh/fieldmesh/internal/pkg/runtime/equiv"
)

// InfoEntry pairs an equivalence set with the fields it was recorded for.
type InfoEntry struct {
	Set  *equiv.Set
	Mask fieldmask.Mask
}

// Info collects the versioning information resolved for one consuming
// operation. The zero value is ready to use.
type Info struct {
	mu      sync.Mutex
	entries []InfoEntry
}

// Record adds an equivalence set covering the fields of the mask.
// Repeated records of the same set extend its mask.
func (i *Info) Record(set *equiv.Set, mask fieldmask.Mask) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for n, entry := range i.entries {
		if entry.Set == set {
			i.entries[n].Mask = entry.Mask.Union(mask)
			return
		}
	}
	i.entries = append(i.entries, InfoEntry{Set: set, Mask: mask.Clone()})
}

// Entries returns the recorded entries.
func (i *Info) Entries() []InfoEntry {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]InfoEntry, len(i.entries))
	copy(out, i.entries)
	return out
}

// MakeReady forwards the usage into every recorded set, a write needs the
// sole valid copy, a read shares it. Completion handles are collected into
// ready and applied.
func (i *Info) MakeReady(usage Usage, mask fieldmask.Mask, ready, applied *event.Set) error {
	for _, entry := range i.Entries() {
		overlap := entry.Mask.Intersect(mask)
		if overlap.IsEmpty() {
			continue
		}
		if err := entry.Set.RequestValidCopy(overlap, usage.IsWrite(), ready, applied); err != nil {
			return err
		}
	}
	return nil
}

// Clear drops the recorded entries.
func (i *Info) Clear() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.entries = nil
}
