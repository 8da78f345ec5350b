package restriction

import (
	"sync"

	"github.com/fieldmesh/fieldmesh/internal/pkg/fieldmask"
	"github.com/fieldmesh/fieldmesh/internal/pkg/runtime/view"
)

// RestrictInfo collects the restricted instances resolved for one consuming
// operation. Recorded instances hold a resource reference until Clear.
// The zero value is ready to use.
type RestrictInfo struct {
	mu        sync.Mutex
	instances map[*view.View]fieldmask.Mask
}

// RecordRestriction adds an instance restricted for the fields of the mask.
// Repeated records of the same instance extend its mask.
func (i *RestrictInfo) RecordRestriction(inst *view.View, mask fieldmask.Mask) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.instances == nil {
		i.instances = map[*view.View]fieldmask.Mask{}
	}
	if held, found := i.instances[inst]; found {
		i.instances[inst] = held.Union(mask)
		return
	}
	inst.AddResourceRef()
	i.instances[inst] = mask.Clone()
}

// HasRestrictions reports whether any instance was recorded.
func (i *RestrictInfo) HasRestrictions() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.instances) > 0
}

// RestrictedFields is the union of all recorded masks.
func (i *RestrictInfo) RestrictedFields() fieldmask.Mask {
	i.mu.Lock()
	defer i.mu.Unlock()
	mask := fieldmask.Mask{}
	for _, held := range i.instances {
		mask = mask.Union(held)
	}
	return mask
}

// Instances returns the recorded instances as a reference set,
// the references carry no readiness handle.
func (i *RestrictInfo) Instances() *view.InstanceSet {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := &view.InstanceSet{}
	for inst, held := range i.instances {
		out.Add(view.InstanceRef{View: inst, Mask: held.Clone()})
	}
	return out
}

// Clear drops the recorded instances and their references.
func (i *RestrictInfo) Clear() {
	i.mu.Lock()
	defer i.mu.Unlock()
	for inst := range i.instances {
		inst.RemoveResourceRef()
	}
	i.instances = nil
}
