package version_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldmesh/fieldmesh/internal/pkg/fieldmask"
	"github.com/fieldmesh/fieldmesh/internal/pkg/runtime/refset"
	"github.com/fieldmesh/fieldmesh/internal/pkg/runtime/tree"
	"github.com/fieldmesh/fieldmesh/internal/pkg/runtime/version"
	"github.com/fieldmesh/fieldmesh/internal/pkg/runtime/view"
)

func TestState_Initialize(t *testing.T) {
	t.Parallel()
	node := newHarness(t, "node-1")["node-1"]

	state, err := node.version.NewState(1, node.forest.MustGet("root"), 1)
	require.NoError(t, err)
	written, err := node.version.NewView(view.Materialized)
	require.NoError(t, err)
	reduced, err := node.version.NewReductionView(42)
	require.NoError(t, err)

	state.Initialize(written, version.Usage{Privilege: version.ReadWrite}, mask(0, 1))
	state.Initialize(reduced, version.Usage{Privilege: version.Reduce, ReductionOp: 42}, mask(2))

	assert.True(t, state.DirtyMask().Equal(mask(0, 1)))
	assert.True(t, state.ReductionMask().Equal(mask(2)))
	assert.True(t, state.UpdateFields().Equal(mask(0, 1, 2)))

	viewMask, found := state.ValidViewMask(written)
	require.True(t, found)
	assert.True(t, viewMask.Equal(mask(0, 1)))
	redMask, found := state.ReductionViewMask(reduced)
	require.True(t, found)
	assert.True(t, redMask.Equal(mask(2)))

	// A read-only view is valid but does not dirty its fields.
	readView, err := node.version.NewView(view.Deferred)
	require.NoError(t, err)
	state.Initialize(readView, version.Usage{Privilege: version.ReadOnly}, mask(3))
	assert.True(t, state.DirtyMask().Equal(mask(0, 1)))
	assert.True(t, state.UpdateFields().Equal(mask(0, 1, 2, 3)))
}

func TestState_MergeIdempotent(t *testing.T) {
	t.Parallel()
	node := newHarness(t, "node-1")["node-1"]

	state, err := node.version.NewState(1, node.forest.MustGet("root"), 2)
	require.NoError(t, err)
	v, err := node.version.NewView(view.Materialized)
	require.NoError(t, err)
	child, err := node.version.NewState(1, node.forest.MustGet("root/rows/0"), 1)
	require.NoError(t, err)

	incoming := version.NewPhysicalState()
	incoming.Dirty = mask(0, 1)
	incoming.Valid[v] = mask(0, 1)
	incoming.AddChild(0, child, mask(1))

	ctx := context.Background()
	require.NoError(t, state.MergePhysicalState(ctx, incoming, mask(0, 1)))
	require.NoError(t, state.MergePhysicalState(ctx, incoming, mask(0, 1)))

	assert.True(t, state.DirtyMask().Equal(mask(0, 1)))
	viewMask, found := state.ValidViewMask(v)
	require.True(t, found)
	assert.True(t, viewMask.Equal(mask(0, 1)))
	childMask, found := state.ChildVersionMask(0, child.DistID())
	require.True(t, found)
	assert.True(t, childMask.Equal(mask(1)))

	// Duplicate delivery must not double-count the validity references.
	assert.Equal(t, 1, v.ValidRefs())
	assert.Equal(t, 1, child.ValidRefs())
}

func TestState_MergeRestrictedByMask(t *testing.T) {
	t.Parallel()
	node := newHarness(t, "node-1")["node-1"]

	state, err := node.version.NewState(1, node.forest.MustGet("root"), 1)
	require.NoError(t, err)
	v, err := node.version.NewView(view.Materialized)
	require.NoError(t, err)

	incoming := version.NewPhysicalState()
	incoming.Dirty = mask(0, 1, 2)
	incoming.Valid[v] = mask(0, 1, 2)

	require.NoError(t, state.MergePhysicalState(context.Background(), incoming, mask(1)))
	assert.True(t, state.DirtyMask().Equal(mask(1)))
	viewMask, found := state.ValidViewMask(v)
	require.True(t, found)
	assert.True(t, viewMask.Equal(mask(1)))
}

func TestState_ReduceOpenChildren(t *testing.T) {
	t.Parallel()
	node := newHarness(t, "node-1")["node-1"]

	state, err := node.version.NewState(1, node.forest.MustGet("root/rows"), 1)
	require.NoError(t, err)
	older, err := node.version.NewState(1, node.forest.MustGet("root/rows/0"), 1)
	require.NoError(t, err)
	newer, err := node.version.NewState(1, node.forest.MustGet("root/rows/0"), 2)
	require.NoError(t, err)

	first := refset.NewUntracked[*version.State]()
	first.Insert(older, mask(0, 1))
	ctx := context.Background()
	require.NoError(t, state.ReduceOpenChildren(ctx, 0, mask(0, 1), first, true))

	// The newer version wins the contested field, the older keeps the rest.
	second := refset.NewUntracked[*version.State]()
	second.Insert(newer, mask(1))
	require.NoError(t, state.ReduceOpenChildren(ctx, 0, mask(1), second, true))

	olderMask, found := state.ChildVersionMask(0, older.DistID())
	require.True(t, found)
	assert.True(t, olderMask.Equal(mask(0)))
	newerMask, found := state.ChildVersionMask(0, newer.DistID())
	require.True(t, found)
	assert.True(t, newerMask.Equal(mask(1)))
}

type captureRecord struct {
	dirty      fieldmask.Mask
	reduction  fieldmask.Mask
	valid      map[*view.View]fieldmask.Mask
	reductions map[*view.View]fieldmask.Mask
	children   map[tree.Color]map[*version.State]fieldmask.Mask
}

func newCaptureRecord() *captureRecord {
	return &captureRecord{
		valid:      make(map[*view.View]fieldmask.Mask),
		reductions: make(map[*view.View]fieldmask.Mask),
		children:   make(map[tree.Color]map[*version.State]fieldmask.Mask),
	}
}

func (r *captureRecord) RecordDirtyFields(mask fieldmask.Mask) {
	r.dirty = r.dirty.Union(mask)
}

func (r *captureRecord) RecordReductionFields(mask fieldmask.Mask) {
	r.reduction = r.reduction.Union(mask)
}

func (r *captureRecord) RecordValidView(v *view.View, mask fieldmask.Mask) {
	r.valid[v] = r.valid[v].Union(mask)
}

func (r *captureRecord) RecordReductionView(v *view.View, mask fieldmask.Mask) {
	r.reductions[v] = r.reductions[v].Union(mask)
}

func (r *captureRecord) RecordChildVersion(color tree.Color, child *version.State, mask fieldmask.Mask) {
	if r.children[color] == nil {
		r.children[color] = make(map[*version.State]fieldmask.Mask)
	}
	r.children[color][child] = r.children[color][child].Union(mask)
}

func TestState_Capture(t *testing.T) {
	t.Parallel()
	node := newHarness(t, "node-1")["node-1"]

	state, err := node.version.NewState(1, node.forest.MustGet("root"), 1)
	require.NoError(t, err)
	v, err := node.version.NewView(view.Materialized)
	require.NoError(t, err)
	child, err := node.version.NewState(1, node.forest.MustGet("root/rows/0"), 1)
	require.NoError(t, err)

	state.Initialize(v, version.Usage{Privilege: version.ReadWrite}, mask(0, 1))
	children := refset.NewUntracked[*version.State]()
	children.Insert(child, mask(2))
	require.NoError(t, state.ReduceOpenChildren(context.Background(), 0, mask(2), children, true))

	// Only the entries overlapping the capture mask are recorded.
	record := newCaptureRecord()
	state.Capture(mask(1, 2), record)
	assert.True(t, record.dirty.Equal(mask(1)))
	assert.True(t, record.valid[v].Equal(mask(1)))
	assert.True(t, record.children[0][child].Equal(mask(2)))

	// The scratch capture restricted to one field sees only that field.
	scratch := version.NewPhysicalState()
	state.UpdatePhysicalState(scratch, mask(0))
	assert.True(t, scratch.Dirty.Equal(mask(0)))
	assert.True(t, scratch.Valid[v].Equal(mask(0)))
	assert.Len(t, scratch.Children, 0)
}
