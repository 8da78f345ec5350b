package refset_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldmesh/fieldmesh/internal/pkg/fieldmask"
	"github.com/fieldmesh/fieldmesh/internal/pkg/mesh"
	"github.com/fieldmesh/fieldmesh/internal/pkg/runtime/distobj"
	"github.com/fieldmesh/fieldmesh/internal/pkg/runtime/refset"
	"github.com/fieldmesh/fieldmesh/internal/pkg/utils/errors"
)

type stubState struct {
	*distobj.Base
	version uint64
}

func (s *stubState) VersionNumber() uint64 {
	return s.version
}

func newStub(sequence, version uint64) *stubState {
	id := distobj.NewID(0, sequence)
	return &stubState{
		Base:    distobj.NewBase(id, mesh.NodeID("node-1"), mesh.NodeID("node-1"), distobj.Hooks{}),
		version: version,
	}
}

func mask(fields ...uint) fieldmask.Mask {
	return fieldmask.Of(64, fields...)
}

func TestSet_InsertErase(t *testing.T) {
	t.Parallel()
	set := refset.New[*stubState]()
	a := newStub(1, 1)
	b := newStub(2, 1)

	assert.True(t, set.Empty())
	assert.True(t, set.Inlined())

	assert.True(t, set.Insert(a, mask(0, 1)))
	assert.False(t, set.Insert(a, mask(2)))
	assert.True(t, set.Inlined())
	assert.Equal(t, 1, set.Len())
	assert.Equal(t, 1, a.ValidRefs())

	got, found := set.Get(a.DistID())
	require.True(t, found)
	assert.True(t, got.Equal(mask(0, 1, 2)))

	assert.True(t, set.Insert(b, mask(3)))
	assert.False(t, set.Inlined())
	assert.Equal(t, 2, set.Len())
	assert.True(t, set.ValidMask().Equal(mask(0, 1, 2, 3)))

	set.Erase(a)
	assert.Equal(t, 0, a.ValidRefs())
	assert.Equal(t, 1, set.Len())
	assert.True(t, set.Inlined(), "two entries minus one must collapse back to the inline form")
	assert.True(t, set.ValidMask().Equal(mask(3)))

	set.Erase(b)
	assert.True(t, set.Empty())
	assert.Equal(t, 0, b.ValidRefs())
}

func TestSet_Untracked(t *testing.T) {
	t.Parallel()
	set := refset.NewUntracked[*stubState]()
	a := newStub(1, 1)

	set.Insert(a, mask(0))
	assert.Equal(t, 0, a.ValidRefs())
	set.Erase(a)
	assert.Equal(t, 0, a.ValidRefs())
}

func TestSet_Clear(t *testing.T) {
	t.Parallel()
	set := refset.New[*stubState]()
	a := newStub(1, 1)
	b := newStub(2, 1)
	set.Insert(a, mask(0))
	set.Insert(b, mask(1))

	set.Clear()
	assert.True(t, set.Empty())
	assert.True(t, set.Inlined())
	assert.Equal(t, 0, a.ValidRefs())
	assert.Equal(t, 0, b.ValidRefs())
}

func TestSet_ReduceNewerWins(t *testing.T) {
	t.Parallel()
	old := newStub(1, 1)
	newer := newStub(2, 2)
	merge := mask(0, 1)

	local := refset.New[*stubState]()
	local.Insert(old, mask(0, 1))
	incoming := refset.New[*stubState]()
	incoming.Insert(newer, mask(0, 1))

	require.NoError(t, local.Reduce(merge, incoming))
	require.NoError(t, local.SanityCheck())

	got, found := local.Get(newer.DistID())
	require.True(t, found)
	assert.True(t, got.Equal(mask(0, 1)))
	_, found = local.Get(old.DistID())
	assert.False(t, found)
	assert.True(t, incoming.Empty())
}

func TestSet_ReduceOrderIndependent(t *testing.T) {
	t.Parallel()
	merge := mask(0, 1)

	// Reducing the newer set into the older one and the other way around
	// must converge to the same field-to-object mapping.
	oldA, newA := newStub(1, 1), newStub(2, 2)
	setA := refset.New[*stubState]()
	setA.Insert(oldA, mask(0, 1))
	inA := refset.New[*stubState]()
	inA.Insert(newA, mask(0, 1))
	require.NoError(t, setA.Reduce(merge, inA))

	oldB, newB := newStub(1, 1), newStub(2, 2)
	setB := refset.New[*stubState]()
	setB.Insert(newB, mask(0, 1))
	inB := refset.New[*stubState]()
	inB.Insert(oldB, mask(0, 1))
	require.NoError(t, setB.Reduce(merge, inB))

	gotA, foundA := setA.Get(newA.DistID())
	require.True(t, foundA)
	gotB, foundB := setB.Get(newB.DistID())
	require.True(t, foundB)
	assert.True(t, gotA.Equal(gotB))
	assert.Equal(t, setA.Len(), setB.Len())
}

func TestSet_ReducePartialOverlap(t *testing.T) {
	t.Parallel()
	old := newStub(1, 1)
	newer := newStub(2, 2)

	local := refset.New[*stubState]()
	local.Insert(old, mask(0, 1))
	incoming := refset.New[*stubState]()
	incoming.Insert(newer, mask(1, 2))

	require.NoError(t, local.Reduce(mask(0, 1, 2, 3), incoming))
	require.NoError(t, local.SanityCheck())

	gotOld, found := local.Get(old.DistID())
	require.True(t, found)
	assert.True(t, gotOld.Equal(mask(0)), "only the contested field moves away from the older entry")
	gotNew, found := local.Get(newer.DistID())
	require.True(t, found)
	assert.True(t, gotNew.Equal(mask(1, 2)))
	assert.True(t, incoming.Empty())
}

func TestSet_ReduceOutsideMergeMask(t *testing.T) {
	t.Parallel()
	local := refset.New[*stubState]()
	incoming := refset.New[*stubState]()
	newer := newStub(1, 2)
	incoming.Insert(newer, mask(5))

	require.NoError(t, local.Reduce(mask(0, 1), incoming))
	assert.True(t, local.Empty())

	got, found := incoming.Get(newer.DistID())
	require.True(t, found)
	assert.True(t, got.Equal(mask(5)), "fields outside the merge mask stay in the incoming set")
}

func TestSet_ReduceConflict(t *testing.T) {
	t.Parallel()
	local := refset.New[*stubState]()
	local.Insert(newStub(1, 3), mask(0))
	incoming := refset.New[*stubState]()
	incoming.Insert(newStub(2, 3), mask(0))

	err := local.Reduce(mask(0), incoming)
	require.Error(t, err)
	assert.True(t, errors.IsInvariantError(err))
	assert.Contains(t, err.Error(), "conflicting objects")
}

func TestSet_ReduceDuplicateObservation(t *testing.T) {
	t.Parallel()
	shared := newStub(1, 2)

	local := refset.New[*stubState]()
	local.Insert(shared, mask(0, 1))
	incoming := refset.NewUntracked[*stubState]()
	incoming.Insert(shared, mask(0, 1))

	require.NoError(t, local.Reduce(mask(0, 1), incoming))
	got, found := local.Get(shared.DistID())
	require.True(t, found)
	assert.True(t, got.Equal(mask(0, 1)))
	assert.Equal(t, 1, shared.ValidRefs(), "a duplicate observation must not double count the reference")
}

func TestSet_SanityCheck(t *testing.T) {
	t.Parallel()
	set := refset.New[*stubState]()
	set.Insert(newStub(1, 1), mask(0, 1))
	set.Insert(newStub(2, 1), mask(2, 3))
	require.NoError(t, set.SanityCheck())
}
