package fieldmask_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fieldmesh/fieldmesh/internal/pkg/encoding/json"
	"github.com/fieldmesh/fieldmesh/internal/pkg/fieldmask"
)

const universe = 64

func TestMask_Basics(t *testing.T) {
	t.Parallel()

	empty := fieldmask.New(universe)
	assert.True(t, empty.IsEmpty())
	assert.Equal(t, uint(0), empty.Count())

	m := fieldmask.Of(universe, 0, 1, 5)
	assert.False(t, m.IsEmpty())
	assert.Equal(t, uint(3), m.Count())
	assert.True(t, m.Has(5))
	assert.False(t, m.Has(4))
	assert.Equal(t, []uint{0, 1, 5}, m.Fields())
}

func TestMask_SetOperations(t *testing.T) {
	t.Parallel()

	a := fieldmask.Of(universe, 0, 1, 2)
	b := fieldmask.Of(universe, 2, 3)

	assert.True(t, a.Union(b).Equal(fieldmask.Of(universe, 0, 1, 2, 3)))
	assert.True(t, a.Intersect(b).Equal(fieldmask.Of(universe, 2)))
	assert.True(t, a.Subtract(b).Equal(fieldmask.Of(universe, 0, 1)))
	assert.True(t, a.Overlaps(b))
	assert.True(t, a.Disjoint(fieldmask.Of(universe, 3, 4)))
	assert.True(t, a.Contains(fieldmask.Of(universe, 0, 2)))
	assert.False(t, a.Contains(b))

	// Inputs are not mutated
	assert.Equal(t, []uint{0, 1, 2}, a.Fields())
	assert.Equal(t, []uint{2, 3}, b.Fields())
}

func TestMask_ZeroValue(t *testing.T) {
	t.Parallel()

	var zero fieldmask.Mask
	m := fieldmask.Of(universe, 1)

	assert.True(t, zero.IsEmpty())
	assert.True(t, zero.Union(m).Equal(m))
	assert.True(t, zero.Intersect(m).IsEmpty())
	assert.True(t, m.Subtract(zero).Equal(m))
	assert.True(t, zero.Disjoint(m))
	assert.True(t, m.Contains(zero))
}

func TestMask_JSONRoundTrip(t *testing.T) {
	t.Parallel()

	m := fieldmask.Of(universe, 0, 7, 63)
	data := json.MustEncode(m, false)

	var decoded fieldmask.Mask
	json.MustDecode(data, &decoded)
	assert.True(t, m.Equal(decoded))

	var zero fieldmask.Mask
	data = json.MustEncode(zero, false)
	decoded = fieldmask.Of(universe, 1)
	json.MustDecode(data, &decoded)
	assert.True(t, decoded.IsEmpty())
}
