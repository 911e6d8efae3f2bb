package types_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/j3soon/orthanc/internal/types"
)

func TestResourceKindString(t *testing.T) {
	cases := []struct {
		kind types.ResourceKind
		want string
	}{
		{types.KindPatient, "Patient"},
		{types.KindStudy, "Study"},
		{types.KindSeries, "Series"},
		{types.KindInstance, "Instance"},
		{types.ResourceKind(99), "Unknown"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.kind.String())
	}
}

func TestResourceKindParentChild(t *testing.T) {
	parent, ok := types.KindInstance.Parent()
	assert.True(t, ok)
	assert.Equal(t, types.KindSeries, parent)

	_, ok = types.KindPatient.Parent()
	assert.False(t, ok)

	child, ok := types.KindPatient.Child()
	assert.True(t, ok)
	assert.Equal(t, types.KindStudy, child)

	_, ok = types.KindInstance.Child()
	assert.False(t, ok)
}

func TestResourceKindParentChildAreInverses(t *testing.T) {
	for k := types.KindStudy; k <= types.KindInstance; k++ {
		parent, ok := k.Parent()
		assert.True(t, ok)
		child, ok := parent.Child()
		assert.True(t, ok)
		assert.Equal(t, k, child)
	}
}

func TestChangeKindString(t *testing.T) {
	assert.Equal(t, "NewInstance", types.ChangeNewInstance.String())
	assert.Equal(t, "StablePatient", types.ChangeStablePatient.String())
	assert.Equal(t, "Unknown", types.ChangeKind(-1).String())
}
