package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestShapeNumElements tests element counting.
func TestShapeNumElements(t *testing.T) {
	assert.Equal(t, int64(1), Shape{}.NumElements())
	assert.Equal(t, int64(24), Shape{2, 3, 4}.NumElements())
	assert.Equal(t, int64(-1), Shape{Unknown, 3}.NumElements())
	assert.Equal(t, int64(0), Shape{0, 3}.NumElements())
}

// TestShapeHelpers tests cloning, batching and formatting.
func TestShapeHelpers(t *testing.T) {
	s := Shape{Unknown, 3}
	assert.False(t, s.IsFullySpecified())
	assert.Equal(t, "[?,3]", s.String())

	b := Shape{3}.WithBatch(1)
	assert.Equal(t, Shape{1, 3}, b)

	c := b.Clone()
	c[0] = 5
	assert.Equal(t, int64(1), b[0])
	assert.Nil(t, Shape(nil).Clone())

	assert.Equal(t, []int{1, 3}, b.Ints())
	assert.Equal(t, Shape{1, 3}, ShapeOf([]int{1, 3}))
	assert.True(t, b.Equal(Shape{1, 3}))
	assert.False(t, b.Equal(Shape{1}))
}

// TestDTypeMapping tests the element type tables.
func TestDTypeMapping(t *testing.T) {
	for dt := Float32; dt <= String; dt++ {
		parsed, err := ParseDType(dt.String())
		assert.NoError(t, err)
		assert.Equal(t, dt, parsed)

		back, ok := FromONNX(dt.ONNX())
		assert.True(t, ok)
		assert.Equal(t, dt, back)
	}

	f16, ok := FromONNX(10)
	assert.True(t, ok)
	assert.Equal(t, Float32, f16)

	_, err := ParseDType("complex128")
	assert.Error(t, err)

	_, ok = Uint16.Born()
	assert.False(t, ok)
	bdt, ok := Int64.Born()
	assert.True(t, ok)
	assert.Equal(t, Int64, FromBornDType(bdt))

	assert.Equal(t, 4, Float32.Size())
	assert.Equal(t, 0, String.Size())
}
