package tensors

import (
	"bytes"
	"testing"

	"github.com/alan101-tech/NeMo/pkg/core/dtypes"
	"github.com/gomlx/exceptions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestShape(t *testing.T) {
	s := Make(dtypes.Float32, 2, 3)
	assert.True(t, s.Ok())
	assert.Equal(t, 6, s.Size())
	assert.Equal(t, 24, s.Memory())
	assert.False(t, s.IsScalar())
	assert.Equal(t, "(float32)[2, 3]", s.String())

	assert.True(t, s.Equal(Make(dtypes.Float32, 2, 3)))
	assert.False(t, s.Equal(Make(dtypes.Float32, 3, 2)))
	assert.False(t, s.Equal(Make(dtypes.Float64, 2, 3)))

	scalar := Make(dtypes.Float64)
	assert.True(t, scalar.IsScalar())
	assert.Equal(t, 1, scalar.Size())

	assert.False(t, Make(dtypes.Float32, -1).Ok())
	assert.False(t, Make(dtypes.InvalidDType, 2).Ok())
}

func TestFromFlatAndFlat(t *testing.T) {
	values := []float32{1, 2, 3, 4, 5, 6}
	tensor := FromFlat(values, 2, 3)
	assert.Equal(t, Make(dtypes.Float32, 2, 3), tensor.Shape())
	assert.Equal(t, values, Flat[float32](tensor))

	// Flat aliases the tensor contents.
	Flat[float32](tensor)[0] = 100
	assert.Equal(t, float32(100), values[0])

	// Wrong dtype access panics.
	err := exceptions.TryCatch[error](func() { Flat[float64](tensor) })
	require.Error(t, err)

	// Size mismatch panics.
	err = exceptions.TryCatch[error](func() { FromFlat([]float32{1, 2}, 3) })
	require.Error(t, err)
}

func TestScalars(t *testing.T) {
	tensor := FromScalar(3.5)
	assert.True(t, tensor.Shape().IsScalar())
	assert.Equal(t, 3.5, ToScalar[float64](tensor))
	assert.Equal(t, 3.5, tensor.Float64Value())

	assert.Equal(t, 7.0, FromScalar(int64(7)).Float64Value())
	assert.InDelta(t, 1.5, FromScalar(float16.Fromfloat32(1.5)).Float64Value(), 1e-3)
}

func TestCloneAndEqual(t *testing.T) {
	tensor := FromFlat([]float64{1, 2, 3}, 3)
	clone := tensor.Clone()
	assert.True(t, tensor.Equal(clone))

	Flat[float64](clone)[1] = -2
	assert.False(t, tensor.Equal(clone))
	assert.Equal(t, float64(2), Flat[float64](tensor)[1], "Clone must not alias the original")
}

func TestSerializeRoundTrip(t *testing.T) {
	for _, tensor := range []*Tensor{
		FromFlat([]float32{1.5, -2.25, 3}, 3),
		FromFlat([]float64{1e-8, 2e16}, 2, 1),
		FromFlat([]int32{-1, 0, 1}, 3),
		FromFlat([]int64{1 << 40}, 1),
		FromFlat([]bool{true, false, true, true}, 2, 2),
		FromFlat([]float16.Float16{float16.Fromfloat32(0.5)}, 1),
	} {
		var buf bytes.Buffer
		n, err := tensor.WriteTo(&buf)
		require.NoError(t, err)
		assert.Equal(t, tensor.Shape().Memory(), n)

		recovered, err := ReadFrom(&buf, tensor.Shape())
		require.NoError(t, err)
		assert.True(t, tensor.Equal(recovered), "round-trip of %s", tensor)
	}
}

func TestReadFromShortData(t *testing.T) {
	var buf bytes.Buffer
	_, err := ReadFrom(&buf, Make(dtypes.Float32, 4))
	require.Error(t, err)
}

func TestAdd(t *testing.T) {
	a := FromFlat([]float32{1, 2, 3}, 3)
	b := FromFlat([]float32{10, 20, 30}, 3)
	sum := Add(a, b)
	assert.Equal(t, []float32{11, 22, 33}, Flat[float32](sum))

	err := exceptions.TryCatch[error](func() { Add(a, FromFlat([]float32{1, 2}, 2)) })
	require.Error(t, err)
	err = exceptions.TryCatch[error](func() { Add(FromFlat([]int32{1}, 1), FromFlat([]int32{2}, 1)) })
	require.Error(t, err, "Add only supports float dtypes")
}

func TestLerp(t *testing.T) {
	a := FromFlat([]float64{0, 10}, 2)
	b := FromFlat([]float64{10, 30}, 2)
	assert.Equal(t, []float64{5, 20}, Flat[float64](Lerp(a, b, 0.5)))
	assert.Equal(t, []float64{0, 10}, Flat[float64](Lerp(a, b, 0)))
	assert.Equal(t, []float64{10, 30}, Flat[float64](Lerp(a, b, 1)))

	err := exceptions.TryCatch[error](func() {
		Lerp(FromFlat([]int64{1}, 1), FromFlat([]int64{2}, 1), 0.5)
	})
	require.Error(t, err, "Lerp only supports float dtypes")
}
