// Copyright 2026 The NeMo Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors provides the host-side tensor used to carry values between
// neural modules, optimizers and checkpoints.
//
// It is deliberately small: values live in plain Go slices, there is no device
// placement and no graph execution here. Modules own whatever computation they
// perform on these values.
package tensors

import (
	"fmt"
	"strings"

	"github.com/alan101-tech/NeMo/pkg/core/dtypes"
	"github.com/gomlx/exceptions"
	"github.com/x448/float16"
)

// Shape of a tensor: an element type and its dimensions.
// A shape with no dimensions is a scalar.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape with the given element type and dimensions.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	return Shape{DType: dtype, Dimensions: dimensions}
}

// Ok reports whether the shape is valid: a valid dtype and non-negative dimensions.
func (s Shape) Ok() bool {
	if !s.DType.Ok() {
		return false
	}
	for _, dim := range s.Dimensions {
		if dim <= 0 {
			return false
		}
	}
	return true
}

// IsScalar reports whether the shape has no dimensions.
func (s Shape) IsScalar() bool { return len(s.Dimensions) == 0 }

// Size returns the number of elements held by the shape.
func (s Shape) Size() int {
	size := 1
	for _, dim := range s.Dimensions {
		size *= dim
	}
	return size
}

// Memory returns the number of bytes needed to store the shape's elements.
func (s Shape) Memory() int { return s.Size() * s.DType.Size() }

// Equal reports whether the two shapes have the same dtype and dimensions.
func (s Shape) Equal(other Shape) bool {
	if s.DType != other.DType || len(s.Dimensions) != len(other.Dimensions) {
		return false
	}
	for ii, dim := range s.Dimensions {
		if dim != other.Dimensions[ii] {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer.
func (s Shape) String() string {
	if s.IsScalar() {
		return fmt.Sprintf("(%s)", s.DType)
	}
	parts := make([]string, len(s.Dimensions))
	for ii, dim := range s.Dimensions {
		parts[ii] = fmt.Sprintf("%d", dim)
	}
	return fmt.Sprintf("(%s)[%s]", s.DType, strings.Join(parts, ", "))
}

// Tensor is a shaped, flat value. The flat data is stored row-major ("C order").
//
// Tensors are not thread-safe: concurrent mutation is up to the caller.
type Tensor struct {
	shape Shape

	// data holds one of the typed flat slices: []bool, []int32, []int64,
	// []float16.Float16, []float32 or []float64.
	data any
}

// Supported constrains the Go types that map directly to a tensor dtype.
type Supported interface {
	bool | int32 | int64 | float16.Float16 | float32 | float64
}

func dtypeOf[T Supported]() dtypes.DType {
	var t T
	switch any(t).(type) {
	case bool:
		return dtypes.Bool
	case int32:
		return dtypes.Int32
	case int64:
		return dtypes.Int64
	case float16.Float16:
		return dtypes.Float16
	case float32:
		return dtypes.Float32
	case float64:
		return dtypes.Float64
	}
	return dtypes.InvalidDType
}

// FromFlat creates a tensor with the given dimensions from a flat slice of values.
// The slice is used directly (not copied), and its length must match the shape size.
// It panics (with an exception error) on size mismatch.
func FromFlat[T Supported](values []T, dimensions ...int) *Tensor {
	shape := Make(dtypeOf[T](), dimensions...)
	if len(values) != shape.Size() {
		exceptions.Panicf("tensors.FromFlat: got %d values for shape %s (size %d)",
			len(values), shape, shape.Size())
	}
	return &Tensor{shape: shape, data: values}
}

// FromScalar creates a scalar tensor holding the given value.
func FromScalar[T Supported](value T) *Tensor {
	return FromFlat([]T{value})
}

// Zeros creates a tensor of the given shape with zero-initialized elements.
func Zeros(shape Shape) *Tensor {
	t := &Tensor{shape: shape}
	size := shape.Size()
	switch shape.DType {
	case dtypes.Bool:
		t.data = make([]bool, size)
	case dtypes.Int32:
		t.data = make([]int32, size)
	case dtypes.Int64:
		t.data = make([]int64, size)
	case dtypes.Float16:
		t.data = make([]float16.Float16, size)
	case dtypes.Float32:
		t.data = make([]float32, size)
	case dtypes.Float64:
		t.data = make([]float64, size)
	default:
		exceptions.Panicf("tensors.Zeros: invalid shape %s", shape)
	}
	return t
}

// Shape of the tensor.
func (t *Tensor) Shape() Shape { return t.shape }

// DType of the tensor elements.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Size returns the number of elements.
func (t *Tensor) Size() int { return t.shape.Size() }

// Ok reports whether the tensor is valid.
func (t *Tensor) Ok() bool { return t != nil && t.shape.Ok() && t.data != nil }

// Flat returns the flat data slice of the tensor. It panics (with an exception
// error) if T doesn't match the tensor's dtype. The returned slice aliases the
// tensor contents, changes to it are reflected in the tensor.
func Flat[T Supported](t *Tensor) []T {
	values, ok := t.data.([]T)
	if !ok {
		exceptions.Panicf("tensors.Flat[%s]: tensor is %s", dtypeOf[T](), t.shape)
	}
	return values
}

// ToScalar returns the value of a scalar (or single-element) tensor.
func ToScalar[T Supported](t *Tensor) T {
	values := Flat[T](t)
	if len(values) != 1 {
		exceptions.Panicf("tensors.ToScalar: tensor %s has %d elements", t.shape, len(values))
	}
	return values[0]
}

// Float64Value returns the value of a single-element float tensor converted to
// float64, useful to print metrics independently of their dtype.
func (t *Tensor) Float64Value() float64 {
	switch t.shape.DType {
	case dtypes.Float16:
		return float64(ToScalar[float16.Float16](t).Float32())
	case dtypes.Float32:
		return float64(ToScalar[float32](t))
	case dtypes.Float64:
		return ToScalar[float64](t)
	case dtypes.Int32:
		return float64(ToScalar[int32](t))
	case dtypes.Int64:
		return float64(ToScalar[int64](t))
	}
	exceptions.Panicf("tensor %s is not convertible to a float64 scalar", t.shape)
	return 0
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	clone := Zeros(t.shape)
	switch data := t.data.(type) {
	case []bool:
		copy(clone.data.([]bool), data)
	case []int32:
		copy(clone.data.([]int32), data)
	case []int64:
		copy(clone.data.([]int64), data)
	case []float16.Float16:
		copy(clone.data.([]float16.Float16), data)
	case []float32:
		copy(clone.data.([]float32), data)
	case []float64:
		copy(clone.data.([]float64), data)
	}
	return clone
}

// Equal reports whether the two tensors have the same shape and the same values.
func (t *Tensor) Equal(other *Tensor) bool {
	if t == nil || other == nil {
		return t == other
	}
	if !t.shape.Equal(other.shape) {
		return false
	}
	switch data := t.data.(type) {
	case []bool:
		return slicesEqual(data, other.data.([]bool))
	case []int32:
		return slicesEqual(data, other.data.([]int32))
	case []int64:
		return slicesEqual(data, other.data.([]int64))
	case []float16.Float16:
		return slicesEqual(data, other.data.([]float16.Float16))
	case []float32:
		return slicesEqual(data, other.data.([]float32))
	case []float64:
		return slicesEqual(data, other.data.([]float64))
	}
	return false
}

func slicesEqual[T comparable](a, b []T) bool {
	if len(a) != len(b) {
		return false
	}
	for ii, v := range a {
		if v != b[ii] {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer: shape plus a possibly abbreviated dump of values.
func (t *Tensor) String() string {
	if t == nil {
		return "Tensor(nil)"
	}
	const maxElements = 16
	var values string
	if t.Size() <= maxElements {
		values = fmt.Sprintf("%v", t.data)
	} else {
		values = fmt.Sprintf("… %d elements …", t.Size())
	}
	return fmt.Sprintf("%s: %s", t.shape, values)
}

// Lerp linearly interpolates two float tensors of the same shape:
// result = a*(1-weight) + b*weight. Used to average checkpoints.
// It panics (with an exception error) if shapes differ or the dtype isn't float.
func Lerp(a, b *Tensor, weight float64) *Tensor {
	if !a.shape.Equal(b.shape) {
		exceptions.Panicf("tensors.Lerp: shapes differ, %s vs %s", a.shape, b.shape)
	}
	result := Zeros(a.shape)
	switch a.shape.DType {
	case dtypes.Float32:
		w := float32(weight)
		out, av, bv := Flat[float32](result), Flat[float32](a), Flat[float32](b)
		for ii := range out {
			out[ii] = av[ii]*(1-w) + bv[ii]*w
		}
	case dtypes.Float64:
		out, av, bv := Flat[float64](result), Flat[float64](a), Flat[float64](b)
		for ii := range out {
			out[ii] = av[ii]*(1-weight) + bv[ii]*weight
		}
	case dtypes.Float16:
		w := float32(weight)
		out, av, bv := Flat[float16.Float16](result), Flat[float16.Float16](a), Flat[float16.Float16](b)
		for ii := range out {
			out[ii] = float16.Fromfloat32(av[ii].Float32()*(1-w) + bv[ii].Float32()*w)
		}
	default:
		exceptions.Panicf("tensors.Lerp: dtype %s is not a float type", a.shape.DType)
	}
	return result
}
