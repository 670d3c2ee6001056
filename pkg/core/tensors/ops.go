// Copyright 2026 The NeMo Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"github.com/alan101-tech/NeMo/pkg/core/dtypes"
	"github.com/gomlx/exceptions"
	"github.com/x448/float16"
)

// Add returns the elementwise sum of two float tensors of the same shape.
// Used to accumulate gradients when one output port feeds several consumers.
// It panics (with an exception error) on shape mismatch or non-float dtypes.
func Add(a, b *Tensor) *Tensor {
	if !a.shape.Equal(b.shape) {
		exceptions.Panicf("tensors.Add: shapes differ, %s vs %s", a.shape, b.shape)
	}
	result := Zeros(a.shape)
	switch a.shape.DType {
	case dtypes.Float32:
		out, av, bv := Flat[float32](result), Flat[float32](a), Flat[float32](b)
		for ii := range out {
			out[ii] = av[ii] + bv[ii]
		}
	case dtypes.Float64:
		out, av, bv := Flat[float64](result), Flat[float64](a), Flat[float64](b)
		for ii := range out {
			out[ii] = av[ii] + bv[ii]
		}
	case dtypes.Float16:
		out, av, bv := Flat[float16.Float16](result), Flat[float16.Float16](a), Flat[float16.Float16](b)
		for ii := range out {
			out[ii] = float16.Fromfloat32(av[ii].Float32() + bv[ii].Float32())
		}
	default:
		exceptions.Panicf("tensors.Add: dtype %s is not a float type", a.shape.DType)
	}
	return result
}
