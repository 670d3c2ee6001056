// Copyright 2026 The NeMo Authors. SPDX-License-Identifier: Apache-2.0

package asr

import (
	"math"
	"math/rand"

	"github.com/alan101-tech/NeMo/pkg/core/tensors"
	"github.com/gomlx/exceptions"
)

// denseLayer is the affine transform shared by the encoder and decoder
// modules: y = x·W + b, with W shaped [inputDim, outputDim] stored row-major
// and float32 values throughout.
type denseLayer struct {
	inputDim, outputDim int
}

// initWeights returns Glorot-uniform initialized weights for the layer.
// The seed makes module construction reproducible.
func (d denseLayer) initWeights(seed int64) *tensors.Tensor {
	rng := rand.New(rand.NewSource(seed))
	limit := float32(math.Sqrt(6.0 / float64(d.inputDim+d.outputDim)))
	values := make([]float32, d.inputDim*d.outputDim)
	for ii := range values {
		values[ii] = (rng.Float32()*2 - 1) * limit
	}
	return tensors.FromFlat(values, d.inputDim, d.outputDim)
}

func (d denseLayer) initBias() *tensors.Tensor {
	return tensors.FromFlat(make([]float32, d.outputDim), d.outputDim)
}

// forward computes y[b,o] = sum_i x[b,i]*W[i,o] + bias[o].
// It panics (with an exception error) if x's inner dimension doesn't match.
func (d denseLayer) forward(x, weights, bias *tensors.Tensor) *tensors.Tensor {
	batchSize := d.batchSize(x)
	xv := tensors.Flat[float32](x)
	wv := tensors.Flat[float32](weights)
	bv := tensors.Flat[float32](bias)
	out := make([]float32, batchSize*d.outputDim)
	for b := 0; b < batchSize; b++ {
		xRow := xv[b*d.inputDim : (b+1)*d.inputDim]
		outRow := out[b*d.outputDim : (b+1)*d.outputDim]
		copy(outRow, bv)
		for i, xi := range xRow {
			wRow := wv[i*d.outputDim : (i+1)*d.outputDim]
			for o, w := range wRow {
				outRow[o] += xi * w
			}
		}
	}
	return tensors.FromFlat(out, batchSize, d.outputDim)
}

// backward computes the gradients of the affine transform given the forward
// input and the gradient dy with respect to the output:
// dx = dy·Wᵀ, dW = xᵀ·dy, db = sum over batch of dy.
func (d denseLayer) backward(x, weights, dy *tensors.Tensor) (dx, dw, db *tensors.Tensor) {
	batchSize := d.batchSize(x)
	xv := tensors.Flat[float32](x)
	wv := tensors.Flat[float32](weights)
	dyv := tensors.Flat[float32](dy)

	dxv := make([]float32, batchSize*d.inputDim)
	dwv := make([]float32, d.inputDim*d.outputDim)
	dbv := make([]float32, d.outputDim)
	for b := 0; b < batchSize; b++ {
		xRow := xv[b*d.inputDim : (b+1)*d.inputDim]
		dyRow := dyv[b*d.outputDim : (b+1)*d.outputDim]
		dxRow := dxv[b*d.inputDim : (b+1)*d.inputDim]
		for o, g := range dyRow {
			dbv[o] += g
		}
		for i, xi := range xRow {
			wRow := wv[i*d.outputDim : (i+1)*d.outputDim]
			dwRow := dwv[i*d.outputDim : (i+1)*d.outputDim]
			var acc float32
			for o, g := range dyRow {
				acc += g * wRow[o]
				dwRow[o] += g * xi
			}
			dxRow[i] = acc
		}
	}
	dx = tensors.FromFlat(dxv, batchSize, d.inputDim)
	dw = tensors.FromFlat(dwv, d.inputDim, d.outputDim)
	db = tensors.FromFlat(dbv, d.outputDim)
	return
}

func tanh32(x float32) float32 {
	return float32(math.Tanh(float64(x)))
}

// batchSize extracts the leading dimension of a [batch, inputDim] tensor,
// checking the inner dimension matches the layer.
func (d denseLayer) batchSize(x *tensors.Tensor) int {
	dims := x.Shape().Dimensions
	if len(dims) != 2 || dims[1] != d.inputDim {
		exceptions.Panicf("dense layer expects input shaped [batch, %d], got %s", d.inputDim, x.Shape())
	}
	return dims[0]
}
