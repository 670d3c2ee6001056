// Copyright 2026 The NeMo Authors. SPDX-License-Identifier: Apache-2.0

package asr

import (
	"math"

	"github.com/alan101-tech/NeMo/pkg/core/module"
	"github.com/alan101-tech/NeMo/pkg/core/neuraltypes"
	"github.com/alan101-tech/NeMo/pkg/core/tensors"
	"github.com/pkg/errors"
)

func init() {
	module.RegisterBuilder(DecoderTypeName, func(spec module.Spec) (module.Module, error) {
		var cfg DecoderConfig
		if err := module.DecodeParams(spec.Params, &cfg); err != nil {
			return nil, err
		}
		return NewDecoder(spec.Name, cfg)
	})
}

// DecoderConfig are the construction parameters of a Decoder.
type DecoderConfig struct {
	// InputDim is the size of the encoded representation it consumes.
	InputDim int `mapstructure:"input_dim"`

	// NumClasses is the size of the vocabulary it predicts over.
	NumClasses int `mapstructure:"num_classes"`

	// Seed for the weights initialization. 0 selects the default.
	Seed int64 `mapstructure:"seed,omitempty"`
}

// Decoder projects the encoded representation onto the vocabulary and emits
// log-probabilities: log_probs = logSoftmax(encoded·W + b).
type Decoder struct {
	module.BaseModule
	cfg   DecoderConfig
	dense denseLayer

	weights, bias *module.Variable
}

var (
	_ module.Trainable = (*Decoder)(nil)
	_ module.Backprop  = (*Decoder)(nil)
)

// NewDecoder creates a Decoder with freshly initialized weights. An empty
// name picks a unique generated one.
func NewDecoder(name string, cfg DecoderConfig) (*Decoder, error) {
	if cfg.InputDim <= 0 || cfg.NumClasses <= 0 {
		return nil, errors.Errorf("asr.Decoder requires positive input_dim and num_classes, got %d and %d",
			cfg.InputDim, cfg.NumClasses)
	}
	if cfg.Seed == 0 {
		cfg.Seed = defaultInitSeed
	}
	d := &Decoder{
		BaseModule: module.NewBaseModule(name, DecoderTypeName),
		cfg:        cfg,
		dense:      denseLayer{inputDim: cfg.InputDim, outputDim: cfg.NumClasses},
	}
	d.weights = d.NewVariable(weightsVarName, d.dense.initWeights(cfg.Seed), true)
	d.bias = d.NewVariable(biasVarName, d.dense.initBias(), true)
	return d, nil
}

// InputPorts implements module.Module.
func (d *Decoder) InputPorts() []module.Port {
	return []module.Port{{
		Name: EncodedPort,
		Type: neuraltypes.New(neuraltypes.EncodedRepresentation, neuraltypes.BatchAxis, neuraltypes.ChannelAxis),
	}}
}

// OutputPorts implements module.Module.
func (d *Decoder) OutputPorts() []module.Port {
	return []module.Port{{
		Name: LogProbsPort,
		Type: neuraltypes.New(neuraltypes.LogProbabilities, neuraltypes.BatchAxis, neuraltypes.ChannelAxis),
	}}
}

// Forward implements module.Module.
func (d *Decoder) Forward(inputs map[string]*tensors.Tensor) (map[string]*tensors.Tensor, error) {
	x, found := inputs[EncodedPort]
	if !found {
		return nil, errors.Errorf("module %q: missing input %q", d.Name(), EncodedPort)
	}
	logits := d.dense.forward(x, d.weights.Value(), d.bias.Value())
	logSoftmaxInPlace(logits, d.cfg.NumClasses)
	return map[string]*tensors.Tensor{LogProbsPort: logits}, nil
}

// Backward implements module.Backprop. With G the gradient with respect to
// the log-probabilities, the logits gradient per row is
// dLogits = G - softmax ⊙ sum(G), then the dense layer gradients.
func (d *Decoder) Backward(inputs, outputs, outputGrads map[string]*tensors.Tensor) (
	inputGrads, varGrads map[string]*tensors.Tensor, err error) {
	x := inputs[EncodedPort]
	logProbs := outputs[LogProbsPort]
	dy := outputGrads[LogProbsPort]
	if x == nil || logProbs == nil || dy == nil {
		return nil, nil, errors.Errorf("module %q: Backward called without matching Forward values", d.Name())
	}
	lp := tensors.Flat[float32](logProbs)
	dyv := tensors.Flat[float32](dy)
	n := d.cfg.NumClasses
	dLogits := make([]float32, len(dyv))
	for row := 0; row*n < len(dyv); row++ {
		lpRow := lp[row*n : (row+1)*n]
		gRow := dyv[row*n : (row+1)*n]
		var gSum float32
		for _, g := range gRow {
			gSum += g
		}
		dRow := dLogits[row*n : (row+1)*n]
		for jj, g := range gRow {
			softmax := float32(math.Exp(float64(lpRow[jj])))
			dRow[jj] = g - softmax*gSum
		}
	}
	dLogitsT := tensors.FromFlat(dLogits, dy.Shape().Dimensions...)
	dx, dw, db := d.dense.backward(x, d.weights.Value(), dLogitsT)
	inputGrads = map[string]*tensors.Tensor{EncodedPort: dx}
	varGrads = map[string]*tensors.Tensor{
		d.weights.ParameterName(): dw,
		d.bias.ParameterName():    db,
	}
	return inputGrads, varGrads, nil
}

// Spec implements module.Module.
func (d *Decoder) Spec() module.Spec {
	return module.Spec{
		Name: d.Name(),
		Type: DecoderTypeName,
		Params: map[string]any{
			"input_dim":   d.cfg.InputDim,
			"num_classes": d.cfg.NumClasses,
			"seed":        d.cfg.Seed,
		},
	}
}

// logSoftmaxInPlace converts each row of logits to log-probabilities, with the
// usual max-subtraction for numerical stability.
func logSoftmaxInPlace(logits *tensors.Tensor, rowSize int) {
	values := tensors.Flat[float32](logits)
	for row := 0; row*rowSize < len(values); row++ {
		rowValues := values[row*rowSize : (row+1)*rowSize]
		maxV := rowValues[0]
		for _, v := range rowValues[1:] {
			if v > maxV {
				maxV = v
			}
		}
		var sumExp float64
		for _, v := range rowValues {
			sumExp += math.Exp(float64(v - maxV))
		}
		logSumExp := float32(math.Log(sumExp)) + maxV
		for ii := range rowValues {
			rowValues[ii] -= logSumExp
		}
	}
}
