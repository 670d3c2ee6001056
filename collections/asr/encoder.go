// Copyright 2026 The NeMo Authors. SPDX-License-Identifier: Apache-2.0

// Package asr is a small speech collection exercising the neural graph
// library: a log-energy featurizer, a manifest-backed dataset and trainable
// encoder/decoder/loss modules that classify utterances. It stands in for a
// full acoustic model while keeping the composition, serialization, freezing
// and training machinery realistic.
package asr

import (
	"github.com/alan101-tech/NeMo/pkg/core/module"
	"github.com/alan101-tech/NeMo/pkg/core/neuraltypes"
	"github.com/alan101-tech/NeMo/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Type names under which the collection's modules are registered.
const (
	EncoderTypeName          = "asr.Encoder"
	DecoderTypeName          = "asr.Decoder"
	CrossEntropyLossTypeName = "asr.CrossEntropyLoss"
	GreedyDecoderTypeName    = "asr.GreedyDecoder"
)

// Port names used by the collection's modules.
const (
	FeaturesPort    = "features"
	EncodedPort     = "encoded"
	LogProbsPort    = "log_probs"
	TargetsPort     = "targets"
	LossPort        = "loss"
	PredictionsPort = "predictions"
)

// Variable names of the dense layers.
const (
	weightsVarName = "weights"
	biasVarName    = "bias"
)

func init() {
	module.RegisterBuilder(EncoderTypeName, func(spec module.Spec) (module.Module, error) {
		var cfg EncoderConfig
		if err := module.DecodeParams(spec.Params, &cfg); err != nil {
			return nil, err
		}
		return NewEncoder(spec.Name, cfg)
	})
}

// EncoderConfig are the construction parameters of an Encoder.
type EncoderConfig struct {
	// InputDim is the number of features per example.
	InputDim int `mapstructure:"input_dim"`

	// HiddenDim is the size of the encoded representation.
	HiddenDim int `mapstructure:"hidden_dim"`

	// Seed for the weights initialization. 0 selects the default.
	Seed int64 `mapstructure:"seed,omitempty"`
}

const defaultInitSeed = 42

// Encoder maps feature vectors to an encoded representation with one dense
// layer followed by a tanh: encoded = tanh(features·W + b).
type Encoder struct {
	module.BaseModule
	cfg   EncoderConfig
	dense denseLayer

	weights, bias *module.Variable
}

// Compile-time check that Encoder is a trainable module with backprop.
var (
	_ module.Trainable = (*Encoder)(nil)
	_ module.Backprop  = (*Encoder)(nil)
)

// NewEncoder creates an Encoder with freshly initialized weights. An empty
// name picks a unique generated one.
func NewEncoder(name string, cfg EncoderConfig) (*Encoder, error) {
	if cfg.InputDim <= 0 || cfg.HiddenDim <= 0 {
		return nil, errors.Errorf("asr.Encoder requires positive input_dim and hidden_dim, got %d and %d",
			cfg.InputDim, cfg.HiddenDim)
	}
	if cfg.Seed == 0 {
		cfg.Seed = defaultInitSeed
	}
	e := &Encoder{
		BaseModule: module.NewBaseModule(name, EncoderTypeName),
		cfg:        cfg,
		dense:      denseLayer{inputDim: cfg.InputDim, outputDim: cfg.HiddenDim},
	}
	e.weights = e.NewVariable(weightsVarName, e.dense.initWeights(cfg.Seed), true)
	e.bias = e.NewVariable(biasVarName, e.dense.initBias(), true)
	return e, nil
}

// InputPorts implements module.Module.
func (e *Encoder) InputPorts() []module.Port {
	return []module.Port{{
		Name: FeaturesPort,
		Type: neuraltypes.New(neuraltypes.SpectrogramFeatures, neuraltypes.BatchAxis, neuraltypes.ChannelAxis),
	}}
}

// OutputPorts implements module.Module.
func (e *Encoder) OutputPorts() []module.Port {
	return []module.Port{{
		Name: EncodedPort,
		Type: neuraltypes.New(neuraltypes.EncodedRepresentation, neuraltypes.BatchAxis, neuraltypes.ChannelAxis),
	}}
}

// Forward implements module.Module.
func (e *Encoder) Forward(inputs map[string]*tensors.Tensor) (map[string]*tensors.Tensor, error) {
	x, found := inputs[FeaturesPort]
	if !found {
		return nil, errors.Errorf("module %q: missing input %q", e.Name(), FeaturesPort)
	}
	z := e.dense.forward(x, e.weights.Value(), e.bias.Value())
	zv := tensors.Flat[float32](z)
	for ii, v := range zv {
		zv[ii] = tanh32(v)
	}
	return map[string]*tensors.Tensor{EncodedPort: z}, nil
}

// Backward implements module.Backprop: dz = dEncoded ⊙ (1 - encoded²), then
// the dense layer gradients.
func (e *Encoder) Backward(inputs, outputs, outputGrads map[string]*tensors.Tensor) (
	inputGrads, varGrads map[string]*tensors.Tensor, err error) {
	x := inputs[FeaturesPort]
	y := outputs[EncodedPort]
	dy := outputGrads[EncodedPort]
	if x == nil || y == nil || dy == nil {
		return nil, nil, errors.Errorf("module %q: Backward called without matching Forward values", e.Name())
	}
	yv := tensors.Flat[float32](y)
	dyv := tensors.Flat[float32](dy)
	dz := make([]float32, len(dyv))
	for ii, g := range dyv {
		dz[ii] = g * (1 - yv[ii]*yv[ii])
	}
	dzT := tensors.FromFlat(dz, dy.Shape().Dimensions...)
	dx, dw, db := e.dense.backward(x, e.weights.Value(), dzT)
	inputGrads = map[string]*tensors.Tensor{FeaturesPort: dx}
	varGrads = map[string]*tensors.Tensor{
		e.weights.ParameterName(): dw,
		e.bias.ParameterName():    db,
	}
	return inputGrads, varGrads, nil
}

// Spec implements module.Module.
func (e *Encoder) Spec() module.Spec {
	return module.Spec{
		Name: e.Name(),
		Type: EncoderTypeName,
		Params: map[string]any{
			"input_dim":  e.cfg.InputDim,
			"hidden_dim": e.cfg.HiddenDim,
			"seed":       e.cfg.Seed,
		},
	}
}
