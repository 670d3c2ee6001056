// Copyright 2026 The NeMo Authors. SPDX-License-Identifier: Apache-2.0

package asr

import (
	"github.com/alan101-tech/NeMo/pkg/core/module"
	"github.com/alan101-tech/NeMo/pkg/core/neuraltypes"
	"github.com/alan101-tech/NeMo/pkg/core/tensors"
	"github.com/pkg/errors"
)

func init() {
	module.RegisterBuilder(CrossEntropyLossTypeName, func(spec module.Spec) (module.Module, error) {
		if len(spec.Params) > 0 {
			return nil, errors.Errorf("asr.CrossEntropyLoss takes no params, got %v", spec.Params)
		}
		return NewCrossEntropyLoss(spec.Name), nil
	})
}

// CrossEntropyLoss computes the mean negative log-likelihood of the target
// classes. It holds no variables but propagates gradients, so it can close a
// training graph.
type CrossEntropyLoss struct {
	module.BaseModule
}

var _ module.Backprop = (*CrossEntropyLoss)(nil)

// NewCrossEntropyLoss creates the loss module. An empty name picks a unique
// generated one.
func NewCrossEntropyLoss(name string) *CrossEntropyLoss {
	return &CrossEntropyLoss{BaseModule: module.NewBaseModule(name, CrossEntropyLossTypeName)}
}

// InputPorts implements module.Module.
func (l *CrossEntropyLoss) InputPorts() []module.Port {
	return []module.Port{
		{
			Name: LogProbsPort,
			Type: neuraltypes.New(neuraltypes.LogProbabilities, neuraltypes.BatchAxis, neuraltypes.ChannelAxis),
		},
		{
			Name: TargetsPort,
			Type: neuraltypes.New(neuraltypes.Labels, neuraltypes.BatchAxis),
		},
	}
}

// OutputPorts implements module.Module.
func (l *CrossEntropyLoss) OutputPorts() []module.Port {
	return []module.Port{{
		Name: LossPort,
		Type: neuraltypes.Scalar(neuraltypes.Loss),
	}}
}

// Forward implements module.Module: loss = -mean over the batch of
// logProbs[b, targets[b]].
func (l *CrossEntropyLoss) Forward(inputs map[string]*tensors.Tensor) (map[string]*tensors.Tensor, error) {
	logProbs, targets, err := l.takeInputs(inputs)
	if err != nil {
		return nil, err
	}
	lp := tensors.Flat[float32](logProbs)
	tg := tensors.Flat[int64](targets)
	numClasses := logProbs.Shape().Dimensions[1]
	var sum float64
	for b, t := range tg {
		if t < 0 || int(t) >= numClasses {
			return nil, errors.Errorf("module %q: target %d out of range [0, %d)", l.Name(), t, numClasses)
		}
		sum -= float64(lp[b*numClasses+int(t)])
	}
	loss := tensors.FromScalar(float32(sum / float64(len(tg))))
	return map[string]*tensors.Tensor{LossPort: loss}, nil
}

// Backward implements module.Backprop: the gradient is -1/batch at each
// target's log-probability, scaled by the incoming loss gradient. Targets are
// integers and get no gradient.
func (l *CrossEntropyLoss) Backward(inputs, outputs, outputGrads map[string]*tensors.Tensor) (
	inputGrads, varGrads map[string]*tensors.Tensor, err error) {
	logProbs, targets, err := l.takeInputs(inputs)
	if err != nil {
		return nil, nil, err
	}
	seed := outputGrads[LossPort]
	if seed == nil {
		return nil, nil, errors.Errorf("module %q: Backward called without a %q gradient", l.Name(), LossPort)
	}
	scale := float32(seed.Float64Value())
	tg := tensors.Flat[int64](targets)
	numClasses := logProbs.Shape().Dimensions[1]
	grad := make([]float32, len(tg)*numClasses)
	perExample := scale / float32(len(tg))
	for b, t := range tg {
		grad[b*numClasses+int(t)] = -perExample
	}
	inputGrads = map[string]*tensors.Tensor{
		LogProbsPort: tensors.FromFlat(grad, len(tg), numClasses),
	}
	return inputGrads, nil, nil
}

func (l *CrossEntropyLoss) takeInputs(inputs map[string]*tensors.Tensor) (logProbs, targets *tensors.Tensor, err error) {
	logProbs = inputs[LogProbsPort]
	targets = inputs[TargetsPort]
	if logProbs == nil || targets == nil {
		return nil, nil, errors.Errorf("module %q: requires inputs %q and %q", l.Name(), LogProbsPort, TargetsPort)
	}
	if len(logProbs.Shape().Dimensions) != 2 {
		return nil, nil, errors.Errorf("module %q: %q must be shaped [batch, classes], got %s",
			l.Name(), LogProbsPort, logProbs.Shape())
	}
	if targets.Size() != logProbs.Shape().Dimensions[0] {
		return nil, nil, errors.Errorf("module %q: %d targets for a batch of %d",
			l.Name(), targets.Size(), logProbs.Shape().Dimensions[0])
	}
	return logProbs, targets, nil
}

// Spec implements module.Module.
func (l *CrossEntropyLoss) Spec() module.Spec {
	return module.Spec{Name: l.Name(), Type: CrossEntropyLossTypeName}
}
