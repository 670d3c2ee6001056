// Copyright 2026 The NeMo Authors. SPDX-License-Identifier: Apache-2.0

package asr

import (
	"github.com/alan101-tech/NeMo/pkg/core/module"
	"github.com/alan101-tech/NeMo/pkg/core/neuraltypes"
	"github.com/alan101-tech/NeMo/pkg/core/tensors"
	"github.com/pkg/errors"
)

func init() {
	module.RegisterBuilder(GreedyDecoderTypeName, func(spec module.Spec) (module.Module, error) {
		if len(spec.Params) > 0 {
			return nil, errors.Errorf("asr.GreedyDecoder takes no params, got %v", spec.Params)
		}
		return NewGreedyDecoder(spec.Name), nil
	})
}

// GreedyDecoder picks the most likely class per example. Inference only, it
// doesn't propagate gradients.
type GreedyDecoder struct {
	module.BaseModule
}

// NewGreedyDecoder creates the module. An empty name picks a unique generated one.
func NewGreedyDecoder(name string) *GreedyDecoder {
	return &GreedyDecoder{BaseModule: module.NewBaseModule(name, GreedyDecoderTypeName)}
}

// InputPorts implements module.Module.
func (g *GreedyDecoder) InputPorts() []module.Port {
	return []module.Port{{
		Name: LogProbsPort,
		Type: neuraltypes.New(neuraltypes.LogProbabilities, neuraltypes.BatchAxis, neuraltypes.ChannelAxis),
	}}
}

// OutputPorts implements module.Module.
func (g *GreedyDecoder) OutputPorts() []module.Port {
	return []module.Port{{
		Name: PredictionsPort,
		Type: neuraltypes.New(neuraltypes.Predictions, neuraltypes.BatchAxis),
	}}
}

// Forward implements module.Module: predictions[b] = argmax over classes of
// logProbs[b].
func (g *GreedyDecoder) Forward(inputs map[string]*tensors.Tensor) (map[string]*tensors.Tensor, error) {
	logProbs := inputs[LogProbsPort]
	if logProbs == nil {
		return nil, errors.Errorf("module %q: missing input %q", g.Name(), LogProbsPort)
	}
	dims := logProbs.Shape().Dimensions
	if len(dims) != 2 {
		return nil, errors.Errorf("module %q: %q must be shaped [batch, classes], got %s",
			g.Name(), LogProbsPort, logProbs.Shape())
	}
	batchSize, numClasses := dims[0], dims[1]
	lp := tensors.Flat[float32](logProbs)
	predictions := make([]int64, batchSize)
	for b := 0; b < batchSize; b++ {
		row := lp[b*numClasses : (b+1)*numClasses]
		best := 0
		for jj, v := range row[1:] {
			if v > row[best] {
				best = jj + 1
			}
		}
		predictions[b] = int64(best)
	}
	return map[string]*tensors.Tensor{
		PredictionsPort: tensors.FromFlat(predictions, batchSize),
	}, nil
}

// Spec implements module.Module.
func (g *GreedyDecoder) Spec() module.Spec {
	return module.Spec{Name: g.Name(), Type: GreedyDecoderTypeName}
}
