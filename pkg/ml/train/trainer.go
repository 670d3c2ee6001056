// Copyright 2026 The NeMo Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"fmt"

	"github.com/alan101-tech/NeMo/pkg/core/dtypes"
	"github.com/alan101-tech/NeMo/pkg/core/graph"
	"github.com/alan101-tech/NeMo/pkg/core/tensors"
	"github.com/alan101-tech/NeMo/pkg/ml/train/optimizers"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// movingAverageWeight is the update weight of the moving-average loss metric.
const movingAverageWeight = 0.01

// Trainer runs one training step at a time on a training graph: forward pass,
// module-owned backward pass and an optimizer update of the trainable,
// unfrozen variables.
type Trainer struct {
	// GlobalStep counts the training steps executed by this trainer.
	GlobalStep int64

	graph     *graph.Graph
	optimizer optimizers.Interface
	lossPort  string

	movingAvgLoss float64
	hasMovingAvg  bool
}

// NewTrainer creates a Trainer for the given training graph. The optimizer is
// usually built by name with optimizers.FromName, and lossPort names the bound
// graph output holding the scalar loss.
func NewTrainer(g *graph.Graph, optimizer optimizers.Interface, lossPort string) (*Trainer, error) {
	if g.Mode() == graph.Inference {
		return nil, errors.Errorf("graph %q has mode %s, cannot be used for training", g.Name(), g.Mode())
	}
	found := false
	for _, port := range g.OutputPorts() {
		if port.Name == lossPort {
			found = true
			break
		}
	}
	if !found {
		return nil, errors.Errorf("graph %q has no bound output port %q to use as loss", g.Name(), lossPort)
	}
	return &Trainer{graph: g, optimizer: optimizer, lossPort: lossPort}, nil
}

// Graph being trained.
func (t *Trainer) Graph() *graph.Graph { return t.graph }

// TrainStep runs one training step on the given batch (keyed by the graph's
// input port names). It returns the train metrics, one tensor per entry of
// TrainMetrics. Training fails if every trainable module of the graph is
// frozen.
func (t *Trainer) TrainStep(_ any, batch map[string]*tensors.Tensor) ([]*tensors.Tensor, error) {
	trainable := t.graph.TrainableVariables()
	if len(trainable) == 0 {
		return nil, errors.Errorf(
			"graph %q has no variables to update: all trainable modules are frozen (or there are none) "+
				"-- unfreeze at least one module before training", t.graph.Name())
	}

	outputs, err := t.graph.Forward(batch)
	if err != nil {
		return nil, errors.WithMessagef(err, "train step %d: forward pass", t.GlobalStep)
	}
	lossT, found := outputs[t.lossPort]
	if !found {
		return nil, errors.Errorf("train step %d: graph did not produce loss output %q", t.GlobalStep, t.lossPort)
	}

	var loss float64
	exception := exceptions.TryCatch[error](func() { loss = lossT.Float64Value() })
	if exception != nil {
		return nil, errors.WithMessagef(exception, "train step %d: reading loss %q", t.GlobalStep, t.lossPort)
	}

	seed, err := onesLike(lossT)
	if err != nil {
		return nil, errors.WithMessagef(err, "train step %d", t.GlobalStep)
	}
	_, varGrads, err := t.graph.Backward(batch, outputs, map[string]*tensors.Tensor{t.lossPort: seed})
	if err != nil {
		return nil, errors.WithMessagef(err, "train step %d: backward pass", t.GlobalStep)
	}
	if err = t.optimizer.ApplyGradients(trainable, varGrads); err != nil {
		return nil, errors.WithMessagef(err, "train step %d: applying gradients", t.GlobalStep)
	}
	t.GlobalStep++

	if !t.hasMovingAvg {
		t.movingAvgLoss = loss
		t.hasMovingAvg = true
	} else {
		t.movingAvgLoss += movingAverageWeight * (loss - t.movingAvgLoss)
	}
	klog.V(1).Infof("train step %d: loss=%g (moving average %g)", t.GlobalStep, loss, t.movingAvgLoss)
	return []*tensors.Tensor{lossT, tensors.FromScalar(t.movingAvgLoss)}, nil
}

// onesLike returns a scalar 1 of the same dtype as the loss, used to seed the
// backward pass.
func onesLike(loss *tensors.Tensor) (*tensors.Tensor, error) {
	switch loss.DType() {
	case dtypes.Float16:
		return tensors.FromScalar(float16.Fromfloat32(1)), nil
	case dtypes.Float32:
		return tensors.FromScalar[float32](1), nil
	case dtypes.Float64:
		return tensors.FromScalar[float64](1), nil
	}
	return nil, errors.Errorf("loss has dtype %s, expected a float scalar", loss.DType())
}

// Metric describes one value reported by TrainStep.
type Metric struct {
	name, shortName, format string
}

// Name of the metric, for reports.
func (m Metric) Name() string { return m.name }

// ShortName of the metric, used in compact progress lines.
func (m Metric) ShortName() string { return m.shortName }

// PrettyPrint formats the metric's value.
func (m Metric) PrettyPrint(t *tensors.Tensor) string {
	return fmt.Sprintf(m.format, t.Float64Value())
}

// TrainMetrics describes the tensors returned by TrainStep, in order.
func (t *Trainer) TrainMetrics() []Metric {
	return []Metric{
		{name: "Batch Loss", shortName: "loss", format: "%.3f"},
		{name: "Moving Average Loss", shortName: "~loss", format: "%.3f"},
	}
}

// ResetTrainMetrics restarts the moving averages. Called by Loop at the start
// of each run.
func (t *Trainer) ResetTrainMetrics() {
	t.hasMovingAvg = false
	t.movingAvgLoss = 0
}
