// Copyright 2026 The NeMo Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizers implements the optimizers a train.Trainer can be
// configured with, selected by name (the tutorial flow passes an optimizer
// name plus hyperparameters and lets the trainer do the rest).
package optimizers

import (
	"math"
	"sort"

	"github.com/alan101-tech/NeMo/pkg/core/dtypes"
	"github.com/alan101-tech/NeMo/pkg/core/module"
	"github.com/alan101-tech/NeMo/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Interface implemented by all optimizers.
type Interface interface {
	// ApplyGradients updates the given variables in place, with the gradients
	// keyed by Variable.ParameterName. Variables without a gradient entry are
	// left untouched.
	ApplyGradients(vars []*module.Variable, grads map[string]*tensors.Tensor) error

	// Clear drops the optimizer's internal state (moments, step counters).
	Clear()
}

// Hyperparameters shared by the known optimizers. Zero values fall back to
// per-optimizer defaults. The mapstructure tags match the keys used in the
// optimization params of configuration files.
type Hyperparameters struct {
	LearningRate float64 `mapstructure:"lr"`
	WeightDecay  float64 `mapstructure:"weight_decay"`
	Momentum     float64 `mapstructure:"momentum"`
	Beta1        float64 `mapstructure:"beta1"`
	Beta2        float64 `mapstructure:"beta2"`
	Epsilon      float64 `mapstructure:"epsilon"`
}

func (hp Hyperparameters) withDefaults(beta1, beta2, epsilon float64) Hyperparameters {
	if hp.LearningRate == 0 {
		hp.LearningRate = 0.001
	}
	if hp.Beta1 == 0 {
		hp.Beta1 = beta1
	}
	if hp.Beta2 == 0 {
		hp.Beta2 = beta2
	}
	if hp.Epsilon == 0 {
		hp.Epsilon = epsilon
	}
	return hp
}

// KnownOptimizers maps optimizer names to their constructors. This provides an
// easy quick start point; "novograd" is what the speech-recognition tutorial
// uses.
var KnownOptimizers = map[string]func(hp Hyperparameters) Interface{
	"sgd":      func(hp Hyperparameters) Interface { return &sgd{hp: hp.withDefaults(0, 0, 0)} },
	"momentum": func(hp Hyperparameters) Interface { return newMomentum(hp) },
	"adam":     func(hp Hyperparameters) Interface { return newAdam(hp) },
	"novograd": func(hp Hyperparameters) Interface { return newNovograd(hp) },
}

// Names returns the sorted names of the known optimizers.
func Names() []string {
	known := make([]string, 0, len(KnownOptimizers))
	for n := range KnownOptimizers {
		known = append(known, n)
	}
	sort.Strings(known)
	return known
}

// FromName creates the named optimizer with the given hyperparameters.
func FromName(name string, hp Hyperparameters) (Interface, error) {
	builder, found := KnownOptimizers[name]
	if !found {
		return nil, errors.Errorf("unknown optimizer %q, known optimizers are %v", name, Names())
	}
	return builder(hp), nil
}

// variableValues extracts a variable's value and gradient as float64 slices.
// Only float variables can be optimized.
func variableValues(v *module.Variable, grads map[string]*tensors.Tensor) (values, grad []float64, err error) {
	gradT, found := grads[v.ParameterName()]
	if !found {
		return nil, nil, nil
	}
	if !v.Shape().DType.IsFloat() {
		return nil, nil, errors.Errorf("variable %s has non-float dtype %s, cannot optimize",
			v.ParameterName(), v.Shape().DType)
	}
	if !gradT.Shape().Equal(v.Shape()) {
		return nil, nil, errors.Errorf("variable %s has shape %s but its gradient has shape %s",
			v.ParameterName(), v.Shape(), gradT.Shape())
	}
	return toFloat64s(v.Value()), toFloat64s(gradT), nil
}

func toFloat64s(t *tensors.Tensor) []float64 {
	out := make([]float64, t.Size())
	switch t.DType() {
	case dtypes.Float16:
		for ii, v := range tensors.Flat[float16.Float16](t) {
			out[ii] = float64(v.Float32())
		}
	case dtypes.Float32:
		for ii, v := range tensors.Flat[float32](t) {
			out[ii] = float64(v)
		}
	case dtypes.Float64:
		copy(out, tensors.Flat[float64](t))
	}
	return out
}

func setFromFloat64s(v *module.Variable, values []float64) {
	t := v.Value()
	switch t.DType() {
	case dtypes.Float16:
		data := tensors.Flat[float16.Float16](t)
		for ii, value := range values {
			data[ii] = float16.Fromfloat32(float32(value))
		}
	case dtypes.Float32:
		data := tensors.Flat[float32](t)
		for ii, value := range values {
			data[ii] = float32(value)
		}
	case dtypes.Float64:
		copy(tensors.Flat[float64](t), values)
	}
}

// sgd implements plain stochastic gradient descent with optional weight decay.
type sgd struct {
	hp Hyperparameters
}

func (o *sgd) ApplyGradients(vars []*module.Variable, grads map[string]*tensors.Tensor) error {
	for _, v := range vars {
		values, grad, err := variableValues(v, grads)
		if err != nil {
			return err
		}
		if grad == nil {
			continue
		}
		for ii := range values {
			values[ii] -= o.hp.LearningRate * (grad[ii] + o.hp.WeightDecay*values[ii])
		}
		setFromFloat64s(v, values)
	}
	return nil
}

func (o *sgd) Clear() {}

// momentum is SGD with classical momentum.
type momentum struct {
	hp       Hyperparameters
	velocity map[string][]float64
}

func newMomentum(hp Hyperparameters) *momentum {
	if hp.LearningRate == 0 {
		hp.LearningRate = 0.001
	}
	if hp.Momentum == 0 {
		hp.Momentum = 0.9
	}
	return &momentum{hp: hp, velocity: make(map[string][]float64)}
}

func (o *momentum) ApplyGradients(vars []*module.Variable, grads map[string]*tensors.Tensor) error {
	for _, v := range vars {
		values, grad, err := variableValues(v, grads)
		if err != nil {
			return err
		}
		if grad == nil {
			continue
		}
		vel := o.velocity[v.ParameterName()]
		if vel == nil {
			vel = make([]float64, len(values))
			o.velocity[v.ParameterName()] = vel
		}
		for ii := range values {
			vel[ii] = o.hp.Momentum*vel[ii] + grad[ii] + o.hp.WeightDecay*values[ii]
			values[ii] -= o.hp.LearningRate * vel[ii]
		}
		setFromFloat64s(v, values)
	}
	return nil
}

func (o *momentum) Clear() { o.velocity = make(map[string][]float64) }

// adam implements Adam (Kingma & Ba, 2014) with bias correction.
type adam struct {
	hp   Hyperparameters
	step int
	m, v map[string][]float64
}

func newAdam(hp Hyperparameters) *adam {
	return &adam{
		hp: hp.withDefaults(0.9, 0.999, 1e-8),
		m:  make(map[string][]float64),
		v:  make(map[string][]float64),
	}
}

func (o *adam) ApplyGradients(vars []*module.Variable, grads map[string]*tensors.Tensor) error {
	o.step++
	bias1 := 1 - math.Pow(o.hp.Beta1, float64(o.step))
	bias2 := 1 - math.Pow(o.hp.Beta2, float64(o.step))
	for _, variable := range vars {
		values, grad, err := variableValues(variable, grads)
		if err != nil {
			return err
		}
		if grad == nil {
			continue
		}
		key := variable.ParameterName()
		if o.m[key] == nil {
			o.m[key] = make([]float64, len(values))
			o.v[key] = make([]float64, len(values))
		}
		m, v := o.m[key], o.v[key]
		for ii := range values {
			g := grad[ii] + o.hp.WeightDecay*values[ii]
			m[ii] = o.hp.Beta1*m[ii] + (1-o.hp.Beta1)*g
			v[ii] = o.hp.Beta2*v[ii] + (1-o.hp.Beta2)*g*g
			mHat := m[ii] / bias1
			vHat := v[ii] / bias2
			values[ii] -= o.hp.LearningRate * mHat / (math.Sqrt(vHat) + o.hp.Epsilon)
		}
		setFromFloat64s(variable, values)
	}
	return nil
}

func (o *adam) Clear() {
	o.step = 0
	o.m = make(map[string][]float64)
	o.v = make(map[string][]float64)
}

// novograd implements NovoGrad (Ginsburg et al., 2019): Adam-like, but with a
// single second moment per variable, which makes it robust for speech models
// trained with large batches.
type novograd struct {
	hp Hyperparameters
	m  map[string][]float64
	v  map[string]float64
}

func newNovograd(hp Hyperparameters) *novograd {
	return &novograd{
		hp: hp.withDefaults(0.95, 0.98, 1e-8),
		m:  make(map[string][]float64),
		v:  make(map[string]float64),
	}
}

func (o *novograd) ApplyGradients(vars []*module.Variable, grads map[string]*tensors.Tensor) error {
	for _, variable := range vars {
		values, grad, err := variableValues(variable, grads)
		if err != nil {
			return err
		}
		if grad == nil {
			continue
		}
		key := variable.ParameterName()

		gradNormSq := 0.0
		for _, g := range grad {
			gradNormSq += g * g
		}
		v, found := o.v[key]
		if !found {
			v = gradNormSq
		} else {
			v = o.hp.Beta2*v + (1-o.hp.Beta2)*gradNormSq
		}
		o.v[key] = v

		m := o.m[key]
		if m == nil {
			m = make([]float64, len(values))
			o.m[key] = m
		}
		denom := math.Sqrt(v) + o.hp.Epsilon
		for ii := range values {
			m[ii] = o.hp.Beta1*m[ii] + grad[ii]/denom + o.hp.WeightDecay*values[ii]
			values[ii] -= o.hp.LearningRate * m[ii]
		}
		setFromFloat64s(variable, values)
	}
	return nil
}

func (o *novograd) Clear() {
	o.m = make(map[string][]float64)
	o.v = make(map[string]float64)
}
