// Copyright 2026 The NeMo Authors. SPDX-License-Identifier: Apache-2.0

// Package module defines the neural module abstraction: a named computational
// unit with semantically typed input and output ports.
//
// Modules are the building blocks composed by graph.Graph. A module declares
// what it consumes and produces (see neuraltypes), computes its outputs in
// Forward, and describes itself with a serializable Spec so it can be
// reconstructed from configuration files (see the builder registry in this
// package).
package module

import (
	"fmt"

	"github.com/alan101-tech/NeMo/pkg/core/neuraltypes"
	"github.com/alan101-tech/NeMo/pkg/core/tensors"
	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
)

// Port is a named, typed input or output of a module.
type Port struct {
	Name string
	Type neuraltypes.Type
}

// Spec is the serializable description of a module: enough to rebuild it with
// the builder registered for Type. Params are the module's construction
// parameters (hyperparameters), decoded by each builder into its own config
// struct.
type Spec struct {
	Name   string         `yaml:"name" json:"name"`
	Type   string         `yaml:"type" json:"type"`
	Params map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

// Module is a named computational unit with typed ports.
//
// Forward is synchronous; all inputs declared by InputPorts must be present in
// the given map, and the result holds one tensor per output port.
type Module interface {
	// Name uniquely identifies the module instance.
	Name() string

	// TypeName identifies the module implementation in the builder registry.
	TypeName() string

	InputPorts() []Port
	OutputPorts() []Port

	// Forward computes the module outputs for the given inputs.
	Forward(inputs map[string]*tensors.Tensor) (map[string]*tensors.Tensor, error)

	// Spec returns a serializable description from which the module can be rebuilt.
	Spec() Spec
}

// Trainable is implemented by modules that hold parameters (variables).
// Frozen modules keep their variables untouched by optimizers, but still
// propagate gradients through.
type Trainable interface {
	Module

	// Variables returns the module's parameters, in creation order.
	Variables() []*Variable

	Frozen() bool
	Freeze()
	Unfreeze()
}

// Backprop is implemented by modules that can propagate gradients.
// Each module owns the analytic gradient of its own Forward -- there is no
// global automatic differentiation.
type Backprop interface {
	// Backward receives the inputs and outputs of the latest Forward, plus the
	// gradient of the loss with respect to each output port. It returns the
	// gradient with respect to each input port and, for trainable modules,
	// the gradients of its variables keyed by Variable.ParameterName.
	Backward(inputs, outputs, outputGrads map[string]*tensors.Tensor) (
		inputGrads, varGrads map[string]*tensors.Tensor, err error)
}

// BaseModule provides naming, freezing and variable bookkeeping, meant to be
// embedded by module implementations.
type BaseModule struct {
	name, typeName string
	frozen         bool

	variables       []*Variable
	variablesByName map[string]*Variable
}

// NewBaseModule initializes the embeddable part of a module. If name is empty
// a unique one is generated from the type name.
func NewBaseModule(name, typeName string) BaseModule {
	if name == "" {
		name = fmt.Sprintf("%s_%s", typeName, uuid.NewString()[:8])
	}
	return BaseModule{
		name:            name,
		typeName:        typeName,
		variablesByName: make(map[string]*Variable),
	}
}

// Name of the module instance.
func (m *BaseModule) Name() string { return m.name }

// TypeName of the module implementation.
func (m *BaseModule) TypeName() string { return m.typeName }

// Frozen reports whether the module's variables are excluded from training.
func (m *BaseModule) Frozen() bool { return m.frozen }

// Freeze marks the module's variables as not to be updated during training.
func (m *BaseModule) Freeze() { m.frozen = true }

// Unfreeze re-enables training of the module's variables.
func (m *BaseModule) Unfreeze() { m.frozen = false }

// Variables returns the module parameters in creation order.
func (m *BaseModule) Variables() []*Variable { return m.variables }

// Variable returns the parameter with the given name, or nil.
func (m *BaseModule) Variable(name string) *Variable { return m.variablesByName[name] }

// NewVariable creates a parameter owned by this module. It panics (with an
// exception error) if the name is already taken.
func (m *BaseModule) NewVariable(name string, value *tensors.Tensor, trainable bool) *Variable {
	if _, found := m.variablesByName[name]; found {
		exceptions.Panicf("module %q already has a variable named %q", m.name, name)
	}
	v := &Variable{
		name:      name,
		module:    m.name,
		Trainable: trainable,
		value:     value,
	}
	m.variables = append(m.variables, v)
	m.variablesByName[name] = v
	return v
}
