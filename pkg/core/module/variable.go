// Copyright 2026 The NeMo Authors. SPDX-License-Identifier: Apache-2.0

package module

import (
	"fmt"

	"github.com/alan101-tech/NeMo/pkg/core/tensors"
	"github.com/gomlx/exceptions"
)

// ScopeSeparator separates the module name from the variable name in a
// variable's parameter name.
const ScopeSeparator = "/"

// Variable is a module parameter: a named tensor, optionally trainable.
// Its parameter name ("/<module>/<variable>") is the key under which the value
// is saved in checkpoints.
type Variable struct {
	name, module string

	// Trainable indicates whether the variable is updated by optimizers.
	// Freezing the owning module takes precedence over this flag.
	Trainable bool

	value *tensors.Tensor
}

// Name of the variable within its module.
func (v *Variable) Name() string { return v.name }

// ModuleName of the module owning this variable.
func (v *Variable) ModuleName() string { return v.module }

// ParameterName returns the unique checkpoint key of the variable.
func (v *Variable) ParameterName() string {
	return fmt.Sprintf("%s%s%s%s", ScopeSeparator, v.module, ScopeSeparator, v.name)
}

// String implements fmt.Stringer.
func (v *Variable) String() string {
	if v == nil {
		return "Variable(nil)"
	}
	return fmt.Sprintf("Variable(%s, %s)", v.ParameterName(), v.value.Shape())
}

// Shape of the variable's value.
func (v *Variable) Shape() tensors.Shape { return v.value.Shape() }

// Value returns the tensor holding the variable's current value.
func (v *Variable) Value() *tensors.Tensor { return v.value }

// SetValue replaces the variable's value. The new value must have the same
// shape as the current one; it panics (with an exception error) otherwise.
func (v *Variable) SetValue(value *tensors.Tensor) {
	if !value.Shape().Equal(v.value.Shape()) {
		exceptions.Panicf("variable %s: cannot set value of shape %s, expected %s",
			v.ParameterName(), value.Shape(), v.value.Shape())
	}
	v.value = value
}
