// Copyright 2026 The NeMo Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/alan101-tech/NeMo/pkg/core/module"
	"github.com/alan101-tech/NeMo/pkg/core/tensors"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Variables implements module.Trainable: all variables of all member modules,
// nested graphs included, in insertion order.
func (g *Graph) Variables() []*module.Variable {
	var all []*module.Variable
	for _, m := range g.modules {
		if t, ok := m.(module.Trainable); ok {
			all = append(all, t.Variables()...)
		}
	}
	return all
}

// VariablesByName returns all variables keyed by their parameter name
// ("/<module>/<variable>"). Used by checkpoints and trainers.
func (g *Graph) VariablesByName() map[string]*module.Variable {
	byName := make(map[string]*module.Variable)
	for _, v := range g.Variables() {
		byName[v.ParameterName()] = v
	}
	return byName
}

// TrainableVariables returns the variables that optimizers may update: those
// marked trainable and whose owning module is not frozen.
func (g *Graph) TrainableVariables() []*module.Variable {
	var out []*module.Variable
	for _, m := range g.modules {
		switch t := m.(type) {
		case *Graph:
			out = append(out, t.TrainableVariables()...)
		case module.Trainable:
			if t.Frozen() {
				continue
			}
			for _, v := range t.Variables() {
				if v.Trainable {
					out = append(out, v)
				}
			}
		}
	}
	return out
}

// Frozen implements module.Trainable: it reports whether the graph has
// trainable members and all of them are frozen.
func (g *Graph) Frozen() bool {
	anyTrainable := false
	for _, m := range g.modules {
		if t, ok := m.(module.Trainable); ok {
			anyTrainable = true
			if !t.Frozen() {
				return false
			}
		}
	}
	return anyTrainable
}

// Freeze implements module.Trainable: it freezes every trainable member,
// recursing into nested graphs.
func (g *Graph) Freeze() {
	for _, m := range g.modules {
		if t, ok := m.(module.Trainable); ok {
			t.Freeze()
		}
	}
}

// Unfreeze implements module.Trainable: it unfreezes every trainable member.
func (g *Graph) Unfreeze() {
	for _, m := range g.modules {
		if t, ok := m.(module.Trainable); ok {
			t.Unfreeze()
		}
	}
}

// FreezeModules freezes the named member modules only.
func (g *Graph) FreezeModules(names ...string) error {
	return g.setFrozen(true, names)
}

// UnfreezeModules unfreezes the named member modules only. Typical usage is
// Freeze() followed by UnfreezeModules("decoder") for fine-tuning.
func (g *Graph) UnfreezeModules(names ...string) error {
	return g.setFrozen(false, names)
}

func (g *Graph) setFrozen(frozen bool, names []string) error {
	for _, name := range names {
		m, found := g.modulesByName[name]
		if !found {
			return errors.Errorf("graph %q has no module named %q", g.name, name)
		}
		t, ok := m.(module.Trainable)
		if !ok {
			return errors.Errorf("module %q is not trainable, cannot change its frozen state", name)
		}
		if frozen {
			t.Freeze()
		} else {
			t.Unfreeze()
		}
	}
	return nil
}

// Backward implements module.Backprop: it propagates the gradients of the
// bound output ports back through the member modules, using the trace of the
// latest Forward. Gradient flow stops at modules that don't implement
// module.Backprop (e.g. data layers). Variable gradients of frozen modules are
// discarded -- their weights stay put, but gradients still flow through them.
func (g *Graph) Backward(_, _, outputGrads map[string]*tensors.Tensor) (
	inputGrads, varGrads map[string]*tensors.Tensor, err error) {
	tr := g.lastTrace
	if tr == nil {
		return nil, nil, errors.Errorf("graph %q: Backward called before Forward", g.name)
	}

	inputGrads = make(map[string]*tensors.Tensor)
	varGrads = make(map[string]*tensors.Tensor)
	portGrads := make(map[Endpoint]*tensors.Tensor)
	accumulate := func(grads map[Endpoint]*tensors.Tensor, key Endpoint, grad *tensors.Tensor) {
		if current, found := grads[key]; found {
			grads[key] = tensors.Add(current, grad)
		} else {
			grads[key] = grad
		}
	}

	// tensors.Add panics on shape/dtype mismatches; surface those as errors.
	exception := exceptions.TryCatch[error](func() {
		// Seed from the graph's bound outputs.
		for _, b := range g.boundOutputs {
			if grad, found := outputGrads[b.graphPort]; found {
				accumulate(portGrads, b.endpoint, grad)
			}
		}

		for ii := len(tr.order) - 1; ii >= 0; ii-- {
			m := tr.order[ii]
			outGrads := make(map[string]*tensors.Tensor)
			for key, grad := range portGrads {
				if key.Module == m.Name() {
					outGrads[key.Port] = grad
				}
			}
			if len(outGrads) == 0 {
				continue
			}
			bp, ok := m.(module.Backprop)
			if !ok {
				continue
			}
			inG, vG, bErr := bp.Backward(tr.inputs[m.Name()], tr.outputs[m.Name()], outGrads)
			if bErr != nil {
				err = errors.WithMessagef(bErr, "graph %q: backward through module %q", g.name, m.Name())
				return
			}

			frozen := false
			if t, ok := m.(module.Trainable); ok {
				frozen = t.Frozen()
			}
			if !frozen {
				for name, grad := range vG {
					if current, found := varGrads[name]; found {
						varGrads[name] = tensors.Add(current, grad)
					} else {
						varGrads[name] = grad
					}
				}
			}

			// Route input gradients to the producing ports, or out through the
			// graph's bound inputs.
			for port, grad := range inG {
				to := Endpoint{Module: m.Name(), Port: port}
				routed := false
				for _, c := range g.connections {
					if c.To == to {
						accumulate(portGrads, c.From, grad)
						routed = true
						break
					}
				}
				if routed {
					continue
				}
				for _, b := range g.boundInputs {
					if b.endpoint == to {
						if current, found := inputGrads[b.graphPort]; found {
							inputGrads[b.graphPort] = tensors.Add(current, grad)
						} else {
							inputGrads[b.graphPort] = grad
						}
						break
					}
				}
			}
		}
	})
	if err != nil {
		return nil, nil, err
	}
	if exception != nil {
		return nil, nil, errors.WithMessagef(exception, "graph %q: backward pass", g.name)
	}
	return inputGrads, varGrads, nil
}
