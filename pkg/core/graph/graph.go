// Copyright 2026 The NeMo Authors. SPDX-License-Identifier: Apache-2.0

// Package graph implements the neural graph: a named composition of neural
// modules with bound input and output ports.
//
// A Graph is built by adding modules, connecting producer ports to consumer
// ports and binding the ports that should be visible from the outside. A Graph
// itself implements module.Module, so graphs nest inside other graphs.
// Composition mistakes (unknown ports, type mismatches, cycles, mode
// violations) panic with an exception error at build time, in the style of
// graph-building code; runtime entry points (Forward, Serialize, Deserialize)
// return errors.
package graph

import (
	"fmt"
	"strings"

	"github.com/alan101-tech/NeMo/pkg/core/module"
	"github.com/alan101-tech/NeMo/pkg/core/neuraltypes"
	"github.com/alan101-tech/NeMo/pkg/core/tensors"
	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Mode in which a graph operates. Modules may behave differently (or refuse to
// run) depending on the mode; nesting requires compatible modes.
type Mode int

const (
	// Both allows the graph to be used for training and inference alike.
	Both Mode = iota
	// Training graphs are meant to be driven by a train.Trainer.
	Training
	// Inference graphs are for evaluation and prediction only.
	Inference
)

var modeNames = map[Mode]string{Both: "both", Training: "training", Inference: "inference"}

// String implements fmt.Stringer.
func (m Mode) String() string {
	name, found := modeNames[m]
	if !found {
		return fmt.Sprintf("Mode(%d)", int(m))
	}
	return name
}

// ModeFromString parses a mode name as used in serialized graphs.
func ModeFromString(name string) (Mode, error) {
	for mode, n := range modeNames {
		if n == name {
			return mode, nil
		}
	}
	return Both, errors.Errorf("unknown graph mode %q", name)
}

// Endpoint identifies one port of one module, written "module.port".
type Endpoint struct {
	Module, Port string
}

// String implements fmt.Stringer.
func (e Endpoint) String() string { return e.Module + "." + e.Port }

// ParseEndpoint parses a "module.port" reference.
func ParseEndpoint(s string) (Endpoint, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Endpoint{}, errors.Errorf("invalid port reference %q, expected \"module.port\"", s)
	}
	return Endpoint{Module: parts[0], Port: parts[1]}, nil
}

// Connection wires a producer output port to a consumer input port.
type Connection struct {
	From, To Endpoint
}

// binding exposes one module port under a graph port name.
type binding struct {
	graphPort string
	endpoint  Endpoint
}

// Graph is a named, ordered composition of modules. See the package
// documentation for how to build one.
type Graph struct {
	name string
	mode Mode

	modules       []module.Module
	modulesByName map[string]module.Module

	connections []Connection
	// connectedInputs tracks which consumer input ports are already fed,
	// either by a connection or by a graph input binding.
	connectedInputs map[Endpoint]bool

	boundInputs  []binding
	boundOutputs []binding

	// lastTrace keeps the inputs/outputs of each module from the latest
	// Forward; Backward consumes it. Execution is sequential (no concurrent
	// Forward/Backward on the same graph).
	lastTrace *trace
}

type trace struct {
	order   []module.Module
	inputs  map[string]map[string]*tensors.Tensor
	outputs map[string]map[string]*tensors.Tensor
}

// New creates an empty graph with the given name (auto-generated if empty) and
// operation mode.
func New(name string, mode Mode) *Graph {
	if name == "" {
		name = "graph_" + uuid.NewString()[:8]
	}
	return &Graph{
		name:            name,
		mode:            mode,
		modulesByName:   make(map[string]module.Module),
		connectedInputs: make(map[Endpoint]bool),
	}
}

// Name of the graph. Also its module name when nested.
func (g *Graph) Name() string { return g.name }

// Mode of the graph.
func (g *Graph) Mode() Mode { return g.mode }

// String implements fmt.Stringer.
func (g *Graph) String() string {
	return fmt.Sprintf("Graph(%q, mode=%s, %d modules)", g.name, g.mode, len(g.modules))
}

// Modules returns the member modules in insertion order.
func (g *Graph) Modules() []module.Module { return g.modules }

// Module returns the member with the given name, or nil.
func (g *Graph) Module(name string) module.Module { return g.modulesByName[name] }

// Add includes a module in the graph. Adding a nested graph requires its mode
// to be Both or equal to this graph's mode. It returns the module itself so
// Add calls can be inlined while wiring.
func (g *Graph) Add(m module.Module) module.Module {
	if _, found := g.modulesByName[m.Name()]; found {
		exceptions.Panicf("graph %q already contains a module named %q", g.name, m.Name())
	}
	if nested, ok := m.(*Graph); ok {
		if nested.mode != Both && nested.mode != g.mode {
			exceptions.Panicf("cannot nest %s graph %q inside %s graph %q",
				nested.mode, nested.name, g.mode, g.name)
		}
	}
	g.modules = append(g.modules, m)
	g.modulesByName[m.Name()] = m
	return m
}

func (g *Graph) findPort(e Endpoint, outputs bool) neuraltypes.Type {
	m, found := g.modulesByName[e.Module]
	if !found {
		exceptions.Panicf("graph %q has no module named %q (in %q)", g.name, e.Module, e)
	}
	ports := m.InputPorts()
	direction := "input"
	if outputs {
		ports = m.OutputPorts()
		direction = "output"
	}
	for _, port := range ports {
		if port.Name == e.Port {
			return port.Type
		}
	}
	exceptions.Panicf("module %q has no %s port named %q", e.Module, direction, e.Port)
	return neuraltypes.Type{}
}

func (g *Graph) claimInput(to Endpoint) {
	if g.connectedInputs[to] {
		exceptions.Panicf("graph %q: input port %q is already connected", g.name, to)
	}
	g.connectedInputs[to] = true
}

// Connect wires the output port `from` to the input port `to`, both given as
// "module.port". The consumer port type must accept the producer port type,
// and an input port can only be fed once.
func (g *Graph) Connect(from, to string) *Graph {
	fromEP := mustEndpoint(from)
	toEP := mustEndpoint(to)
	producerType := g.findPort(fromEP, true)
	consumerType := g.findPort(toEP, false)
	if !consumerType.Accepts(producerType) {
		exceptions.Panicf("graph %q: cannot connect %q (%s) to %q (%s): incompatible neural types",
			g.name, fromEP, producerType, toEP, consumerType)
	}
	g.claimInput(toEP)
	g.connections = append(g.connections, Connection{From: fromEP, To: toEP})
	if g.hasCycle() {
		exceptions.Panicf("graph %q: connecting %q to %q creates a cycle", g.name, fromEP, toEP)
	}
	return g
}

func mustEndpoint(s string) Endpoint {
	e, err := ParseEndpoint(s)
	if err != nil {
		panic(err)
	}
	return e
}

// BindInput exposes the module input port `to` ("module.port") as the graph
// input port graphPort. The same graph port may be bound to several module
// inputs (fan-out), but each module input can only be fed once.
func (g *Graph) BindInput(graphPort, to string) *Graph {
	toEP := mustEndpoint(to)
	g.findPort(toEP, false)
	g.claimInput(toEP)
	g.boundInputs = append(g.boundInputs, binding{graphPort: graphPort, endpoint: toEP})
	return g
}

// BindOutput exposes the module output port `from` ("module.port") as the
// graph output port graphPort. Graph output port names must be unique.
func (g *Graph) BindOutput(graphPort, from string) *Graph {
	fromEP := mustEndpoint(from)
	g.findPort(fromEP, true)
	for _, b := range g.boundOutputs {
		if b.graphPort == graphPort {
			exceptions.Panicf("graph %q: output port %q is already bound (to %q)",
				g.name, graphPort, b.endpoint)
		}
	}
	g.boundOutputs = append(g.boundOutputs, binding{graphPort: graphPort, endpoint: fromEP})
	return g
}

// TypeName implements module.Module, so graphs can nest and serialize as modules.
func (g *Graph) TypeName() string { return GraphTypeName }

// InputPorts implements module.Module: the graph's bound input ports, with the
// type of the underlying module port. Fan-out bindings appear once.
func (g *Graph) InputPorts() []module.Port {
	var ports []module.Port
	seen := make(map[string]bool)
	for _, b := range g.boundInputs {
		if seen[b.graphPort] {
			continue
		}
		seen[b.graphPort] = true
		ports = append(ports, module.Port{Name: b.graphPort, Type: g.findPort(b.endpoint, false)})
	}
	return ports
}

// OutputPorts implements module.Module: the graph's bound output ports.
func (g *Graph) OutputPorts() []module.Port {
	ports := make([]module.Port, 0, len(g.boundOutputs))
	for _, b := range g.boundOutputs {
		ports = append(ports, module.Port{Name: b.graphPort, Type: g.findPort(b.endpoint, true)})
	}
	return ports
}

// topologicalOrder is computed from the connections among members. Members
// with no dependencies run in insertion order.
func (g *Graph) topologicalOrder() ([]module.Module, error) {
	dependencies := make(map[string]map[string]bool, len(g.modules))
	for _, m := range g.modules {
		dependencies[m.Name()] = make(map[string]bool)
	}
	for _, c := range g.connections {
		dependencies[c.To.Module][c.From.Module] = true
	}
	var order []module.Module
	done := make(map[string]bool, len(g.modules))
	for len(order) < len(g.modules) {
		progressed := false
		for _, m := range g.modules {
			if done[m.Name()] {
				continue
			}
			ready := true
			for dep := range dependencies[m.Name()] {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				done[m.Name()] = true
				order = append(order, m)
				progressed = true
			}
		}
		if !progressed {
			return nil, errors.Errorf("graph %q contains a connection cycle", g.name)
		}
	}
	return order, nil
}

func (g *Graph) hasCycle() bool {
	_, err := g.topologicalOrder()
	return err != nil
}

// Forward implements module.Module: it feeds the graph inputs to their bound
// module ports, runs every member module in topological order and collects the
// bound outputs.
func (g *Graph) Forward(inputs map[string]*tensors.Tensor) (map[string]*tensors.Tensor, error) {
	order, err := g.topologicalOrder()
	if err != nil {
		return nil, err
	}

	// Pending inputs for each module, seeded from the graph input bindings.
	pending := make(map[string]map[string]*tensors.Tensor, len(g.modules))
	for _, m := range g.modules {
		pending[m.Name()] = make(map[string]*tensors.Tensor)
	}
	for _, b := range g.boundInputs {
		value, found := inputs[b.graphPort]
		if !found {
			return nil, errors.Errorf("graph %q: missing value for input port %q", g.name, b.graphPort)
		}
		pending[b.endpoint.Module][b.endpoint.Port] = value
	}

	tr := &trace{
		order:   order,
		inputs:  make(map[string]map[string]*tensors.Tensor, len(order)),
		outputs: make(map[string]map[string]*tensors.Tensor, len(order)),
	}
	for _, m := range order {
		moduleInputs := pending[m.Name()]
		for _, port := range m.InputPorts() {
			if _, found := moduleInputs[port.Name]; !found {
				return nil, errors.Errorf("graph %q: module %q input port %q is not connected nor bound",
					g.name, m.Name(), port.Name)
			}
		}
		moduleOutputs, err := m.Forward(moduleInputs)
		if err != nil {
			return nil, errors.WithMessagef(err, "graph %q: running module %q", g.name, m.Name())
		}
		klog.V(2).Infof("graph %q: module %q produced %d outputs", g.name, m.Name(), len(moduleOutputs))
		tr.inputs[m.Name()] = moduleInputs
		tr.outputs[m.Name()] = moduleOutputs
		for _, c := range g.connections {
			if c.From.Module != m.Name() {
				continue
			}
			value, found := moduleOutputs[c.From.Port]
			if !found {
				return nil, errors.Errorf("graph %q: module %q did not produce declared output %q",
					g.name, m.Name(), c.From.Port)
			}
			pending[c.To.Module][c.To.Port] = value
		}
	}
	g.lastTrace = tr

	results := make(map[string]*tensors.Tensor, len(g.boundOutputs))
	for _, b := range g.boundOutputs {
		value, found := tr.outputs[b.endpoint.Module][b.endpoint.Port]
		if !found {
			return nil, errors.Errorf("graph %q: bound output %q was not produced by %q",
				g.name, b.graphPort, b.endpoint)
		}
		results[b.graphPort] = value
	}
	return results, nil
}

// Spec implements module.Module: a nested graph serializes in-line as a module
// whose params hold its full configuration.
func (g *Graph) Spec() module.Spec {
	return module.Spec{
		Name:   g.name,
		Type:   GraphTypeName,
		Params: g.Config().asMap(),
	}
}
