// Copyright 2026 The NeMo Authors. SPDX-License-Identifier: Apache-2.0

package module

import (
	"sort"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// Builder creates a module instance from its serialized Spec.
type Builder func(spec Spec) (Module, error)

var (
	buildersMu sync.Mutex
	builders   = make(map[string]Builder)
)

// RegisterBuilder makes a module type constructible from a Spec -- typically
// called from an init() of the package implementing the module. It panics
// (with an exception error) if the type name is already registered.
func RegisterBuilder(typeName string, builder Builder) {
	buildersMu.Lock()
	defer buildersMu.Unlock()
	if _, found := builders[typeName]; found {
		exceptions.Panicf("module builder for type %q registered twice", typeName)
	}
	builders[typeName] = builder
}

// KnownTypes returns the sorted list of registered module type names.
func KnownTypes() []string {
	buildersMu.Lock()
	defer buildersMu.Unlock()
	names := make([]string, 0, len(builders))
	for name := range builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build creates a module from its Spec using the registered builder for its type.
func Build(spec Spec) (Module, error) {
	buildersMu.Lock()
	builder, found := builders[spec.Type]
	buildersMu.Unlock()
	if !found {
		return nil, errors.Errorf("no module builder registered for type %q (module %q)",
			spec.Type, spec.Name)
	}
	m, err := builder(spec)
	if err != nil {
		return nil, errors.WithMessagef(err, "building module %q of type %q", spec.Name, spec.Type)
	}
	return m, nil
}

// DecodeParams decodes a Spec's params map into a typed configuration struct.
// Numbers are weakly typed, so YAML integers decode into float fields and
// vice-versa.
func DecodeParams(params map[string]any, target any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return errors.Wrap(err, "creating params decoder")
	}
	if err = decoder.Decode(params); err != nil {
		return errors.Wrap(err, "decoding module params")
	}
	return nil
}

// Registry holds live module instances by name. Deserializing a graph resolves
// (or rejects, if reuse is disabled) module names against a Registry.
type Registry struct {
	mu      sync.Mutex
	modules map[string]Module
}

// NewRegistry creates an empty module instance registry.
func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]Module)}
}

// Register adds a module instance. Module names must be unique within a Registry.
func (r *Registry) Register(m Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, found := r.modules[m.Name()]; found {
		return errors.Errorf("module named %q already registered", m.Name())
	}
	r.modules[m.Name()] = m
	return nil
}

// MustRegister adds a module instance, panicking (with an exception error) on
// name collision. Convenient when composing graphs programmatically.
func (r *Registry) MustRegister(m Module) Module {
	if err := r.Register(m); err != nil {
		panic(err)
	}
	return m
}

// Get returns the registered module with the given name, if any.
func (r *Registry) Get(name string) (Module, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, found := r.modules[name]
	return m, found
}

// Names returns the sorted names of all registered modules.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
